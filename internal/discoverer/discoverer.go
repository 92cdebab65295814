package discoverer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netsweep/internal/discovery"
	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/ipc"
	"github.com/HerbHall/netsweep/internal/timekeeper"
)

// IPC message codes of the discoverer endpoint.
const (
	IPCQueue           uint32 = 1
	IPCUsageStats      uint32 = 2
	IPCSNMPCacheReload uint32 = 3
	IPCShutdown        uint32 = 4
)

const (
	// Delay is the default scheduler tick interval.
	Delay = 60 * time.Second

	// startupTimeout bounds the wait for workers to register at start.
	startupTimeout = 30 * time.Second

	defaultTimeout = 3 * time.Second
)

// Config carries the service's runtime options.
type Config struct {
	// Workers is the worker pool size.
	Workers int

	// SourceIP optionally pins outgoing probes to a local address.
	SourceIP string

	// QueueMaxSize caps pending checks; defaults to QueueMaxSize.
	QueueMaxSize uint64

	// Delay is the scheduler tick; defaults to Delay.
	Delay time.Duration

	// SocketPath is the discoverer IPC endpoint.
	SocketPath string

	// TimeoutFor resolves the global per-check-class timeout. Errors are
	// recorded as rule errors for the rules that needed the class.
	TimeoutFor func(class drule.TimeoutClass) (time.Duration, error)

	// ResolveMacros expands user macros in rule fields; identity when nil.
	ResolveMacros func(string) string

	// OnResult, when set, observes every flushed host result.
	OnResult func(*Result)
}

// Service is the discoverer manager: worker pool, scheduler and IPC surface.
type Service struct {
	cfg    Config
	logger *zap.Logger

	queue   *Queue
	results *ResultStore
	keeper  *timekeeper.Keeper

	// jobRefs tracks every live job by rule id; guarded by the queue lock.
	jobRefs map[uint64]*Job

	workers []*Worker

	rules drule.Source
	store discovery.Store

	ipcService *ipc.Service
	resolve    resolver

	// Scheduler state between ticks.
	rulesRevision uint64
	nextcheck     time.Time
	incomplete    map[uint64]struct{}
	druleErrors   []RuleError

	checkSync  Checker
	checkICMP  Checker
	checkAsync Checker
}

// New builds the service, starts the worker pool and binds the IPC socket.
// It fails if the workers do not all register within the startup timeout.
func New(cfg Config, rules drule.Source, store discovery.Store, logger *zap.Logger) (*Service, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("discoverer: worker count %d invalid", cfg.Workers)
	}
	if cfg.QueueMaxSize == 0 {
		cfg.QueueMaxSize = QueueMaxSize
	}
	if cfg.Delay <= 0 {
		cfg.Delay = Delay
	}
	if cfg.TimeoutFor == nil {
		cfg.TimeoutFor = func(drule.TimeoutClass) (time.Duration, error) { return defaultTimeout, nil }
	}
	if cfg.ResolveMacros == nil {
		cfg.ResolveMacros = func(s string) string { return s }
	}

	s := &Service{
		cfg:        cfg,
		logger:     logger,
		queue:      NewQueue(cfg.QueueMaxSize),
		results:    NewResultStore(),
		keeper:     timekeeper.New(cfg.Workers),
		jobRefs:    make(map[uint64]*Job),
		rules:      rules,
		store:      store,
		resolve:    defaultResolver,
		incomplete: make(map[uint64]struct{}),
	}

	prober := newProber(cfg.SourceIP)
	s.checkSync = &syncChecker{store: s.results, prober: prober, resolve: s.resolve, logger: logger}
	s.checkICMP = &icmpChecker{store: s.results, resolve: s.resolve, logger: logger, sourceIP: cfg.SourceIP}
	s.checkAsync = &asyncChecker{store: s.results, prober: prober, resolve: s.resolve, logger: logger}

	if cfg.SocketPath != "" {
		svc, err := ipc.NewService(cfg.SocketPath, logger.Named("ipc"))
		if err != nil {
			return nil, fmt.Errorf("discoverer: start ipc service: %w", err)
		}
		s.ipcService = svc
	}

	ctx := context.Background()
	for i := 0; i < cfg.Workers; i++ {
		w := newWorker(i+1, s)
		s.workers = append(s.workers, w)
		go w.run(ctx)
	}

	if err := s.waitWorkers(); err != nil {
		s.Stop()
		return nil, err
	}

	return s, nil
}

func (s *Service) waitWorkers() error {
	deadline := time.Now().Add(startupTimeout)
	for {
		s.queue.Lock()
		started := s.queue.WorkersRegistered
		s.queue.Unlock()

		if started == s.cfg.Workers {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("discoverer: timeout occurred while waiting for workers to start")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Queue exposes the queue for the IPC handlers and tests.
func (s *Service) Queue() *Queue { return s.queue }

// Results exposes the result store for tests.
func (s *Service) Results() *ResultStore { return s.results }

// removeJobLocked drops a finished job from the reference table. Caller must
// hold the queue lock.
func (s *Service) removeJobLocked(job *Job) {
	delete(s.jobRefs, job.DRuleID)
}

// dispatch routes a task to its checker.
func (s *Service) dispatch(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
	switch task.Kind {
	case TaskSync:
		return s.checkSync.Check(ctx, druleid, task, workerMax, stop)
	case TaskICMP:
		return s.checkICMP.Check(ctx, druleid, task, workerMax, stop)
	default:
		return s.checkAsync.Check(ctx, druleid, task, workerMax, stop)
	}
}

// Run drives the scheduler until the context is cancelled or a SHUTDOWN
// message arrives.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("discoverer started",
		zap.Int("workers", s.cfg.Workers),
		zap.Uint64("queue_max", s.cfg.QueueMaxSize))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		now := time.Now()

		delDruleids := s.syncRuleRevisions()

		s.queue.Lock()
		processing := len(s.jobRefs)
		queueUsed := s.queue.PendingChecks
		s.druleErrors = append(s.druleErrors, s.queue.DrainErrors()...)
		s.queue.Unlock()

		pendingChecksGauge.Set(float64(queueUsed))
		processingRulesGauge.Set(float64(processing))

		moreResults := s.processResults(ctx, delDruleids)

		if !now.Before(s.nextcheck) {
			s.processDiscovery(now)
		}

		sleep := s.cfg.Delay
		if moreResults {
			sleep = 0
		} else if !s.nextcheck.IsZero() {
			if until := time.Until(s.nextcheck); until < sleep {
				sleep = until
			}
		}
		if sleep < 0 {
			sleep = 0
		}

		stop, err := s.serveIPC(ctx, sleep)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		for i, usage := range s.keeper.Usage() {
			workerBusyGauge.WithLabelValues(strconv.Itoa(i + 1)).Set(usage)
		}
	}
}

// syncRuleRevisions compares the jobs in flight against the authoritative
// rule revisions. Jobs whose rule changed or disappeared are drained and
// their rule ids returned for result cleanup.
func (s *Service) syncRuleRevisions() []uint64 {
	revision, revs, changed := s.rules.Revisions(s.rulesRevision)
	if !changed {
		return nil
	}
	s.rulesRevision = revision

	var del []uint64

	s.queue.Lock()
	for druleid, job := range s.jobRefs {
		rev, ok := revs[druleid]
		if ok && rev == job.DRuleRevision {
			continue
		}
		del = append(del, druleid)
		s.queue.PendingChecks -= job.FreeTasks()
		s.logger.Debug("rule revision changed, job drained", zap.Uint64("druleid", druleid))
	}
	s.queue.Unlock()

	// Force the next tick to re-evaluate due rules.
	s.nextcheck = time.Time{}

	sort.Slice(del, func(i, j int) bool { return del[i] < del[j] })
	return del
}

// processResults flushes completed results to persistence. Returns true when
// the batch cap was hit and more results remain.
func (s *Service) processResults(ctx context.Context, delDruleids []uint64) bool {
	flush, incomplete, unsaved := s.results.TakeCompleted(delDruleids, BatchResultsNum)

	// Scheduling failures recorded this tick also invalidate any partial
	// state of their rules.
	if len(s.druleErrors) > 0 {
		errIDs := make([]uint64, 0, len(s.druleErrors))
		for _, de := range s.druleErrors {
			errIDs = append(errIDs, de.DRuleID)
		}
		s.results.RemoveRules(errIDs)
	}

	s.incomplete = incomplete

	if len(flush) == 0 {
		return false
	}

	handle, err := s.store.Open(ctx)
	if err != nil {
		s.logger.Error("cannot open discovery flush session", zap.Error(err))
		return false
	}

	now := time.Now()
	var taken int

	for _, result := range flush {
		if result.IP == "" {
			// Rule-level marker: surface the rule's error text, if any.
			var errText string
			for i, de := range s.druleErrors {
				if de.DRuleID == result.DRuleID {
					errText = de.Error
					s.druleErrors = append(s.druleErrors[:i], s.druleErrors[i+1:]...)
					break
				}
			}
			if err := handle.UpdateDRule(result.DRuleID, errText, result.Now); err != nil {
				s.logger.Error("update drule failed", zap.Uint64("druleid", result.DRuleID), zap.Error(err))
			}
			continue
		}

		if err := s.flushHost(handle, result, now); err != nil {
			s.logger.Error("flush host failed",
				zap.Uint64("druleid", result.DRuleID),
				zap.String("ip", result.IP),
				zap.Error(err))
			continue
		}
		taken += len(result.Services)

		if s.cfg.OnResult != nil {
			s.cfg.OnResult(result)
		}
	}

	if err := handle.Close(); err != nil {
		s.logger.Error("close discovery flush session", zap.Error(err))
	}

	flushedResultsTotal.Add(float64(len(flush)))

	s.logger.Debug("results flushed",
		zap.Int("results", len(flush)),
		zap.Uint64("unsaved_checks", unsaved))

	return taken >= BatchResultsNum
}

// flushHost writes one discovered host and its services.
func (s *Service) flushHost(handle discovery.Handle, result *Result, now time.Time) error {
	var (
		dhost       discovery.DHost
		dserviceids []uint64
		hostStatus  = -1
	)

	for _, service := range result.Services {
		if (hostStatus == -1 || service.Status == discovery.StatusUp) && hostStatus != service.Status {
			hostStatus = service.Status
		}
		if err := handle.UpdateService(result.DRuleID, service.DCheckID, result.UniqueDCheckID,
			&dhost, result.IP, result.DNSName, service.Port, service.Status, service.Value,
			result.Now, &dserviceids); err != nil {
			return err
		}
	}

	if len(result.Services) == 0 {
		if found, err := handle.FindHost(result.DRuleID, result.IP); err == nil {
			dhost = *found
		} else if err != discovery.ErrNotFound {
			return err
		}
		hostStatus = discovery.StatusDown
	}

	if dhost.DHostID != 0 {
		if err := handle.UpdateServiceDown(dhost.DHostID, result.Now, dserviceids); err != nil {
			return err
		}
	}

	return handle.UpdateHost(result.DRuleID, &dhost, result.IP, result.DNSName, hostStatus, result.Now)
}

// processDiscovery expands due rules into jobs, enforcing the queue cap.
func (s *Service) processDiscovery(now time.Time) {
	due, next := s.rules.DueRules(now)
	s.nextcheck = next

	var (
		jobs        []*Job
		counts      = make(map[resultKey]uint64)
		errDruleids []uint64
		queuedNow   uint64
		classCache  = make(map[drule.TimeoutClass]time.Duration)
	)

	ruleError := func(druleid uint64, text string) {
		s.druleErrors = append(s.druleErrors, RuleError{DRuleID: druleid, Error: text})
		errDruleids = append(errDruleids, druleid)
		ruleErrorsTotal.Inc()
	}

	for _, rule := range due {
		delay := s.cfg.Delay

		s.queue.Lock()
		_, active := s.jobRefs[rule.DRuleID]
		capacity := s.cfg.QueueMaxSize - s.queue.PendingChecks
		s.queue.Unlock()

		_, deferred := s.incomplete[rule.DRuleID]

		process := !active && !deferred
		if process {
			delayStr := s.cfg.ResolveMacros(rule.Delay)
			parsed, err := drule.ParseDelay(delayStr)
			if err != nil {
				ruleError(rule.DRuleID, fmt.Sprintf(
					"discovery rule \"%s\": invalid update interval \"%s\"", rule.Name, delayStr))
				s.rules.Requeue(now, rule.DRuleID, delay)
				continue
			}
			delay = parsed

			if !s.resolveTimeouts(rule, classCache, ruleError) {
				s.rules.Requeue(now, rule.DRuleID, delay)
				continue
			}

			for _, check := range rule.Checks {
				if check.Unique {
					rule.UniqueDCheckID = check.DCheckID
					break
				}
			}

			capacityLocal := capacity - queuedNow
			exp, err := processRule(rule, &capacityLocal)
			switch {
			case err != nil:
				ruleError(rule.DRuleID, err.Error())
			case capacityLocal == 0:
				ruleError(rule.DRuleID, "discoverer queue is full, skipping discovery rule")
			default:
				queuedNow += exp.totalChecks()
				for key, count := range exp.counts {
					counts[key] += count
				}
				jobs = append(jobs, &Job{
					DRuleID:       rule.DRuleID,
					DRuleRevision: rule.Revision,
					Tasks:         exp.tasks,
					ChecksCommon:  exp.common,
					IPRanges:      exp.ipranges,
				})
			}
		}

		s.rules.Requeue(now, rule.DRuleID, delay)
	}

	// Scheduling failures still produce a rule-level status update.
	for _, druleid := range errDruleids {
		s.results.RegisterEmpty(druleid)
	}

	if len(jobs) == 0 {
		return
	}

	queued := s.results.AddCounts(counts)

	s.queue.Lock()
	s.queue.PendingChecks += queued
	for _, job := range jobs {
		s.queue.Push(job)
		s.jobRefs[job.DRuleID] = job
	}
	s.queue.NotifyAll()
	s.queue.Unlock()

	s.logger.Debug("rules expanded",
		zap.Int("jobs", len(jobs)),
		zap.Uint64("checks", queued))
}

// resolveTimeouts stamps the global per-class timeouts onto the rule's
// checks. Returns false when a needed class is misconfigured.
func (s *Service) resolveTimeouts(rule *drule.Rule, cache map[drule.TimeoutClass]time.Duration,
	ruleError func(uint64, string)) bool {

	classNames := map[drule.TimeoutClass]string{
		drule.TimeoutSimple: "simple",
		drule.TimeoutAgent:  "agent",
		drule.TimeoutSNMP:   "snmp",
	}

	for _, check := range rule.Checks {
		if check.Timeout > 0 {
			continue
		}
		class := check.Type.TimeoutClass()
		timeout, ok := cache[class]
		if !ok {
			var err error
			timeout, err = s.cfg.TimeoutFor(class)
			if err != nil {
				ruleError(rule.DRuleID, fmt.Sprintf(
					"invalid global timeout for %s checks: %s", classNames[class], err))
				return false
			}
			cache[class] = timeout
		}
		check.Timeout = timeout
	}
	return true
}

// serveIPC sleeps on the IPC endpoint for up to timeout, answering control
// messages. Returns stop=true on SHUTDOWN.
func (s *Service) serveIPC(ctx context.Context, timeout time.Duration) (stop bool, err error) {
	if s.ipcService == nil {
		if timeout > 0 {
			timer := time.NewTimer(timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
		}
		return false, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		wait := time.Until(deadline)
		if wait < 0 {
			wait = 0
		}

		client, msg, rerr := s.ipcService.Recv(wait)
		if rerr == ipc.ErrTimeout {
			return false, nil
		}
		if rerr != nil {
			return false, fmt.Errorf("discoverer: ipc receive: %w", rerr)
		}

		switch msg.Code {
		case IPCQueue:
			s.queue.Lock()
			count := s.queue.PendingChecks
			s.queue.Unlock()
			client.Send(IPCQueue, ipc.AppendUint64(nil, count))

		case IPCUsageStats:
			usage := s.keeper.Usage()
			data := ipc.AppendUint16(nil, uint16(len(usage)))
			for _, u := range usage {
				data = ipc.AppendFloat64(data, u)
			}
			client.Send(IPCUsageStats, data)

		case IPCSNMPCacheReload:
			s.logger.Info("snmp cache reload requested")

		case IPCShutdown:
			s.logger.Info("shutdown message received, terminating")
			return true, nil
		}

		if wait == 0 {
			return false, nil
		}
	}
}

// Stop shuts down the workers and the IPC endpoint.
func (s *Service) Stop() {
	s.queue.Lock()
	for _, w := range s.workers {
		w.requestStop()
	}
	s.queue.NotifyAll()
	s.queue.Unlock()

	for _, w := range s.workers {
		w.join()
	}

	if s.ipcService != nil {
		s.ipcService.Close()
	}

	s.logger.Info("discoverer stopped")
}
