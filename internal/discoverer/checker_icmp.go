package discoverer

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/netsweep/internal/discovery"
	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/iprange"
)

// icmpPingCount is the number of echo requests sent per address per check.
const icmpPingCount = 3

// icmpChecker batch-pings the task's ranges, chunked by the job's worker
// limit. Responding hosts get one UP service per ICMP check in the task;
// silent hosts are left for MergeFullRange to record as empty results.
type icmpChecker struct {
	store    *ResultStore
	resolve  resolver
	logger   *zap.Logger
	sourceIP string
}

func (c *icmpChecker) Check(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
	if workerMax == 0 {
		workerMax = JobTasksInProgressMax
	}

	partial := make(map[string]*Result)
	var taskErr error

	for _, check := range task.Checks {
		if taskErr != nil || stop.Load() {
			break
		}

		chunk := make([]string, 0, workerMax)
		flush := func() error {
			if len(chunk) == 0 {
				return nil
			}
			alive, err := c.pingChunk(ctx, check, chunk)
			if err != nil {
				return err
			}
			c.collect(ctx, druleid, task, check, alive, partial)
			chunk = chunk[:0]
			return nil
		}

		it := iprange.NewIter(task.IPRanges)
		for addr, ok := it.Next(); ok; addr, ok = it.Next() {
			if stop.Load() {
				break
			}
			chunk = append(chunk, addr.String())
			if len(chunk) < workerMax {
				continue
			}
			if taskErr = flush(); taskErr != nil {
				break
			}
		}
		if taskErr == nil && !stop.Load() {
			taskErr = flush()
		}
	}

	c.store.MergeFullRange(druleid, task, partial)

	if taskErr != nil {
		return fmt.Errorf("icmp batch: %w", taskErr)
	}
	return nil
}

// pingChunk pings every address of the chunk concurrently and returns the
// set of responders. The batch fails only when every ping errored before
// sending, which indicates a broken ICMP environment rather than silent
// hosts.
func (c *icmpChecker) pingChunk(ctx context.Context, check *drule.Check, ips []string) (map[string]bool, error) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	var (
		mu      sync.Mutex
		alive   = make(map[string]bool, len(ips))
		failed  int
		lastErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(ips))

	for _, ip := range ips {
		g.Go(func() error {
			pinger, err := probing.NewPinger(ip)
			if err != nil {
				mu.Lock()
				failed++
				lastErr = err
				mu.Unlock()
				return nil
			}
			pinger.Count = icmpPingCount
			pinger.Timeout = timeout
			pinger.SetPrivileged(runtime.GOOS == "windows")
			if c.sourceIP != "" {
				pinger.Source = c.sourceIP
			}

			done := make(chan error, 1)
			go func() { done <- pinger.Run() }()

			select {
			case runErr := <-done:
				mu.Lock()
				if runErr != nil {
					failed++
					lastErr = runErr
				} else if pinger.Statistics().PacketsRecv > 0 {
					alive[ip] = true
				}
				mu.Unlock()
			case <-gctx.Done():
				pinger.Stop()
				<-done
			}
			return nil
		})
	}
	g.Wait()

	if failed == len(ips) && lastErr != nil {
		return nil, lastErr
	}
	return alive, nil
}

// collect creates one UP service per responding host for the given check.
func (c *icmpChecker) collect(ctx context.Context, druleid uint64, task *Task, check *drule.Check,
	alive map[string]bool, partial map[string]*Result) {

	for ip := range alive {
		result, ok := partial[ip]
		if !ok {
			result = &Result{
				DRuleID:        druleid,
				IP:             ip,
				Now:            time.Now(),
				UniqueDCheckID: task.UniqueDCheckID,
			}
			partial[ip] = result
		}

		if result.DNSName == "" {
			result.DNSName = c.resolve(ctx, ip)
		}

		result.Services = append(result.Services, &DService{
			DCheckID: check.DCheckID,
			Status:   discovery.StatusUp,
		})
	}

	// Every address of the chunked range consumed this check, responder or
	// not; ProcessedChecksPerIP tracks responders only, the silent rest is
	// settled by MergeFullRange.
	for ip := range alive {
		partial[ip].ProcessedChecksPerIP++
	}
}
