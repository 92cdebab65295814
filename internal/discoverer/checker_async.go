package discoverer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HerbHall/netsweep/internal/discovery"
	"github.com/HerbHall/netsweep/internal/iprange"
)

// asyncChecker batch-drives one TCP-family/HTTP/SNMP/agent check across the
// task's whole range with bounded concurrency. Per-(ip, port) outcomes are
// accumulated locally; completed addresses merge into the store mid-flight
// so their counters settle early, and a final forced merge closes out the
// rest.
type asyncChecker struct {
	store   *ResultStore
	prober  *prober
	resolve resolver
	logger  *zap.Logger
}

func (c *asyncChecker) Check(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
	if workerMax == 0 {
		workerMax = JobTasksInProgressMax
	}
	if len(task.Checks) == 0 {
		return nil
	}

	check := task.Checks[0]
	ports, err := iprange.ParsePorts(check.Ports)
	if err != nil {
		// The scheduler validated the expression; failing here means the
		// task was built from a corrupt rule and the job must not continue.
		return err
	}

	var (
		mu      sync.Mutex
		partial = make(map[string]*Result)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerMax)

	it := iprange.NewIter(task.IPRanges)
	for addr, ok := it.Next(); ok; addr, ok = it.Next() {
		if stop.Load() || gctx.Err() != nil {
			break
		}
		ip := addr.String()

		g.Go(func() error {
			result := &Result{
				DRuleID:        druleid,
				IP:             ip,
				Now:            time.Now(),
				UniqueDCheckID: task.UniqueDCheckID,
			}

			for _, port := range ports.Ports() {
				if stop.Load() || gctx.Err() != nil {
					break
				}
				value, up := c.prober.Probe(gctx, check, ip, port)
				result.ProcessedChecksPerIP++
				if !up {
					continue
				}
				if result.DNSName == "" {
					result.DNSName = c.resolve(gctx, ip)
				}
				result.Services = append(result.Services, &DService{
					DCheckID: check.DCheckID,
					Port:     port,
					Status:   discovery.StatusUp,
					Value:    value,
				})
			}

			mu.Lock()
			partial[ip] = result
			c.store.MergePartial(task, partial, false)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	// Force-merge whatever is left: the partial shares of an interrupted
	// range.
	mu.Lock()
	c.store.MergePartial(task, partial, true)
	mu.Unlock()

	return nil
}
