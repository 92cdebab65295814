package discoverer

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netsweep/internal/discovery"
)

// Checker executes one task, writing its outcome into the result store.
// A returned error is a task/batch failure: the worker aborts the whole job
// and posts the error on the queue sideband. Individual probe failures are
// consumed inside the checker.
type Checker interface {
	Check(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error
}

// resolver turns an address into its reverse DNS name, best effort.
type resolver func(ctx context.Context, ip string) string

func defaultResolver(ctx context.Context, ip string) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	names, err := net.DefaultResolver.LookupAddr(ctx, ip)
	if err != nil || len(names) == 0 {
		return ""
	}
	return strings.TrimSuffix(names[0], ".")
}

// Compile-time interface guards.
var (
	_ Checker = (*syncChecker)(nil)
	_ Checker = (*icmpChecker)(nil)
	_ Checker = (*asyncChecker)(nil)
)

// syncChecker runs one synchronous (ip, port, check) probe pinned in the
// task state, appending at most one service to the (rule, ip) result.
type syncChecker struct {
	store   *ResultStore
	prober  *prober
	resolve resolver
	logger  *zap.Logger
}

func (c *syncChecker) Check(ctx context.Context, druleid uint64, task *Task, _ int, stop *atomic.Bool) error {
	if stop.Load() || len(task.Checks) == 0 {
		return nil
	}

	check := task.Checks[0]
	ip := task.State.IP.String()
	port := task.State.Port

	value, up := c.prober.Probe(ctx, check, ip, port)
	if !up {
		// Service not discovered; still consume the pending check so the
		// host completes.
		c.store.ConsumeFailed(druleid, task.UniqueDCheckID, ip)
		return nil
	}

	dns := c.resolve(ctx, ip)
	service := &DService{
		DCheckID: check.DCheckID,
		Port:     port,
		Status:   discovery.StatusUp,
		Value:    value,
	}

	if !c.store.AddService(druleid, task.UniqueDCheckID, ip, dns, service) {
		c.logger.Debug("rule revision changed, result dropped",
			zap.Uint64("druleid", druleid), zap.String("ip", ip))
	}
	return nil
}
