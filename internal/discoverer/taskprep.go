package discoverer

import (
	"fmt"

	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/iprange"
)

// expansion is the scheduler-side output of processRule: everything needed
// to build and enqueue one job, plus the per-IP check counts to merge into
// the result store. Nothing is committed anywhere until the scheduler
// decides the whole rule fits the queue.
type expansion struct {
	tasks    []*Task
	counts   map[resultKey]uint64
	common   []*drule.Check
	ipranges iprange.List
}

// processRule enumerates the rule's (ip, port, check) space into tasks and
// per-IP check counts, decrementing capacity as it goes. When the remaining
// capacity cannot hold the next address's checks, capacity is forced to zero
// and the partial expansion is returned for the caller to discard: a rule
// either fits the queue completely or is skipped for this tick.
func processRule(rule *drule.Rule, capacity *uint64) (*expansion, error) {
	ranges, err := iprange.ParseList(rule.IPRange)
	if err != nil {
		return nil, fmt.Errorf("discovery rule %q: %w", rule.Name, err)
	}

	var (
		icmpChecks  []*drule.Check
		asyncChecks []*drule.Check
		syncChecks  []*drule.Check
		portsOf     = make(map[*drule.Check]iprange.PortList)
	)

	for _, check := range rule.Checks {
		switch {
		case check.Type == drule.CheckICMP:
			icmpChecks = append(icmpChecks, check)
		default:
			ports, err := iprange.ParsePorts(check.Ports)
			if err != nil {
				return nil, fmt.Errorf("discovery rule %q check %d: %w", rule.Name, check.DCheckID, err)
			}
			portsOf[check] = ports
			if check.Type.IsAsync() {
				asyncChecks = append(asyncChecks, check)
			} else {
				syncChecks = append(syncChecks, check)
			}
		}
	}

	// Per-address check share.
	perIP := uint64(len(icmpChecks))
	for _, check := range asyncChecks {
		perIP += portsOf[check].Count()
	}
	for _, check := range syncChecks {
		perIP += portsOf[check].Count()
	}

	exp := &expansion{
		counts:   make(map[resultKey]uint64),
		common:   rule.Checks,
		ipranges: ranges,
	}

	it := iprange.NewIter(ranges)
	for addr, ok := it.Next(); ok; addr, ok = it.Next() {
		if *capacity < perIP {
			*capacity = 0
			return exp, nil
		}
		*capacity -= perIP
		exp.counts[resultKey{druleid: rule.DRuleID, ip: addr.String()}] = perIP

		// Synchronous checks pin one task per (ip, port, check) triple.
		for _, check := range syncChecks {
			for _, port := range portsOf[check].Ports() {
				exp.tasks = append(exp.tasks, &Task{
					Kind:     TaskSync,
					IPRanges: ranges,
					State: TaskState{
						IP:          addr,
						Port:        port,
						ChecksPerIP: 1,
					},
					Checks:         []*drule.Check{check},
					UniqueDCheckID: rule.UniqueDCheckID,
				})
			}
		}
	}

	if len(icmpChecks) > 0 {
		exp.tasks = append(exp.tasks, &Task{
			Kind:     TaskICMP,
			IPRanges: ranges,
			State: TaskState{
				ChecksPerIP: uint64(len(icmpChecks)),
			},
			Checks:         icmpChecks,
			UniqueDCheckID: rule.UniqueDCheckID,
		})
	}

	for _, check := range asyncChecks {
		exp.tasks = append(exp.tasks, &Task{
			Kind:     TaskAsync,
			IPRanges: ranges,
			State: TaskState{
				ChecksPerIP: portsOf[check].Count(),
			},
			Checks:         []*drule.Check{check},
			UniqueDCheckID: rule.UniqueDCheckID,
		})
	}

	return exp, nil
}

// totalChecks sums the expansion's scheduled checks.
func (e *expansion) totalChecks() uint64 {
	var total uint64
	for _, count := range e.counts {
		total += count
	}
	return total
}
