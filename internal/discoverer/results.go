package discoverer

import (
	"sync"
	"time"

	"github.com/HerbHall/netsweep/internal/iprange"
)

// BatchResultsNum caps the number of service rows extracted per flush.
const BatchResultsNum = 1000

// DService is one discovered service observation.
type DService struct {
	DCheckID uint64
	Port     int
	Status   int
	Value    string
}

// Result accumulates the service observations of one (rule, ip) pair.
type Result struct {
	DRuleID        uint64
	IP             string
	DNSName        string
	Now            time.Time
	UniqueDCheckID uint64

	// ProcessedChecksPerIP counts the checks a batch driver completed for
	// this address; a partial result merges once it matches the task's
	// per-IP share.
	ProcessedChecksPerIP uint64

	Services []*DService
}

type resultKey struct {
	druleid uint64
	ip      string
}

// ResultStore is the shared accumulator of partial results and the per-IP
// incomplete-check counters. Its mutex is independent from the queue mutex;
// when both are held the queue lock is taken first.
type ResultStore struct {
	mu      sync.Mutex
	results map[resultKey]*Result
	counts  map[resultKey]uint64
	now     func() time.Time
}

// NewResultStore creates an empty result store.
func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[resultKey]*Result),
		counts:  make(map[resultKey]uint64),
		now:     time.Now,
	}
}

// AddCounts merges freshly scheduled per-IP check counts and returns the
// total added.
func (s *ResultStore) AddCounts(counts map[resultKey]uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total uint64
	for key, count := range counts {
		s.counts[key] += count
		total += count
	}
	return total
}

// decrementLocked lowers the (rule, ip) counter by n. Returns found=false
// when the counter is missing or already zero — the signal that the rule's
// revision changed while the check was in flight and the caller must discard
// its partial result.
func (s *ResultStore) decrementLocked(druleid uint64, ip string, n uint64) (remaining uint64, found bool) {
	key := resultKey{druleid: druleid, ip: ip}
	count, ok := s.counts[key]
	if !ok || count == 0 {
		return 0, false
	}
	if n > count {
		n = count
	}
	count -= n
	s.counts[key] = count
	return count, true
}

// Decrement is the exported form of the revision-skew primitive.
func (s *ResultStore) Decrement(druleid uint64, ip string, n uint64) (remaining uint64, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementLocked(druleid, ip, n)
}

// registerHostLocked finds or creates the store's result for (druleid, ip).
func (s *ResultStore) registerHostLocked(druleid, uniqueDCheckID uint64, ip string) *Result {
	key := resultKey{druleid: druleid, ip: ip}
	if result, ok := s.results[key]; ok {
		return result
	}
	result := &Result{
		DRuleID:        druleid,
		IP:             ip,
		Now:            s.now(),
		UniqueDCheckID: uniqueDCheckID,
	}
	s.results[key] = result
	return result
}

// RegisterEmpty registers the empty-IP marker result signalling that the
// rule finished (with or without hosts); the scheduler turns it into a
// rule-level status update on the next flush.
func (s *ResultStore) RegisterEmpty(druleid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerHostLocked(druleid, 0, "")
}

// ConsumeFailed consumes one failed synchronous check. When the address's
// counter reaches zero an empty result is registered so the host is still
// recorded as probed.
func (s *ResultStore) ConsumeFailed(druleid, uniqueDCheckID uint64, ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	remaining, found := s.decrementLocked(druleid, ip, 1)
	if found && remaining == 0 {
		s.registerHostLocked(druleid, uniqueDCheckID, ip)
	}
}

// AddService appends a single service observation for a synchronous check.
// Returns false when the rule's revision changed and the observation was
// dropped.
func (s *ResultStore) AddService(druleid, uniqueDCheckID uint64, ip, dns string, service *DService) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.decrementLocked(druleid, ip, 1); !found {
		return false
	}

	result := s.registerHostLocked(druleid, uniqueDCheckID, ip)
	if result.DNSName == "" && dns != "" {
		result.DNSName = dns
	}
	result.Services = append(result.Services, service)
	return true
}

// moveValueLocked merges src into the store's result for the same key.
func (s *ResultStore) moveValueLocked(src *Result) {
	dst := s.registerHostLocked(src.DRuleID, src.UniqueDCheckID, src.IP)
	if dst.DNSName == "" && src.DNSName != "" {
		dst.DNSName = src.DNSName
	}
	dst.Services = append(dst.Services, src.Services...)
	src.Services = nil
}

// MergePartial moves the partial results whose processed check count reached
// the task's per-IP share into the store, decrementing exactly the processed
// amount. With force set, partials are merged regardless of completeness —
// the async driver's final pass after a task ends or is interrupted.
// Results belonging to a changed revision fail to decrement and are dropped.
func (s *ResultStore) MergePartial(task *Task, partial map[string]*Result, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ip, src := range partial {
		if !force && src.ProcessedChecksPerIP != task.State.ChecksPerIP {
			continue
		}
		if _, found := s.decrementLocked(src.DRuleID, ip, src.ProcessedChecksPerIP); !found {
			delete(partial, ip) // revision changed, drop silently
			continue
		}
		s.moveValueLocked(src)
		delete(partial, ip)
	}
}

// MergeFullRange finishes a batch task: every address of the task's range is
// decremented by the task's per-IP share, remaining partials are merged, and
// addresses whose counter reached zero without any observation get an empty
// result so the host is recorded as probed-and-silent.
func (s *ResultStore) MergeFullRange(druleid uint64, task *Task, partial map[string]*Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it := iprange.NewIter(task.IPRanges)
	for addr, ok := it.Next(); ok; addr, ok = it.Next() {
		ip := addr.String()

		// Partials already moved by MergePartial are gone from the map, so
		// whatever remains has its full per-IP share outstanding.
		remaining, found := s.decrementLocked(druleid, ip, task.State.ChecksPerIP)
		if !found {
			delete(partial, ip) // revision changed
			continue
		}

		if src, have := partial[ip]; have {
			s.moveValueLocked(src)
			delete(partial, ip)
		} else if remaining == 0 {
			s.registerHostLocked(druleid, task.UniqueDCheckID, ip)
		}
	}
}

// RemoveRules drops every counter and result belonging to the listed rules
// (revision change or rule deletion).
func (s *ResultStore) RemoveRules(druleids []uint64) {
	if len(druleids) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[uint64]bool, len(druleids))
	for _, id := range druleids {
		drop[id] = true
	}
	for key := range s.counts {
		if drop[key.druleid] {
			delete(s.counts, key)
		}
	}
	for key := range s.results {
		if drop[key.druleid] {
			delete(s.results, key)
		}
	}
}

// TakeCompleted extracts results eligible for persistence: the rule is not
// being deleted, the (rule, ip) counter is absent or zero, and the running
// service total stays within batchCap. It returns the extracted results, the
// set of rules that still have results pending (used to defer re-expansion),
// and the number of service rows left behind by the cap.
func (s *ResultStore) TakeCompleted(delDruleids []uint64, batchCap int) (
	flush []*Result, incomplete map[uint64]struct{}, unsaved uint64) {

	drop := make(map[uint64]bool, len(delDruleids))
	for _, id := range delDruleids {
		drop[id] = true
	}

	incomplete = make(map[uint64]struct{})

	s.mu.Lock()
	defer s.mu.Unlock()

	// Counters of deleted rules go first so stale in-flight results cannot
	// decrement them anymore.
	for key := range s.counts {
		if drop[key.druleid] {
			delete(s.counts, key)
		}
	}

	var taken int
	for key, result := range s.results {
		if drop[key.druleid] {
			delete(s.results, key)
			continue
		}

		count, pending := s.counts[key]
		if taken >= batchCap || (pending && count != 0) {
			incomplete[key.druleid] = struct{}{}
			unsaved += uint64(len(result.Services))
			continue
		}

		if pending {
			delete(s.counts, key)
		}
		delete(s.results, key)
		taken += len(result.Services)
		flush = append(flush, result)
	}

	return flush, incomplete, unsaved
}

// PendingFor reports the outstanding check count of one (rule, ip) pair;
// used by tests and the stats surface.
func (s *ResultStore) PendingFor(druleid uint64, ip string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.counts[resultKey{druleid: druleid, ip: ip}]
	return count, ok
}
