package discoverer

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/HerbHall/netsweep/internal/discovery"
	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/ipc"
	"github.com/HerbHall/netsweep/internal/testutil"
)

// memStore is an in-memory discovery.Store recording every persistence call.
type memStore struct {
	mu       sync.Mutex
	nextID   uint64
	hosts    map[string]uint64 // "druleid/ip" -> dhostid
	services []serviceCall
	updates  []hostCall
	drules   []druleCall
}

type serviceCall struct {
	druleid uint64
	ip      string
	port    int
	status  int
}

type hostCall struct {
	druleid uint64
	ip      string
	status  int
}

type druleCall struct {
	druleid uint64
	err     string
}

func newMemStore() *memStore {
	return &memStore{hosts: make(map[string]uint64)}
}

func (m *memStore) Open(context.Context) (discovery.Handle, error) {
	return &memHandle{store: m}, nil
}

type memHandle struct {
	store *memStore
}

func (h *memHandle) UpdateService(druleid, dcheckid, uniqueDCheckID uint64, dhost *discovery.DHost,
	ip, dns string, port, status int, value string, now time.Time, dserviceids *[]uint64) error {

	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%d/%s", druleid, ip)
	id, ok := m.hosts[key]
	if !ok {
		m.nextID++
		id = m.nextID
		m.hosts[key] = id
	}
	dhost.DHostID = id
	dhost.DRuleID = druleid
	dhost.IP = ip

	m.services = append(m.services, serviceCall{druleid: druleid, ip: ip, port: port, status: status})
	*dserviceids = append(*dserviceids, uint64(len(m.services)))
	return nil
}

func (h *memHandle) UpdateServiceDown(uint64, time.Time, []uint64) error { return nil }

func (h *memHandle) UpdateHost(druleid uint64, dhost *discovery.DHost, ip, dns string, status int, now time.Time) error {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, hostCall{druleid: druleid, ip: ip, status: status})
	return nil
}

func (h *memHandle) UpdateDRule(druleid uint64, errText string, now time.Time) error {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drules = append(m.drules, druleCall{druleid: druleid, err: errText})
	return nil
}

func (h *memHandle) FindHost(druleid uint64, ip string) (*discovery.DHost, error) {
	m := h.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.hosts[fmt.Sprintf("%d/%s", druleid, ip)]; ok {
		return &discovery.DHost{DHostID: id, DRuleID: druleid, IP: ip}, nil
	}
	return nil, discovery.ErrNotFound
}

func (h *memHandle) Close() error { return nil }

func newTestService(t *testing.T, cfg Config, rules drule.Source, store discovery.Store) *Service {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.QueueMaxSize == 0 {
		cfg.QueueMaxSize = 1000
	}
	cfg.TimeoutFor = func(drule.TimeoutClass) (time.Duration, error) { return time.Second, nil }

	svc, err := New(cfg, rules, store, testutil.Logger())
	require.NoError(t, err)
	t.Cleanup(svc.Stop)
	return svc
}

// waitJobsDone polls until no jobs remain in flight.
func waitJobsDone(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		svc.queue.Lock()
		left := len(svc.jobRefs)
		svc.queue.Unlock()
		if left == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("jobs never drained")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSingleIPSingleTCPCheck(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 1,
		Name:    "R1",
		Delay:   "60",
		IPRange: "127.0.0.1",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: strconv.Itoa(port)},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{}, rules, store)

	svc.processDiscovery(time.Now())

	svc.queue.Lock()
	if len(svc.jobRefs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(svc.jobRefs))
	}
	svc.queue.Unlock()

	waitJobsDone(t, svc)

	// All pending checks consumed.
	svc.queue.Lock()
	if svc.queue.PendingChecks != 0 {
		t.Errorf("pending checks = %d, want 0", svc.queue.PendingChecks)
	}
	svc.queue.Unlock()

	svc.processResults(context.Background(), nil)

	store.mu.Lock()
	defer store.mu.Unlock()

	if len(store.services) != 1 {
		t.Fatalf("service calls = %+v, want one", store.services)
	}
	sc := store.services[0]
	if sc.druleid != 1 || sc.ip != "127.0.0.1" || sc.port != port || sc.status != discovery.StatusUp {
		t.Errorf("service call = %+v", sc)
	}

	if len(store.updates) != 1 || store.updates[0].status != discovery.StatusUp {
		t.Errorf("host updates = %+v", store.updates)
	}

	// The completed job also produced the rule-level marker with no error.
	if len(store.drules) != 1 || store.drules[0].err != "" {
		t.Errorf("drule updates = %+v", store.drules)
	}
}

func TestClosedPortYieldsEmptyResult(t *testing.T) {
	// Grab a port and close it so the connect is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 2,
		Name:    "closed",
		Delay:   "60",
		IPRange: "127.0.0.1",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: strconv.Itoa(port)},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{}, rules, store)

	svc.processDiscovery(time.Now())
	waitJobsDone(t, svc)
	svc.processResults(context.Background(), nil)

	store.mu.Lock()
	defer store.mu.Unlock()

	if len(store.services) != 0 {
		t.Errorf("service calls for a closed port: %+v", store.services)
	}
	// The host was probed and recorded down-with-no-services, so no service
	// rows are written; the rule marker reaches persistence once.
	if len(store.drules) != 1 {
		t.Errorf("drule updates = %+v", store.drules)
	}
}

func TestQueueSaturation(t *testing.T) {
	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 3,
		Name:    "big",
		Delay:   "60",
		IPRange: "10.0.0.1-10.0.0.150",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: "22"},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{QueueMaxSize: 100}, rules, store)

	svc.processDiscovery(time.Now())

	// The expansion must stay uncommitted: no job, no counts.
	svc.queue.Lock()
	if len(svc.jobRefs) != 0 {
		t.Error("saturated rule still produced a job")
	}
	if svc.queue.PendingChecks != 0 {
		t.Errorf("pending checks = %d, want 0", svc.queue.PendingChecks)
	}
	svc.queue.Unlock()

	svc.processResults(context.Background(), nil)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.drules) != 1 || store.drules[0].err != "discoverer queue is full, skipping discovery rule" {
		t.Fatalf("drule updates = %+v", store.drules)
	}
}

func TestInvalidDelayRecordsRuleError(t *testing.T) {
	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 4,
		Name:    "bad delay",
		Delay:   "{$UNRESOLVED}",
		IPRange: "10.0.0.1",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: "22"},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{}, rules, store)

	svc.processDiscovery(time.Now())
	svc.processResults(context.Background(), nil)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.drules) != 1 || store.drules[0].err == "" {
		t.Fatalf("drule updates = %+v, want one with error text", store.drules)
	}
}

func TestRevisionChangeDrainsJob(t *testing.T) {
	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 5,
		Name:    "r",
		Delay:   "60",
		IPRange: "10.0.0.1",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: "22"},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{}, rules, store)

	// Plant a job carrying a stale revision with undrained tasks.
	job := &Job{
		DRuleID:       5,
		DRuleRevision: 9999,
		Tasks: []*Task{
			{Kind: TaskAsync, IPRanges: mustRanges(t, "10.0.0.1"), State: TaskState{ChecksPerIP: 1}},
		},
	}
	svc.queue.Lock()
	svc.queue.PendingChecks = 1
	svc.jobRefs[5] = job
	svc.queue.Unlock()

	del := svc.syncRuleRevisions()

	if len(del) != 1 || del[0] != 5 {
		t.Fatalf("del druleids = %v, want [5]", del)
	}

	svc.queue.Lock()
	if svc.queue.PendingChecks != 0 {
		t.Errorf("pending checks = %d, want 0 after drain", svc.queue.PendingChecks)
	}
	svc.queue.Unlock()
	if len(job.Tasks) != 0 {
		t.Error("job tasks survived the revision change")
	}
}

// fakeChecker records concurrent executions for the SNMPv3 gate test.
type fakeChecker struct {
	running atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
}

func (f *fakeChecker) Check(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
	n := f.running.Add(1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	f.running.Add(-1)
	f.calls.Add(1)
	return nil
}

func TestSNMPv3SingleFlight(t *testing.T) {
	rules := drule.NewRegistry()
	store := newMemStore()
	svc := newTestService(t, Config{Workers: 4}, rules, store)

	fake := &fakeChecker{}
	svc.checkAsync = fake

	snmpCheck := &drule.Check{DCheckID: 10, Type: drule.CheckSNMPv3, Ports: "161"}
	ranges := mustRanges(t, "10.0.0.1")

	var tasks []*Task
	for i := 0; i < 4; i++ {
		tasks = append(tasks, &Task{
			Kind:     TaskAsync,
			IPRanges: ranges,
			State:    TaskState{ChecksPerIP: 1},
			Checks:   []*drule.Check{snmpCheck},
		})
	}
	job := &Job{DRuleID: 6, Tasks: tasks}

	svc.queue.Lock()
	svc.queue.PendingChecks = 4
	svc.jobRefs[6] = job
	svc.queue.Push(job)
	svc.queue.NotifyAll()
	svc.queue.Unlock()

	waitJobsDone(t, svc)

	if got := fake.calls.Load(); got != 4 {
		t.Fatalf("executed %d snmpv3 tasks, want 4", got)
	}
	if max := fake.maxSeen.Load(); max != 1 {
		t.Errorf("max concurrent snmpv3 tasks = %d, want 1", max)
	}
}

func TestWorkerLimitHonored(t *testing.T) {
	rules := drule.NewRegistry()
	store := newMemStore()
	svc := newTestService(t, Config{Workers: 4}, rules, store)

	fake := &fakeChecker{}
	svc.checkAsync = fake

	check := &drule.Check{DCheckID: 10, Type: drule.CheckTCP, Ports: "22"}
	ranges := mustRanges(t, "10.0.0.1")

	var tasks []*Task
	for i := 0; i < 6; i++ {
		tasks = append(tasks, &Task{
			Kind:     TaskAsync,
			IPRanges: ranges,
			State:    TaskState{ChecksPerIP: 1},
			Checks:   []*drule.Check{check},
		})
	}
	job := &Job{DRuleID: 7, Tasks: tasks, WorkersMax: 2}

	svc.queue.Lock()
	svc.queue.PendingChecks = 6
	svc.jobRefs[7] = job
	svc.queue.Push(job)
	svc.queue.NotifyAll()
	svc.queue.Unlock()

	waitJobsDone(t, svc)

	if got := fake.calls.Load(); got != 6 {
		t.Fatalf("executed %d tasks, want 6", got)
	}
	if max := fake.maxSeen.Load(); max > 2 {
		t.Errorf("max concurrent workers on job = %d, want <= 2", max)
	}
}

func TestServeIPC(t *testing.T) {
	rules := drule.NewRegistry()
	store := newMemStore()
	socket := filepath.Join(t.TempDir(), "discoverer.sock")
	svc := newTestService(t, Config{SocketPath: socket}, rules, store)

	svc.queue.Lock()
	svc.queue.PendingChecks = 42
	svc.queue.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for {
			stop, err := svc.serveIPC(context.Background(), 200*time.Millisecond)
			if err != nil || stop {
				return
			}
		}
	}()

	conn, err := ipc.Dial(socket, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(IPCQueue, nil))
	reply, err := conn.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, IPCQueue, reply.Code)
	if got := ipc.NewReader(reply.Data).Uint64(); got != 42 {
		t.Errorf("queue depth = %d, want 42", got)
	}

	require.NoError(t, conn.Send(IPCUsageStats, nil))
	reply, err = conn.Recv(2 * time.Second)
	require.NoError(t, err)
	r := ipc.NewReader(reply.Data)
	workers := r.Uint16()
	if workers != 2 {
		t.Fatalf("worker_num = %d, want 2", workers)
	}
	for i := 0; i < int(workers); i++ {
		if u := r.Float64(); u < 0 || u > 1 {
			t.Errorf("usage[%d] = %f out of range", i, u)
		}
	}
	require.NoError(t, r.Err())

	require.NoError(t, conn.Send(IPCShutdown, nil))
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("SHUTDOWN did not stop the ipc loop")
	}
}

func TestRoundTripPendingChecks(t *testing.T) {
	// N IPs x M checks schedules exactly N*M outstanding checks.
	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 8,
		Name:    "grid",
		Delay:   "60",
		IPRange: "10.0.0.1-10.0.0.5",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckTCP, Ports: "22"},
			{DCheckID: 11, Type: drule.CheckTCP, Ports: "80"},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{Workers: 1}, rules, store)

	// Replace the async checker with one that blocks until released, and
	// park the single worker on a dummy job so the scheduled queue state
	// stays observable.
	release := make(chan struct{})
	svc.checkAsync = checkerFunc(func(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
		<-release
		real := &asyncChecker{
			store:   svc.results,
			prober:  newProber(""),
			resolve: func(context.Context, string) string { return "" },
			logger:  testutil.Logger(),
		}
		return real.Check(ctx, druleid, task, workerMax, stop)
	})

	dummy := &Job{
		DRuleID: 999,
		Tasks: []*Task{{
			Kind:     TaskAsync,
			IPRanges: mustRanges(t, "127.0.0.1"),
			State:    TaskState{ChecksPerIP: 1},
			Checks:   []*drule.Check{{DCheckID: 99, Type: drule.CheckTCP, Ports: "9", Timeout: 100 * time.Millisecond}},
		}},
	}
	svc.queue.Lock()
	svc.queue.PendingChecks = 1
	svc.jobRefs[999] = dummy
	svc.queue.Push(dummy)
	svc.queue.NotifyAll()
	svc.queue.Unlock()

	// Wait for the worker to lease the dummy task.
	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.queue.Lock()
		leased := len(dummy.Tasks) == 0
		svc.queue.Unlock()
		if leased {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never leased the dummy task")
		}
		time.Sleep(10 * time.Millisecond)
	}

	svc.processDiscovery(time.Now())

	svc.queue.Lock()
	pending := svc.queue.PendingChecks
	svc.queue.Unlock()
	if pending != 10 {
		t.Errorf("pending checks = %d, want 5 IPs x 2 checks = 10", pending)
	}

	close(release)
	waitJobsDone(t, svc)

	svc.queue.Lock()
	if svc.queue.PendingChecks != 0 {
		t.Errorf("pending checks = %d, want 0 after completion", svc.queue.PendingChecks)
	}
	svc.queue.Unlock()
}

func TestICMPRangeScenario(t *testing.T) {
	rules := drule.NewRegistry()
	rules.Upsert(&drule.Rule{
		DRuleID: 9,
		Name:    "ping sweep",
		Delay:   "60",
		IPRange: "10.0.0.1-10.0.0.4",
		Checks: []*drule.Check{
			{DCheckID: 10, Type: drule.CheckICMP},
		},
	})

	store := newMemStore()
	svc := newTestService(t, Config{}, rules, store)

	// Stand in for the ping driver: hosts .1 and .3 respond.
	svc.checkICMP = checkerFunc(func(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
		partial := map[string]*Result{
			"10.0.0.1": {DRuleID: druleid, IP: "10.0.0.1", ProcessedChecksPerIP: 1,
				Services: []*DService{{DCheckID: 10, Status: discovery.StatusUp}}},
			"10.0.0.3": {DRuleID: druleid, IP: "10.0.0.3", ProcessedChecksPerIP: 1,
				Services: []*DService{{DCheckID: 10, Status: discovery.StatusUp}}},
		}
		svc.results.MergeFullRange(druleid, task, partial)
		return nil
	})

	svc.processDiscovery(time.Now())
	waitJobsDone(t, svc)

	svc.queue.Lock()
	if svc.queue.PendingChecks != 0 {
		t.Errorf("pending checks = %d, want 0", svc.queue.PendingChecks)
	}
	svc.queue.Unlock()

	svc.processResults(context.Background(), nil)

	store.mu.Lock()
	defer store.mu.Unlock()

	// 2 responders produce services; all 4 addresses produce a host update.
	if len(store.services) != 2 {
		t.Errorf("service calls = %+v, want 2", store.services)
	}
	if len(store.updates) != 4 {
		t.Errorf("host updates = %d, want 4 (one per address)", len(store.updates))
	}
	var up, down int
	for _, hc := range store.updates {
		if hc.status == discovery.StatusUp {
			up++
		} else {
			down++
		}
	}
	if up != 2 || down != 2 {
		t.Errorf("host statuses = %d up / %d down, want 2/2", up, down)
	}
}

// checkerFunc adapts a function to the Checker interface.
type checkerFunc func(context.Context, uint64, *Task, int, *atomic.Bool) error

func (f checkerFunc) Check(ctx context.Context, druleid uint64, task *Task, workerMax int, stop *atomic.Bool) error {
	return f(ctx, druleid, task, workerMax, stop)
}
