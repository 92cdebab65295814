package discoverer

import (
	"net/netip"

	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/iprange"
)

// JobTasksInProgressMax is the batch chunk size used by the ICMP and async
// drivers when a job places no parallelism limit on its workers.
const JobTasksInProgressMax = 100

// JobStatus tracks a job through its queue lifecycle.
type JobStatus int

const (
	// JobQueued: the job is on the queue (or about to be re-pushed).
	JobQueued JobStatus = iota
	// JobWaiting: the job reached its worker limit; the finishing worker
	// re-queues it.
	JobWaiting
	// JobRemoving: the job's task list drained; the last worker out
	// finalises it.
	JobRemoving
)

// TaskKind selects the checker that executes a task.
type TaskKind int

const (
	// TaskSync is one synchronous (ip, port, check) probe.
	TaskSync TaskKind = iota
	// TaskICMP batches all ICMP checks of the rule over the whole range.
	TaskICMP
	// TaskAsync batch-drives one TCP-family/SNMP/agent check over the whole
	// range.
	TaskAsync
)

// TaskState pins the iteration position of a synchronous task and carries
// the per-IP check share of batch tasks.
type TaskState struct {
	IP   netip.Addr
	Port int

	// ChecksPerIP is the number of checks this task contributes per address:
	// 1 for sync tasks, the ICMP check count for ICMP tasks, the port count
	// for async tasks.
	ChecksPerIP uint64
}

// Task is one scheduler-expanded unit of work inside a job.
type Task struct {
	Kind           TaskKind
	IPRanges       iprange.List
	State          TaskState
	Checks         []*drule.Check
	UniqueDCheckID uint64
}

// CheckCount returns the number of outstanding checks the task represents.
func (t *Task) CheckCount() uint64 {
	if t.Kind == TaskSync {
		return 1
	}
	return t.State.ChecksPerIP * t.IPRanges.Volume()
}

// Job is a scheduler-materialised rule instance being processed.
type Job struct {
	DRuleID       uint64
	DRuleRevision uint64
	Tasks         []*Task
	WorkersMax    int
	WorkersUsed   int
	Status        JobStatus

	// ChecksCommon and IPRanges are owned by the job; tasks borrow views of
	// them.
	ChecksCommon []*drule.Check
	IPRanges     iprange.List
}

// PopTask removes and returns the next task, or nil when the list drained.
func (j *Job) PopTask() *Task {
	if len(j.Tasks) == 0 {
		return nil
	}
	task := j.Tasks[0]
	j.Tasks = j.Tasks[1:]
	return task
}

// FreeTasks drops all remaining tasks and returns the number of pending
// checks they represented, so the caller can adjust the queue counter.
func (j *Job) FreeTasks() uint64 {
	var count uint64
	for _, t := range j.Tasks {
		count += t.CheckCount()
	}
	j.Tasks = nil
	return count
}

// Abort drains the job after a task/batch failure: remaining tasks are
// freed, the pending counter adjusted and the error posted on the sideband.
// Caller must hold the queue lock.
func (j *Job) Abort(q *Queue, errText string) {
	q.PendingChecks -= j.FreeTasks()
	q.AppendError(j.DRuleID, errText)
}
