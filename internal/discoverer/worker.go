package discoverer

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/netsweep/internal/drule"
	"github.com/HerbHall/netsweep/internal/timekeeper"
)

// Worker is one pool thread popping jobs and executing their tasks.
type Worker struct {
	id      int
	svc     *Service
	queue   *Queue
	keeper  *timekeeper.Keeper
	logger  *zap.Logger
	stop    atomic.Bool
	stopped chan struct{}
}

func newWorker(id int, svc *Service) *Worker {
	return &Worker{
		id:      id,
		svc:     svc,
		queue:   svc.queue,
		keeper:  svc.keeper,
		logger:  svc.logger.With(zap.Int("worker", id)),
		stopped: make(chan struct{}),
	}
}

// taskIsSNMPv3 reports whether the task would execute SNMPv3 probes; at most
// one such task may run at a time.
func taskIsSNMPv3(task *Task) bool {
	for _, check := range task.Checks {
		if check.Type == drule.CheckSNMPv3 {
			return true
		}
	}
	return false
}

// run is the worker loop. The queue lock is held everywhere except while
// waiting and while a checker executes.
func (w *Worker) run(ctx context.Context) {
	defer close(w.stopped)

	w.logger.Info("worker started")

	q := w.queue
	q.Lock()
	q.RegisterWorker()

	for !w.stop.Load() {
		job := q.Pop()
		if job == nil {
			q.Wait(time.Second)
			continue
		}

		task := job.PopTask()
		if task == nil {
			if job.WorkersUsed == 0 {
				// Rule finished with no tasks in flight: register the
				// empty-IP marker so the scheduler updates the rule row.
				w.svc.results.RegisterEmpty(job.DRuleID)
				w.svc.removeJobLocked(job)
			} else {
				job.Status = JobRemoving
			}
			continue
		}

		// SNMPv3 single-flight: hand the task back and wait for the token.
		if taskIsSNMPv3(task) {
			if q.SNMPv3AllowedWorkers == 0 {
				job.Tasks = append([]*Task{task}, job.Tasks...)
				q.Push(job)
				q.Wait(time.Second)
				continue
			}
			q.SNMPv3AllowedWorkers--
		}

		if task.Kind == TaskSync {
			q.PendingChecks--
		} else {
			q.PendingChecks -= task.CheckCount()
		}

		job.WorkersUsed++
		if job.WorkersMax == 0 || job.WorkersUsed != job.WorkersMax {
			q.Push(job)
			q.Notify()
		} else {
			job.Status = JobWaiting
		}

		druleid := job.DRuleID
		workerMax := job.WorkersMax
		q.Unlock()

		w.keeper.Update(w.id-1, timekeeper.Busy)
		err := w.svc.dispatch(ctx, druleid, task, workerMax, &w.stop)
		w.keeper.Update(w.id-1, timekeeper.Idle)

		if err != nil {
			w.logger.Debug("discovery rule task failed",
				zap.Uint64("druleid", druleid), zap.Error(err))
		}

		q.Lock()
		job.WorkersUsed--

		if err != nil {
			job.Abort(q, err.Error())
		}

		if taskIsSNMPv3(task) {
			q.SNMPv3AllowedWorkers++
			q.Notify()
		}

		switch {
		case job.Status == JobWaiting:
			job.Status = JobQueued
			q.Push(job)
			q.Notify()
		case job.Status == JobRemoving && job.WorkersUsed == 0:
			w.svc.results.RegisterEmpty(job.DRuleID)
			w.svc.removeJobLocked(job)
		}
	}

	q.DeregisterWorker()
	q.Unlock()

	w.logger.Info("worker stopped")
}

// requestStop flags the worker to exit after its current task.
func (w *Worker) requestStop() {
	w.stop.Store(true)
}

// join waits for the worker loop to return.
func (w *Worker) join() {
	<-w.stopped
}
