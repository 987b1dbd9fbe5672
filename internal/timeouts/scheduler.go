package timeouts

import (
	"context"
	"sync"
	"time"
)

// JobLevel is the worker id used for the job-wide timer of a job.
const JobLevel = ""

// Key identifies a timer. WorkerID is JobLevel for the job-wide timer.
type Key struct {
	JobID    string
	WorkerID string
}

// Callback runs when a timer fires. ctx is cancelled on Shutdown.
type Callback func(ctx context.Context)

type entry struct {
	gen   uint64
	timer *time.Timer
}

// Scheduler is a registry of one-shot timers keyed by (job, worker).
// A timer fires at most once, and never after it has been cancelled,
// replaced or the scheduler has been shut down.
type Scheduler struct {
	mu     sync.Mutex
	byJob  map[string]map[string]*entry
	gen    uint64
	closed bool

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// OnChange, when set, receives the number of armed timers after every change.
	OnChange func(armed int)
}

func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{byJob: make(map[string]map[string]*entry), ctx: ctx, cancel: cancel}
}

// Schedule arms fn to run after d. An existing timer for the same key is
// cancelled first. Schedule on a closed scheduler is a no-op.
func (s *Scheduler) Schedule(key Key, d time.Duration, fn Callback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stopLocked(key)

	s.gen++
	e := &entry{gen: s.gen}
	gen := e.gen
	e.timer = time.AfterFunc(d, func() { s.fire(key, gen, fn) })

	workers, ok := s.byJob[key.JobID]
	if !ok {
		workers = make(map[string]*entry)
		s.byJob[key.JobID] = workers
	}
	workers[key.WorkerID] = e
	s.notifyLocked()
}

func (s *Scheduler) fire(key Key, gen uint64, fn Callback) {
	s.mu.Lock()
	e := s.lookupLocked(key)
	if s.closed || e == nil || e.gen != gen {
		// cancelled or replaced while the runtime timer was already firing
		s.mu.Unlock()
		return
	}
	s.removeLocked(key)
	s.inflight.Add(1)
	s.notifyLocked()
	s.mu.Unlock()

	defer s.inflight.Done()
	fn(s.ctx)
}

// Cancel stops the timer for key. Cancelling an unknown or already fired
// key is a no-op.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.stopLocked(key)
	if ok {
		s.notifyLocked()
	}
	return ok
}

// CancelJob stops the job-level timer and every worker timer of jobID and
// returns how many were stopped.
func (s *Scheduler) CancelJob(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	workers := s.byJob[jobID]
	n := 0
	for _, e := range workers {
		e.timer.Stop()
		n++
	}
	delete(s.byJob, jobID)
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

// Armed reports whether a timer is registered for key.
func (s *Scheduler) Armed(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(key) != nil
}

// ArmedForJob returns the number of timers registered for jobID.
func (s *Scheduler) ArmedForJob(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byJob[jobID])
}

func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lenLocked()
}

// Shutdown stops every timer without running callbacks, cancels the context
// handed to running callbacks and waits for them to return.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, workers := range s.byJob {
		for _, e := range workers {
			e.timer.Stop()
		}
	}
	s.byJob = make(map[string]map[string]*entry)
	s.notifyLocked()
	s.mu.Unlock()

	s.cancel()
	s.inflight.Wait()
}

func (s *Scheduler) lookupLocked(key Key) *entry {
	if workers, ok := s.byJob[key.JobID]; ok {
		return workers[key.WorkerID]
	}
	return nil
}

func (s *Scheduler) stopLocked(key Key) bool {
	e := s.lookupLocked(key)
	if e == nil {
		return false
	}
	e.timer.Stop()
	s.removeLocked(key)
	return true
}

func (s *Scheduler) removeLocked(key Key) {
	workers := s.byJob[key.JobID]
	delete(workers, key.WorkerID)
	if len(workers) == 0 {
		delete(s.byJob, key.JobID)
	}
}

func (s *Scheduler) lenLocked() int {
	n := 0
	for _, workers := range s.byJob {
		n += len(workers)
	}
	return n
}

func (s *Scheduler) notifyLocked() {
	if s.OnChange != nil {
		s.OnChange(s.lenLocked())
	}
}
