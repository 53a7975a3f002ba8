// Package scheduler provides the deferred-job collaborator consumed by
// the firmware update machinery: a minimal interface over "run this
// function after a delay", with a real-time implementation and a manually
// stepped one for deterministic tests.
package scheduler

import (
	"sync"
	"time"
)

// Job is a handle to a scheduled function.
type Job interface {
	// Cancel prevents the job from running. It reports whether the job
	// was still pending.
	Cancel() bool
}

// Scheduler defers function execution. Callbacks run without any lock
// held; they are responsible for re-entering the library through its
// public API if they need to.
type Scheduler interface {
	// Schedule runs fn after the given delay.
	Schedule(delay time.Duration, fn func()) Job

	// Stop cancels every pending job and waits for running callbacks to
	// finish.
	Stop()
}

// Realtime is the wall-clock Scheduler implementation.
type Realtime struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	jobs    map[*realtimeJob]struct{}
	stopped bool
}

// NewRealtime creates a running Realtime scheduler.
func NewRealtime() *Realtime {
	return &Realtime{jobs: make(map[*realtimeJob]struct{})}
}

type realtimeJob struct {
	s     *Realtime
	timer *time.Timer
	done  bool
}

// Schedule implements Scheduler.
func (s *Realtime) Schedule(delay time.Duration, fn func()) Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &realtimeJob{s: s}
	if s.stopped {
		job.done = true
		return job
	}
	s.wg.Add(1)
	job.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		if job.done || s.stopped {
			s.mu.Unlock()
			return
		}
		job.done = true
		delete(s.jobs, job)
		s.mu.Unlock()
		fn()
	})
	s.jobs[job] = struct{}{}
	return job
}

// Cancel implements Job.
func (j *realtimeJob) Cancel() bool {
	j.s.mu.Lock()
	defer j.s.mu.Unlock()
	if j.done {
		return false
	}
	j.done = true
	delete(j.s.jobs, j)
	if j.timer.Stop() {
		j.s.wg.Done()
	}
	return true
}

// Stop implements Scheduler.
func (s *Realtime) Stop() {
	s.mu.Lock()
	s.stopped = true
	for job := range s.jobs {
		job.done = true
		if job.timer.Stop() {
			s.wg.Done()
		}
		delete(s.jobs, job)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Manual is a Scheduler driven by explicit clock advancement, for tests.
// Jobs run synchronously on the goroutine calling Advance or RunPending.
type Manual struct {
	now  time.Duration
	next int
	jobs []*manualJob
}

// NewManual creates a Manual scheduler at time zero.
func NewManual() *Manual { return &Manual{} }

type manualJob struct {
	s    *Manual
	due  time.Duration
	seq  int
	fn   func()
	done bool
}

// Schedule implements Scheduler.
func (s *Manual) Schedule(delay time.Duration, fn func()) Job {
	job := &manualJob{s: s, due: s.now + delay, seq: s.next, fn: fn}
	s.next++
	s.jobs = append(s.jobs, job)
	return job
}

// Cancel implements Job.
func (j *manualJob) Cancel() bool {
	if j.done {
		return false
	}
	j.done = true
	return true
}

// Stop implements Scheduler.
func (s *Manual) Stop() {
	for _, job := range s.jobs {
		job.done = true
	}
	s.jobs = nil
}

// Advance moves the clock forward and runs every job that becomes due,
// in (due time, schedule order) sequence. Jobs scheduled by running jobs
// are picked up within the same call if they fall due.
func (s *Manual) Advance(d time.Duration) {
	s.now += d
	s.RunPending()
}

// RunPending runs every job due at the current time.
func (s *Manual) RunPending() {
	for {
		job := s.popDue()
		if job == nil {
			return
		}
		job.fn()
	}
}

// Pending reports the number of jobs not yet run or cancelled.
func (s *Manual) Pending() int {
	n := 0
	for _, job := range s.jobs {
		if !job.done {
			n++
		}
	}
	return n
}

func (s *Manual) popDue() *manualJob {
	var best *manualJob
	for _, job := range s.jobs {
		if job.done || job.due > s.now {
			continue
		}
		if best == nil || job.due < best.due || (job.due == best.due && job.seq < best.seq) {
			best = job
		}
	}
	if best != nil {
		best.done = true
	}
	return best
}

var (
	_ Scheduler = (*Realtime)(nil)
	_ Scheduler = (*Manual)(nil)
)
