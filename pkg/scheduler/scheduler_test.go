package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/transport/v3/test"
)

func TestRealtimeRunsJobs(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	s := NewRealtime()
	defer s.Stop()

	var mu sync.Mutex
	ran := false
	done := make(chan struct{})
	s.Schedule(time.Millisecond, func() {
		mu.Lock()
		ran = true
		mu.Unlock()
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	if !ran {
		t.Fatal("job flag not set")
	}
}

func TestRealtimeCancel(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	s := NewRealtime()
	defer s.Stop()

	job := s.Schedule(time.Hour, func() {
		t.Error("cancelled job ran")
	})
	if !job.Cancel() {
		t.Fatal("Cancel() = false for a pending job")
	}
	if job.Cancel() {
		t.Fatal("second Cancel() = true")
	}
}

func TestRealtimeStopCancelsPending(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	s := NewRealtime()
	s.Schedule(time.Hour, func() {
		t.Error("job ran after Stop")
	})
	s.Stop()

	if job := s.Schedule(time.Millisecond, func() {
		t.Error("job scheduled after Stop ran")
	}); job.Cancel() {
		t.Error("job scheduled after Stop was pending")
	}
	time.Sleep(10 * time.Millisecond)
}

func TestManualOrdering(t *testing.T) {
	s := NewManual()

	var order []int
	s.Schedule(20*time.Millisecond, func() { order = append(order, 2) })
	s.Schedule(10*time.Millisecond, func() { order = append(order, 1) })
	s.Schedule(10*time.Millisecond, func() { order = append(order, 10) })

	s.Advance(5 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("jobs ran early: %v", order)
	}

	s.Advance(15 * time.Millisecond)
	want := []int{1, 10, 2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestManualChainedJobs(t *testing.T) {
	s := NewManual()

	var ran []string
	s.Schedule(0, func() {
		ran = append(ran, "first")
		s.Schedule(0, func() {
			ran = append(ran, "second")
		})
	})

	s.RunPending()
	if len(ran) != 2 || ran[0] != "first" || ran[1] != "second" {
		t.Fatalf("ran = %v, want chained jobs within one RunPending", ran)
	}
}

func TestManualCancel(t *testing.T) {
	s := NewManual()
	job := s.Schedule(0, func() { t.Error("cancelled job ran") })
	if !job.Cancel() {
		t.Fatal("Cancel() = false")
	}
	s.RunPending()
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}
