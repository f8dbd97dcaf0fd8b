package sched_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/10088/haproxy/sched"
)

// handler adapts plain funcs to sched.Handler for tests.
type handler struct {
	step    func(*sched.Task) sched.Action
	release func(*sched.Task)
}

func (h *handler) Step(t *sched.Task) sched.Action {
	if h.step == nil {
		return sched.Park
	}
	return h.step(t)
}

func (h *handler) Release(t *sched.Task) {
	if h.release != nil {
		h.release(t)
	}
}

// start runs the loop in the background and returns a stop func that
// cancels it and waits for Run to return.
func start(t *testing.T, l *sched.Loop) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("loop returned error: %v", err)
		}
	}
}

// probe posts a closure and waits for it, proving the loop has gone
// around at least once since the call.
func probe(t *testing.T, l *sched.Loop) {
	t.Helper()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not service a posted closure")
	}
}

func TestPost_RunsInOrder(t *testing.T) {
	l := sched.New()
	stop := start(t, l)
	defer stop()

	var got []int
	for i := 1; i <= 3; i++ {
		l.Post(func() { got = append(got, i) })
	}
	probe(t, l)

	if diff := cmp.Diff([]int{1, 2, 3}, got); diff != "" {
		t.Errorf("posted closures ran out of order (-want +got):\n%s", diff)
	}
}

func TestWake_RunsStep(t *testing.T) {
	l := sched.New()
	stop := start(t, l)
	defer stop()

	stepped := make(chan struct{}, 1)
	h := &handler{step: func(*sched.Task) sched.Action {
		stepped <- struct{}{}
		return sched.Park
	}}

	task := l.NewTask(h, "test")
	task.Wake()

	select {
	case <-stepped:
	case <-time.After(5 * time.Second):
		t.Fatal("woken task never stepped")
	}
}

func TestWake_Coalesces(t *testing.T) {
	l := sched.New()

	ctx, cancel := context.WithCancel(t.Context())

	var steps int
	h := &handler{step: func(*sched.Task) sched.Action {
		steps++
		cancel()
		return sched.Park
	}}

	// All wakes land before the loop starts, so they must fold into a
	// single step. A duplicate queue entry would run within the same
	// cycle, before the cancellation is observed.
	task := l.NewTask(h, "test")
	task.Wake()
	task.Wake()
	task.Wake()

	if err := l.Run(ctx); err != nil {
		t.Fatalf("loop returned error: %v", err)
	}

	if steps != 1 {
		t.Errorf("task stepped %d times for coalesced wakes, want 1", steps)
	}
}

func TestAgain_Reschedules(t *testing.T) {
	l := sched.New()
	stop := start(t, l)
	defer stop()

	released := make(chan int, 1)
	var steps int
	h := &handler{
		step: func(*sched.Task) sched.Action {
			steps++
			if steps < 3 {
				return sched.Again
			}
			return sched.Exit
		},
		release: func(*sched.Task) { released <- steps },
	}

	l.NewTask(h, "test").Wake()

	select {
	case n := <-released:
		if n != 3 {
			t.Errorf("task released after %d steps, want 3", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task never released")
	}
}

func TestKill_ReleasesWithoutStepping(t *testing.T) {
	l := sched.New()
	stop := start(t, l)
	defer stop()

	released := make(chan struct{})
	h := &handler{
		step: func(*sched.Task) sched.Action {
			t.Error("killed task stepped")
			return sched.Exit
		},
		release: func(*sched.Task) { close(released) },
	}

	task := l.NewTask(h, "test")
	task.Kill()

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("killed task never released")
	}

	// Wakes after death must be ignored.
	task.Wake()
	probe(t, l)
}

func TestRun_ShutdownReleasesParkedTasks(t *testing.T) {
	l := sched.New()

	released := make(chan string, 2)
	for _, name := range []string{"one", "two"} {
		h := &handler{release: func(t *sched.Task) { released <- t.Name() }}
		l.NewTask(h, name)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("loop returned error: %v", err)
	}

	if got := len(released); got != 2 {
		t.Errorf("released %d tasks at shutdown, want 2", got)
	}
}

func TestStats(t *testing.T) {
	l := sched.New()
	stop := start(t, l)
	defer stop()

	h := &handler{}
	l.NewTask(h, "test").Wake()

	// Two probes: the second can only run in a later cycle, after the
	// first cycle's counters are committed.
	probe(t, l)
	probe(t, l)

	stats := l.Stats()
	if stats.Tasks != 1 {
		t.Errorf("stats.Tasks = %d, want 1", stats.Tasks)
	}
	if stats.Runs == 0 {
		t.Error("stats.Runs = 0 after dispatching work")
	}
	if stats.Posts == 0 {
		t.Error("stats.Posts = 0 after posting closures")
	}
}

func TestRate(t *testing.T) {
	var r sched.Rate

	r.Add(10)
	if got := r.PerSecond(); got == 0 {
		t.Errorf("rate = 0 right after recording 10 events")
	}
}
