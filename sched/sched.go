package sched

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Action tells the loop what to do with a task after a step.
type Action int

const (
	// Park leaves the task idle until something wakes it.
	Park Action = iota
	// Again reschedules the task for the next cycle.
	Again
	// Exit releases the task.
	Exit
)

// Handler is the work attached to a task. Step and Release are only ever
// called from the loop goroutine, so handler state needs no locking as
// long as outside goroutines reach it through [Loop.Post] or [Task.Wake].
type Handler interface {
	// Step runs one cooperative slice of work and reports what to do
	// next. It must not block.
	Step(t *Task) Action

	// Release frees the handler's resources. It is called exactly once,
	// after Exit, Kill, or loop shutdown.
	Release(t *Task)
}

// Task is a schedulable unit bound to one loop.
type Task struct {
	loop *Loop
	h    Handler
	name string

	queued   atomic.Bool
	dead     atomic.Bool
	released bool // loop goroutine only
	calls    atomic.Uint64
}

// Name returns the name given at creation, for logs.
func (t *Task) Name() string { return t.name }

// Calls returns how many times Step has run.
func (t *Task) Calls() uint64 { return t.calls.Load() }

// Wake queues the task for a step. Safe from any goroutine; concurrent
// wakes before the task runs coalesce into a single step.
func (t *Task) Wake() {
	if t.dead.Load() {
		return
	}
	if !t.queued.CompareAndSwap(false, true) {
		return
	}
	t.loop.enqueue(t)
}

// Kill marks the task dead. The loop releases it on its next pass
// without running another step.
func (t *Task) Kill() {
	if t.dead.Swap(true) {
		return
	}
	t.queued.Store(true)
	t.loop.enqueue(t)
}

// defaultBudget bounds how many task steps run per cycle before posted
// closures and fresh wakes are looked at again.
const defaultBudget = 200

// Loop is a cooperative scheduler driven by a single goroutine. All task
// steps, release hooks and posted closures execute on that goroutine, so
// state shared only among them needs no synchronization.
type Loop struct {
	logger *slog.Logger
	budget int

	mu    sync.Mutex
	postq []func()
	wakeq []*Task
	tasks map[*Task]struct{}
	posts uint64
	runs  uint64

	runq []*Task // loop goroutine only
	rate Rate
	kick chan struct{}
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for scheduler events.
// Default is slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = log
	}
}

// WithBudget sets how many task steps may run per cycle before the loop
// services posted closures again.
func WithBudget(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.budget = n
		}
	}
}

// New returns a stopped loop. Run starts it.
func New(opts ...Option) *Loop {
	l := &Loop{
		logger: slog.Default(),
		budget: defaultBudget,
		tasks:  make(map[*Task]struct{}),
		kick:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}

	return l
}

// NewTask registers a parked task for h. Wake it to run its first step.
func (l *Loop) NewTask(h Handler, name string) *Task {
	t := &Task{loop: l, h: h, name: name}

	l.mu.Lock()
	l.tasks[t] = struct{}{}
	l.mu.Unlock()

	return t
}

// Post schedules fn to run on the loop goroutine. Safe from any
// goroutine. Closures run in posting order, before task steps.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.postq = append(l.postq, fn)
	l.posts++
	l.mu.Unlock()

	l.nudge()
}

func (l *Loop) enqueue(t *Task) {
	l.mu.Lock()
	l.wakeq = append(l.wakeq, t)
	l.mu.Unlock()

	l.nudge()
}

func (l *Loop) nudge() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

// Run drives the loop until ctx is canceled, then releases every live
// task and returns. Pending posted closures run before the release pass
// so in-flight handoffs are not dropped.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Debug("scheduler started")

	for {
		if ctx.Err() != nil {
			l.drainPosts()
			l.releaseAll()
			l.logger.Debug("scheduler stopped")
			return nil
		}

		if l.cycle() == 0 {
			select {
			case <-l.kick:
			case <-ctx.Done():
			}
		}
	}
}

// cycle services posted closures, then dispatches queued tasks up to the
// budget. It returns the amount of work done so Run knows when to sleep.
func (l *Loop) cycle() int {
	l.mu.Lock()
	posts := l.postq
	l.postq = nil
	l.runq = append(l.runq, l.wakeq...)
	l.wakeq = nil
	l.mu.Unlock()

	for _, fn := range posts {
		fn()
	}
	done := len(posts)

	for budget := l.budget; budget > 0 && len(l.runq) > 0; budget-- {
		t := l.runq[0]
		l.runq = l.runq[1:]
		done++

		if t.dead.Load() {
			l.release(t)
			continue
		}

		// Clear before stepping so a wake arriving mid-step queues a
		// fresh run instead of being lost.
		t.queued.Store(false)
		t.calls.Add(1)

		switch t.h.Step(t) {
		case Again:
			t.Wake()
		case Exit:
			l.release(t)
		}
	}
	if len(l.runq) == 0 {
		l.runq = nil
	}

	if done > 0 {
		l.rate.Add(uint32(done))
		l.mu.Lock()
		l.runs += uint64(done)
		l.mu.Unlock()
	}

	return done
}

func (l *Loop) drainPosts() {
	l.mu.Lock()
	posts := l.postq
	l.postq = nil
	l.mu.Unlock()

	for _, fn := range posts {
		fn()
	}
}

func (l *Loop) release(t *Task) {
	if t.released {
		return
	}
	t.released = true
	t.dead.Store(true)

	l.mu.Lock()
	delete(l.tasks, t)
	l.mu.Unlock()

	t.h.Release(t)
}

func (l *Loop) releaseAll() {
	l.mu.Lock()
	live := make([]*Task, 0, len(l.tasks))
	for t := range l.tasks {
		live = append(live, t)
	}
	l.mu.Unlock()

	for _, t := range live {
		l.logger.Debug("releasing task at shutdown", "task", t.Name())
		l.release(t)
	}
}

// Stats is a point-in-time snapshot of loop activity.
type Stats struct {
	Tasks   int    // live tasks
	Runs    uint64 // total work items dispatched
	Posts   uint64 // total closures posted
	RunRate uint32 // work items per second, smoothed
}

// Stats returns current loop counters. Safe from any goroutine.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	s := Stats{
		Tasks: len(l.tasks),
		Runs:  l.runs,
		Posts: l.posts,
	}
	l.mu.Unlock()

	s.RunRate = l.rate.PerSecond()

	return s
}
