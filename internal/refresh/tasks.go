package refresh

import (
	"context"
	"sync"
	"time"

	logx "prayerlock/pkg/logx"

	"github.com/google/uuid"
)

const defaultBudget = 30 * time.Second

// Handler runs one submitted task. ctx is canceled when the scheduler stops.
type Handler func(ctx context.Context, t *Task)

// Task is one run of a submitted identifier. Its expiration handler fires
// when the run exceeds the scheduler's budget.
type Task struct {
	ID      string
	RunID   string
	Started time.Time

	mu       sync.Mutex
	onExpire func()
	expired  bool
	success  bool
	done     chan struct{}
}

func newTask(id string, started time.Time) *Task {
	return &Task{ID: id, RunID: uuid.NewString(), Started: started, done: make(chan struct{})}
}

// SetExpirationHandler installs fn. If the task has already expired fn runs
// immediately.
func (t *Task) SetExpirationHandler(fn func()) {
	t.mu.Lock()
	t.onExpire = fn
	expired := t.expired
	t.mu.Unlock()
	if expired && fn != nil {
		fn()
	}
}

// Complete reports the outcome. Only the first call counts; it returns
// false for every later one.
func (t *Task) Complete(success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.done:
		return false
	default:
	}
	t.success = success
	close(t.done)
	return true
}

// Done is closed once the task is complete.
func (t *Task) Done() <-chan struct{} { return t.done }

// Success is meaningful once Done is closed.
func (t *Task) Success() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.success
}

func (t *Task) Expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

func (t *Task) expire() {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return
	default:
	}
	t.expired = true
	fn := t.onExpire
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
	// A handler that ignores expiration still ends as a failure.
	t.Complete(false)
}

type pending struct {
	timer    *time.Timer
	earliest time.Time
	version  uint64
}

// TaskScheduler runs one-shot tasks by identifier. Submitting an identifier
// that is already pending replaces it.
type TaskScheduler struct {
	log logx.Logger
	now func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	budget  time.Duration
	pending map[string]*pending
	version uint64
	stopped bool
	wg      sync.WaitGroup
}

func NewTaskScheduler(log logx.Logger, budget time.Duration) *TaskScheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if budget <= 0 {
		budget = defaultBudget
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskScheduler{log: log, now: time.Now, ctx: ctx, cancel: cancel, budget: budget, pending: map[string]*pending{}}
}

// Start rebinds running tasks to ctx. Tasks submitted before Start run
// under a background context.
func (s *TaskScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopped = false
	s.mu.Unlock()
}

// SetBudget changes the per-run budget for runs that start afterwards.
func (s *TaskScheduler) SetBudget(d time.Duration) {
	if d <= 0 {
		d = defaultBudget
	}
	s.mu.Lock()
	s.budget = d
	s.mu.Unlock()
}

// Submit arms id to run h no earlier than earliest.
func (s *TaskScheduler) Submit(id string, earliest time.Time, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if p, ok := s.pending[id]; ok {
		p.timer.Stop()
	}
	s.version++
	version := s.version
	delay := earliest.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.pending[id] = &pending{
		earliest: earliest,
		version:  version,
		timer:    time.AfterFunc(delay, func() { s.fire(id, version, h) }),
	}
	s.log.Debug("task submitted", logx.String("id", id), logx.Time("earliest", earliest))
}

// Cancel disarms id; it reports whether anything was pending.
func (s *TaskScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[id]
	if ok {
		p.timer.Stop()
		delete(s.pending, id)
	}
	return ok
}

// Pending returns the earliest begin of id, if armed.
func (s *TaskScheduler) Pending(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[id]; ok {
		return p.earliest, true
	}
	return time.Time{}, false
}

// Stop disarms everything, cancels running tasks and waits for them.
func (s *TaskScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	for id, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, id)
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *TaskScheduler) fire(id string, version uint64, h Handler) {
	s.mu.Lock()
	p, ok := s.pending[id]
	if !ok || p.version != version || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, id)
	ctx, budget := s.ctx, s.budget
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	t := newTask(id, s.now())
	log := s.log.With(logx.String("task", id), logx.String("run_id", t.RunID))
	expiry := time.AfterFunc(budget, func() {
		log.Warn("task expired", logx.Duration("budget", budget))
		t.expire()
	})
	defer expiry.Stop()

	// Stopping the scheduler expires whatever is running.
	stopWatch := context.AfterFunc(ctx, t.expire)
	defer stopWatch()

	func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("task panic", logx.Any("panic", r))
				t.Complete(false)
			}
		}()
		h(ctx, t)
	}()

	select {
	case <-t.Done():
	case <-ctx.Done():
		t.Complete(false)
	}
	log.Debug("task finished", logx.Bool("success", t.Success()), logx.Bool("expired", t.Expired()))
}
