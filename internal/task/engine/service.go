package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"prayerlock/internal/eventbus"
	rtsup "prayerlock/internal/runtime/supervisor"
	logx "prayerlock/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q      chan queuedTask
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq   atomic.Uint64
	dropped atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 50
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus}
}

// Start launches the lane worker. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	s.q = make(chan queuedTask, s.cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	queue, stopCh := s.q, s.stopCh

	// The worker is restarted if it panics outside a task.
	s.sup.GoRestart("lane", func(c context.Context) error {
		s.worker(c, stopCh, queue)
		select {
		case <-stopCh:
			return nil
		default:
		}
		if c.Err() != nil {
			return nil
		}
		return errors.New("lane worker exited unexpectedly")
	})

	s.log.Info("task engine started", logx.Int("queue", cap(queue)))
}

// Stop cancels the running task, waits for the worker and completes every
// still-queued task with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.stopCh, s.sup, s.q = nil, nil, nil
	s.mu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
	}
	for {
		select {
		case qt := <-queue:
			finish(qt.task, ErrStopped)
		default:
			s.log.Info("task engine stopped")
			return
		}
	}
}

// Enqueue adds a task without blocking. A full queue rejects the task with
// ErrQueueFull; Done is not called for rejected tasks.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return ErrStopped
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now, timeout: timeout}:
		return nil
	default:
		s.onQueueFullDropped(now, t)
		return ErrQueueFull
	}
}

// Do runs fn on the lane and waits for it. The run context is canceled when
// ctx is; Do then returns ctx.Err() without waiting for fn to unwind.
func (s *Service) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: name,
		Run:  fn,
		Done: func(err error) { done <- err },
		ctx:  ctx,
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	snap := Snapshot{Running: s.stopCh != nil, DefaultTimeout: s.cfg.DefaultTimeout}
	s.mu.Unlock()
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	snap.Dropped = s.dropped.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}

func (s *Service) onQueueFullDropped(now time.Time, t Task) {
	s.dropped.Add(1)
	s.bus.Publish(eventbus.Event{Type: "task.dropped", Time: now, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"}})

	prev := s.lastQueueFullWarnAt.Load()
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if s.lastQueueFullWarnAt.CompareAndSwap(prev, now.UnixNano()) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_cap", cap(s.q)),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func finish(t Task, err error) {
	if t.Done != nil {
		t.Done(err)
	}
}
