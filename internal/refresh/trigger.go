// Package refresh periodically tops up blocking windows from the stored
// event table. It never refetches the table; a missing or outdated table
// fails the run and is left to the fetch client.
package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"prayerlock/internal/eventbus"
	"prayerlock/internal/eventtable"
	"prayerlock/internal/window"
	logx "prayerlock/pkg/logx"
)

// TaskID identifies the periodic refresh with the task scheduler.
const TaskID = "prayerlock.refresh"

var (
	ErrNoTable       = errors.New("no event table")
	ErrTableOutdated = errors.New("event table needs refetch")
	ErrExpired       = errors.New("refresh expired")
)

type State int32

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Result describes one finished run.
type Result struct {
	RunID    string        `json:"run_id"`
	State    string        `json:"state"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Report   window.Report `json:"report"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
}

// Table is the read side of the event table.
type Table interface {
	Load(ctx context.Context) (*eventtable.Snapshot, bool)
}

// Flow is the delegated top-up (settings.Pipeline.BackgroundTopUp).
type Flow interface {
	BackgroundTopUp(ctx context.Context, snap *eventtable.Snapshot) (window.Report, error)
}

type Options struct {
	Spec     Spec
	Location *time.Location
	Now      func() time.Time
	Bus      eventbus.Bus
}

type Trigger struct {
	tasks *TaskScheduler
	table Table
	flow  Flow
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time

	mu    sync.Mutex
	spec  Spec
	loc   *time.Location
	state State
	last  Result
}

func NewTrigger(tasks *TaskScheduler, table Table, flow Flow, log logx.Logger, opt Options) *Trigger {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Spec.sched == nil {
		opt.Spec = DefaultSpec()
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Bus == nil {
		opt.Bus = eventbus.Nop()
	}
	return &Trigger{
		tasks: tasks,
		table: table,
		flow:  flow,
		log:   log,
		bus:   opt.Bus,
		now:   opt.Now,
		spec:  opt.Spec,
		loc:   opt.Location,
	}
}

// Register submits the next periodic run.
func (t *Trigger) Register() time.Time {
	t.mu.Lock()
	spec, loc := t.spec, t.loc
	t.mu.Unlock()
	next := spec.Next(t.now(), loc)
	t.tasks.Submit(TaskID, next, t.Handle)
	t.log.Info("refresh registered", logx.String("schedule", spec.String()), logx.Time("next", next))
	return next
}

// Unregister drops the pending run.
func (t *Trigger) Unregister() { t.tasks.Cancel(TaskID) }

// RunNow replaces the pending run with one that starts immediately. The
// run reschedules itself as usual.
func (t *Trigger) RunNow() { t.tasks.Submit(TaskID, t.now(), t.Handle) }

// SetSchedule takes effect from the next submission.
func (t *Trigger) SetSchedule(spec Spec, loc *time.Location) {
	t.mu.Lock()
	t.spec = spec
	if loc != nil {
		t.loc = loc
	}
	t.mu.Unlock()
}

func (t *Trigger) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Last returns the most recent finished run.
func (t *Trigger) Last() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Handle is the task handler. It reschedules first, so the next run does
// not depend on this one succeeding.
func (t *Trigger) Handle(parent context.Context, task *Task) {
	t.Register()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	started := t.now()
	res := Result{RunID: task.RunID, Started: started}
	log := t.log.With(logx.String("run_id", task.RunID))

	task.SetExpirationHandler(func() {
		cancel()
		if task.Complete(false) {
			t.finish(StateExpired, Result{RunID: task.RunID, Started: started, Error: ErrExpired.Error()})
			log.Warn("refresh expired")
		}
	})
	t.setState(StateRunning)

	err := t.run(ctx, &res)
	if !task.Complete(err == nil) {
		// Expired while running; the expiration handler already reported.
		return
	}
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		log.Info("refresh failed", logx.Err(err))
	} else {
		log.Info("refresh completed",
			logx.String("outcome", string(res.Report.Outcome)),
			logx.Int("registered", res.Report.Registered),
			logx.Int("live", res.Report.Live),
		)
	}
	t.finish(StateCompleted, res)
}

func (t *Trigger) run(ctx context.Context, res *Result) error {
	snap, ok := t.table.Load(ctx)
	if !ok {
		return ErrNoTable
	}
	if snap.ShouldRefresh(t.now()) {
		return ErrTableOutdated
	}
	rep, err := t.flow.BackgroundTopUp(ctx, snap)
	res.Report = rep
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (t *Trigger) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Trigger) finish(s State, res Result) {
	res.State = s.String()
	res.Finished = t.now()
	t.mu.Lock()
	t.state = s
	t.last = res
	t.mu.Unlock()
	t.bus.Publish(eventbus.Event{Type: eventbus.TypeRefreshFinished, Data: res})
}
