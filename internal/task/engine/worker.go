package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"prayerlock/internal/eventbus"
	logx "prayerlock/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.execOne(ctx, qt)
		}
	}
}

func (s *Service) execOne(laneCtx context.Context, qt queuedTask) {
	t := qt.task
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	runCtx, cancel := context.WithCancel(laneCtx)
	if t.ctx != nil {
		// The caller's context governs the run; lane shutdown still cancels it.
		runCtx, cancel = context.WithCancel(t.ctx)
		stop := context.AfterFunc(laneCtx, cancel)
		defer stop()
	}
	defer cancel()
	if qt.timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, qt.timeout)
		defer tcancel()
	}

	var err error
	if err = runCtx.Err(); err == nil {
		s.log.Debug("task.started", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay))
		s.bus.Publish(eventbus.Event{Type: "task.started", Time: start, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay}})
		err = runTask(runCtx, t)
		if err != nil && err != runCtx.Err() {
			s.log.Debug("task.error", logx.String("task", t.Name), logx.Err(err))
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", t.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.bus.Publish(eventbus.Event{Type: "task.failed", Data: ev})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
		s.bus.Publish(eventbus.Event{Type: "task.finished", Data: ev})
	}
	s.record(item)
	finish(t, err)
}

// runTask converts a task panic into an error so one bad task can't kill the lane.
func runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return t.Run(ctx)
}
