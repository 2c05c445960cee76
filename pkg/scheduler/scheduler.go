package scheduler

import (
	"context"
	"time"

	"github.com/aide-sh/aide/pkg/logger"
)

// Dispatcher receives fired task descriptors. The server implements it:
// agent tasks go to the invoker, prompt tasks become automated user turns
// in the target (or active) chat.
type Dispatcher interface {
	Dispatch(ctx context.Context, out Output) error
}

// Scheduler is the minute poller.
type Scheduler struct {
	tasks    *TaskStore
	dispatch Dispatcher

	// Now is stubbed in tests.
	Now func() time.Time
}

// New wires a Scheduler. A nil dispatcher records fires without routing
// them; SetDispatcher attaches one later.
func New(tasks *TaskStore, dispatch Dispatcher) *Scheduler {
	return &Scheduler{tasks: tasks, dispatch: dispatch, Now: time.Now}
}

// SetDispatcher attaches the dispatcher. Call before Run.
func (s *Scheduler) SetDispatcher(d Dispatcher) {
	s.dispatch = d
}

// Run polls once per minute until ctx is cancelled. Tick duration does not
// compress the interval; a slow tick simply delays the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx, s.Now())
		}
	}
}

// Tick evaluates every active task against now and dispatches the ones
// that fire. Parse errors land in the task's last_error without disabling
// it; the next edit of the schedule clears the error.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []Output {
	log := logger.G(ctx)

	all, err := s.tasks.All()
	if err != nil {
		log.WithError(err).Error("failed to load scheduled tasks")
		return nil
	}

	var fired []Output
	for _, task := range all {
		if !task.Active {
			continue
		}

		sched, err := parseSchedule(task.Schedule)
		if err != nil {
			s.recordError(ctx, task.ID, err.Error())
			continue
		}
		fire, deactivate, err := sched.due(now, task.LastRun)
		if err != nil {
			s.recordError(ctx, task.ID, err.Error())
			continue
		}
		if !fire {
			continue
		}

		out := Output{
			ID:      task.ID,
			Type:    task.Type,
			Silent:  task.Silent,
			RoomID:  task.RoomID,
			Project: task.Project,
			Prompt:  task.Prompt,
			Agent:   task.Agent,
		}
		if err := s.tasks.Mutate(task.ID, func(t *Task) {
			t.LastRun = now
			t.LastError = ""
			if deactivate {
				t.Active = false
			}
		}); err != nil {
			log.WithField("task_id", task.ID).WithError(err).Error("failed to persist task run")
			continue
		}

		fired = append(fired, out)
		if s.dispatch != nil {
			if err := s.dispatch.Dispatch(ctx, out); err != nil {
				log.WithField("task_id", task.ID).WithError(err).Error("task dispatch failed")
				s.recordError(ctx, task.ID, err.Error())
			}
		}
		log.WithFields(map[string]any{"task_id": task.ID, "type": task.Type}).Info("scheduled task fired")
	}
	return fired
}

func (s *Scheduler) recordError(ctx context.Context, taskID, msg string) {
	if err := s.tasks.Mutate(taskID, func(t *Task) {
		t.LastError = msg
	}); err != nil {
		logger.G(ctx).WithField("task_id", taskID).WithError(err).Warn("failed to record task error")
	}
}
