package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ErrForbidden is returned when a non-main chat manipulates another chat's
// task.
var ErrForbidden = errors.New("scheduler: task belongs to another chat")

// CreateTask validates the schedule, computes the first firing, and persists
// a new task. Returns the created task.
func (s *Scheduler) CreateTask(ctx context.Context, folder, jid, prompt, scheduleType, scheduleValue, contextMode string) (*store.Task, error) {
	if err := ValidateSchedule(scheduleType, scheduleValue); err != nil {
		return nil, err
	}
	next, err := s.initialRun(scheduleType, scheduleValue, time.Now())
	if err != nil {
		return nil, err
	}

	t := &store.Task{
		ID:            uuid.NewString(),
		Folder:        folder,
		JID:           jid,
		Prompt:        prompt,
		ScheduleType:  scheduleType,
		ScheduleValue: scheduleValue,
		ContextMode:   contextMode,
		NextRun:       next,
		MaxRetries:    s.opts.MaxRetries,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, bus.EventTaskCreated, bus.TaskEvent{TaskID: t.ID, Folder: folder, JID: jid})
	}
	slog.Info("scheduler: task created", "task", t.ID, "folder", folder, "schedule", scheduleType)
	return t, nil
}

// authorize checks that the acting folder may touch the task. The main chat
// may touch any task.
func (s *Scheduler) authorize(t *store.Task, folder string, isMain bool) error {
	if isMain || t.Folder == folder {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, t.ID)
}

// PauseTask transitions a task to paused.
func (s *Scheduler) PauseTask(ctx context.Context, taskID, folder string, isMain bool) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.authorize(t, folder, isMain); err != nil {
		return err
	}
	return s.store.UpdateTaskStatus(ctx, taskID, store.StatusPaused)
}

// ResumeTask reactivates a paused or errored task with a fresh retry
// budget, recomputing next_run if the schedule lost it.
func (s *Scheduler) ResumeTask(ctx context.Context, taskID, folder string, isMain bool) error {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := s.authorize(t, folder, isMain); err != nil {
		return err
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, store.StatusActive); err != nil {
		return err
	}
	if err := s.store.ResetRetryState(ctx, taskID); err != nil {
		return err
	}
	if t.NextRun == nil && t.ScheduleType != store.ScheduleOnce {
		next, err := s.nextRun(t, time.Now())
		if err != nil {
			return err
		}
		return s.store.SetNextRun(ctx, taskID, next)
	}
	return nil
}

// CancelTask deletes a task and drops any pending retry timer. Cancelling a
// missing task is a no-op.
func (s *Scheduler) CancelTask(ctx context.Context, taskID, folder string, isMain bool) error {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.dropRetry(taskID)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.authorize(t, folder, isMain); err != nil {
		return err
	}
	s.dropRetry(taskID)
	return s.store.DeleteTask(ctx, taskID)
}

// HandleScheduleFile applies an agent's schedule_task IPC drop. The target
// JID defaults to the originating chat.
func (s *Scheduler) HandleScheduleFile(ctx context.Context, folder, originJID string, f protocol.ScheduleTaskFile) error {
	jid := f.TargetJID
	if jid == "" {
		jid = originJID
	}
	mode := f.ContextMode
	if mode == "" {
		mode = store.ContextGroup
	}
	_, err := s.CreateTask(ctx, folder, jid, f.Prompt, f.ScheduleType, f.ScheduleValue, mode)
	return err
}

// HandleControlFile applies a pause/resume/cancel IPC drop.
func (s *Scheduler) HandleControlFile(ctx context.Context, f protocol.TaskControlFile) error {
	switch f.Type {
	case protocol.TypePauseTask:
		return s.PauseTask(ctx, f.TaskID, f.GroupFolder, f.IsMain)
	case protocol.TypeResumeTask:
		return s.ResumeTask(ctx, f.TaskID, f.GroupFolder, f.IsMain)
	case protocol.TypeCancelTask:
		return s.CancelTask(ctx, f.TaskID, f.GroupFolder, f.IsMain)
	default:
		return fmt.Errorf("unknown task control type %q", f.Type)
	}
}
