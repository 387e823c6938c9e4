// Package scheduler runs persistent tasks on cron, interval, or one-shot
// schedules. Due tasks are submitted through the per-chat queue so scheduled
// and interactive work share one agent per chat; failed runs are diagnosed
// and retried, paused, or deactivated according to the failure pattern.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// errGroupNotFound produces the error text the orphaned diagnosis keys on.
var errGroupNotFound = errors.New("group not found")

// retryLadder is the fixed backoff sequence. The retry count indexes into
// it; counts beyond the end stay on the last rung.
var retryLadder = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Options configures the scheduler.
type Options struct {
	PollInterval time.Duration
	Timezone     *time.Location
	// TaskIdleTimeout closes a scheduled run's agent after silence; it is
	// independent of the interactive idle timeout.
	TaskIdleTimeout time.Duration
	// MaxRetries applies to tasks created without an explicit limit.
	MaxRetries int
}

// Hooks are the scheduler's collaborators.
type Hooks struct {
	GetSession func(ctx context.Context, folder string) (string, error)
	SetSession func(ctx context.Context, folder, sessionID string) error
	// Notify sends a structured notification message to a chat.
	Notify func(jid, text string)
}

// Scheduler owns the task table: all status, retry, and next-run mutations
// go through it.
type Scheduler struct {
	store    *store.Store
	queue    *queue.Queue
	tr       *ipc.Transport
	eventBus *bus.Bus
	hooks    Hooks
	loc      *time.Location
	opts     Options

	mu       sync.Mutex
	inflight map[string]bool
	retries  map[string]*time.Timer
}

// New creates a Scheduler. Call Run to start the due-scan loop.
func New(st *store.Store, q *queue.Queue, tr *ipc.Transport, eventBus *bus.Bus, hooks Hooks, opts Options) *Scheduler {
	loc := opts.Timezone
	if loc == nil {
		loc = time.UTC
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	return &Scheduler{
		store:    st,
		queue:    q,
		tr:       tr,
		eventBus: eventBus,
		hooks:    hooks,
		loc:      loc,
		opts:     opts,
		inflight: make(map[string]bool),
		retries:  make(map[string]*time.Timer),
	}
}

// Run scans for due tasks until the context is cancelled. Scan failures are
// logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll", s.opts.PollInterval, "timezone", s.loc.String())
	for {
		select {
		case <-ctx.Done():
			s.stopRetryTimers()
			return
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				slog.Error("scheduler: scan failed", "error", err)
			}
		}
	}
}

// scan submits every due task to its chat's queue, in discovery order.
func (s *Scheduler) scan(ctx context.Context) error {
	due, err := s.store.DueTasks(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, t := range due {
		s.submit(t.ID, t.JID)
	}
	return nil
}

// submit enqueues one task run unless the task is already queued or running.
func (s *Scheduler) submit(taskID, jid string) {
	s.mu.Lock()
	if s.inflight[taskID] {
		s.mu.Unlock()
		return
	}
	s.inflight[taskID] = true
	s.mu.Unlock()

	err := s.queue.EnqueueTask(jid, taskID, func(ctx context.Context, sess *queue.Session) error {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, taskID)
			s.mu.Unlock()
		}()
		return s.runTask(ctx, taskID, sess)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.inflight, taskID)
		s.mu.Unlock()
		slog.Error("scheduler: enqueue failed", "task", taskID, "jid", jid, "error", err)
	}
}

// runTask executes one scheduled run on the chat's lane. The task is
// re-read first; it may have been paused or cancelled since discovery.
func (s *Scheduler) runTask(ctx context.Context, taskID string, sess *queue.Session) error {
	t, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil // cancelled while queued
	}
	if err != nil {
		return fmt.Errorf("re-read task: %w", err)
	}
	if t.Status != store.StatusActive {
		return nil
	}

	started := time.Now()
	result, runErr := s.execute(ctx, t, sess)
	duration := time.Since(started)

	if runErr != nil {
		s.handleFailure(ctx, t, runErr, started, duration)
		return nil
	}

	s.handleSuccess(ctx, t, result, started, duration)
	return nil
}

// execute resolves the group, snapshots the task set, and runs the agent.
func (s *Scheduler) execute(ctx context.Context, t *store.Task, sess *queue.Session) (string, error) {
	chat, err := s.store.GetChatByFolder(ctx, t.Folder)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", errGroupNotFound, t.Folder)
	}
	if err != nil {
		return "", fmt.Errorf("resolve group: %w", err)
	}

	if err := s.writeSnapshot(ctx, t.Folder); err != nil {
		slog.Warn("scheduler: snapshot write failed", "task", t.ID, "error", err)
	}

	sessionID := ""
	if t.ContextMode == store.ContextGroup && s.hooks.GetSession != nil {
		if sessionID, err = s.hooks.GetSession(ctx, t.Folder); err != nil {
			slog.Warn("scheduler: session lookup failed", "folder", t.Folder, "error", err)
			sessionID = ""
		}
	}

	input := protocol.AgentInput{
		Prompt:          t.Prompt,
		SessionID:       sessionID,
		GroupFolder:     t.Folder,
		ChatJID:         chat.JID,
		IsScheduledTask: true,
	}

	res, err := sess.Run(ctx, input, queue.RunOpts{
		IdleTimeout: s.opts.TaskIdleTimeout,
		OnResult: func(text string) {
			if s.hooks.Notify != nil {
				s.hooks.Notify(chat.JID, text)
			}
		},
	})
	if err != nil {
		return "", err
	}

	if t.ContextMode == store.ContextGroup && res.NewSessionID != "" && s.hooks.SetSession != nil {
		if err := s.hooks.SetSession(ctx, t.Folder, res.NewSessionID); err != nil {
			slog.Warn("scheduler: session persist failed", "folder", t.Folder, "error", err)
		}
	}

	if res.Final != nil && res.Final.Result != nil {
		return *res.Final.Result, nil
	}
	return "", nil
}

// writeSnapshot refreshes the folder's read-only task listing so the agent's
// list_tasks tool sees coherent data for the whole run.
func (s *Scheduler) writeSnapshot(ctx context.Context, folder string) error {
	tasks, err := s.store.ListTasks(ctx, folder)
	if err != nil {
		return err
	}
	snap := protocol.TaskSnapshot{
		Tasks:     make([]protocol.TaskSnapshotEntry, 0, len(tasks)),
		WrittenAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, t := range tasks {
		e := protocol.TaskSnapshotEntry{
			ID:            t.ID,
			Folder:        t.Folder,
			JID:           t.JID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			e.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		if t.LastRun != nil {
			e.LastRun = t.LastRun.UTC().Format(time.RFC3339)
		}
		snap.Tasks = append(snap.Tasks, e)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.tr.WriteRaw(filepath.Join(folder, protocol.TaskSnapshotFile), data)
}

// handleSuccess records the run, advances the schedule, and resets retry
// state.
func (s *Scheduler) handleSuccess(ctx context.Context, t *store.Task, result string, ranAt time.Time, duration time.Duration) {
	if err := s.store.AppendRun(ctx, &store.TaskRun{
		TaskID:     t.ID,
		RunAt:      ranAt,
		DurationMs: duration.Milliseconds(),
		Status:     store.RunSuccess,
		Result:     result,
	}); err != nil {
		slog.Warn("scheduler: run log failed", "task", t.ID, "error", err)
	}

	next, err := s.nextRun(t, time.Now())
	if err != nil {
		slog.Error("scheduler: next-run computation failed", "task", t.ID, "error", err)
		next = nil
	}
	if err := s.store.RecordRunSuccess(ctx, t.ID, ranAt, result, next); err != nil {
		slog.Error("scheduler: success record failed", "task", t.ID, "error", err)
	}

	if s.eventBus != nil {
		s.eventBus.Emit(ctx, bus.EventTaskCompleted, bus.TaskEvent{TaskID: t.ID, Folder: t.Folder, JID: t.JID})
	}
	slog.Info("scheduler: task run succeeded", "task", t.ID, "duration", duration)
}

// handleFailure diagnoses the failure and applies the recovery policy.
func (s *Scheduler) handleFailure(ctx context.Context, t *store.Task, runErr error, ranAt time.Time, duration time.Duration) {
	errText := runErr.Error()
	slog.Warn("scheduler: task run failed", "task", t.ID, "duration", duration, "error", errText)

	// Classify against the history before the current failure is appended.
	recent, err := s.store.RecentRuns(ctx, t.ID, 5)
	if err != nil {
		slog.Warn("scheduler: run history read failed", "task", t.ID, "error", err)
	}
	d := Diagnose(errText, recent)

	if err := s.store.AppendRun(ctx, &store.TaskRun{
		TaskID:     t.ID,
		RunAt:      ranAt,
		DurationMs: duration.Milliseconds(),
		Status:     store.RunError,
		Error:      errText,
	}); err != nil {
		slog.Warn("scheduler: run log failed", "task", t.ID, "error", err)
	}

	// The schedule advances regardless of the retry outcome.
	next, nerr := s.nextRun(t, time.Now())
	if nerr != nil {
		slog.Error("scheduler: next-run computation failed", "task", t.ID, "error", nerr)
		next = nil
	}
	if err := s.store.RecordRunFailure(ctx, t.ID, ranAt, errText, next); err != nil {
		slog.Error("scheduler: failure record failed", "task", t.ID, "error", err)
	}

	switch d.Kind {
	case DiagOrphaned:
		if err := s.store.UpdateTaskStatus(ctx, t.ID, store.StatusCompleted); err != nil {
			slog.Error("scheduler: deactivate failed", "task", t.ID, "error", err)
		}
		s.notifyFailure(t, d, errText)
		return
	case DiagPersistent:
		if err := s.store.UpdateTaskStatus(ctx, t.ID, store.StatusPaused); err != nil {
			slog.Error("scheduler: pause failed", "task", t.ID, "error", err)
		}
		s.notifyFailure(t, d, errText)
		return
	}

	maxRetries := t.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.opts.MaxRetries
	}
	if t.RetryCount+1 > maxRetries {
		if err := s.store.UpdateTaskStatus(ctx, t.ID, store.StatusError); err != nil {
			slog.Error("scheduler: error transition failed", "task", t.ID, "error", err)
		}
		s.notifyFailure(t, Diagnosis{
			Kind:           d.Kind,
			Recommendation: fmt.Sprintf("Gave up after %d retries. Fix the problem and resume the task.", maxRetries),
		}, errText)
		return
	}

	s.scheduleRetry(t.ID, t.JID, retryDelay(t.RetryCount, d))
}

// retryDelay picks the ladder rung for the next attempt. Rate-limited
// failures always use the last rung; the delay never decreases as the
// retry count grows.
func retryDelay(retryCount int, d Diagnosis) time.Duration {
	if d.MaxBackoff {
		return retryLadder[len(retryLadder)-1]
	}
	if retryCount >= len(retryLadder) {
		return retryLadder[len(retryLadder)-1]
	}
	return retryLadder[retryCount]
}

// scheduleRetry arms a one-shot timer for the task. On fire the task is
// re-checked and re-enqueued only if still active or errored.
func (s *Scheduler) scheduleRetry(taskID, jid string, delay time.Duration) {
	s.mu.Lock()
	if prev, ok := s.retries[taskID]; ok {
		prev.Stop()
	}
	s.retries[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.retries, taskID)
		s.mu.Unlock()

		t, err := s.store.GetTask(context.Background(), taskID)
		if err != nil {
			return // cancelled while waiting
		}
		if t.Status != store.StatusActive && t.Status != store.StatusError {
			return
		}
		if t.Status == store.StatusError {
			if err := s.store.UpdateTaskStatus(context.Background(), taskID, store.StatusActive); err != nil {
				slog.Warn("scheduler: retry reactivation failed", "task", taskID, "error", err)
				return
			}
		}
		slog.Info("scheduler: retrying task", "task", taskID)
		s.submit(taskID, jid)
	})
	s.mu.Unlock()
	slog.Info("scheduler: retry scheduled", "task", taskID, "delay", delay)
}

// dropRetry stops any pending retry timer for a cancelled task.
func (s *Scheduler) dropRetry(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.retries[taskID]; ok {
		t.Stop()
		delete(s.retries, taskID)
	}
}

func (s *Scheduler) stopRetryTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.retries {
		t.Stop()
		delete(s.retries, id)
	}
}

// notifyFailure sends the structured failure notification to the task's
// chat: diagnosis, recommendation, raw error, and resume guidance.
func (s *Scheduler) notifyFailure(t *store.Task, d Diagnosis, errText string) {
	if s.hooks.Notify == nil {
		return
	}
	s.hooks.Notify(t.JID, fmt.Sprintf(
		"Scheduled task %s failed (%s).\n%s\nError: %s\nUse resume_task %s to reactivate it once resolved.",
		t.ID, d.Kind, d.Recommendation, errText, t.ID))
}
