package scheduler

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type notifyLog struct {
	mu    sync.Mutex
	sent  []string
	count int
}

func (n *notifyLog) notify(jid, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, jid+": "+text)
	n.count++
}

func newScheduler(t *testing.T, st *store.Store, n *notifyLog) *Scheduler {
	t.Helper()
	return New(st, nil, nil, nil, Hooks{Notify: n.notify}, Options{
		PollInterval: time.Hour, // scans driven manually in tests
		MaxRetries:   3,
	})
}

func errRun(err string, ago time.Duration) *store.TaskRun {
	return &store.TaskRun{Status: store.RunError, Error: err, RunAt: time.Now().Add(-ago)}
}

func TestDiagnose(t *testing.T) {
	twoSame := []*store.TaskRun{
		errRun("ModuleNotFoundError: requests", time.Minute),
		errRun("ModuleNotFoundError: requests", 2*time.Minute),
	}
	twoDifferent := []*store.TaskRun{
		errRun("connection reset by peer", time.Minute),
		errRun("dns lookup failed", 2*time.Minute),
	}

	tests := []struct {
		name    string
		current string
		recent  []*store.TaskRun
		want    string
		retry   bool
	}{
		{"group missing", "group not found: room-one", nil, DiagOrphaned, false},
		{"chat missing", "chat not found", twoSame, DiagOrphaned, false},
		{"http 429", "upstream returned HTTP 429", nil, DiagRateLimited, true},
		{"rate limit text", "Rate limit exceeded, slow down", nil, DiagRateLimited, true},
		{"api error", "api error: bad gateway", nil, DiagRateLimited, true},
		{"idle timeout", "run aborted: idle timeout", nil, DiagTimeout, true},
		{"timed out", "agent timed out waiting for engine", twoSame, DiagTimeout, true},
		{"persistent", "ModuleNotFoundError: requests", twoSame, DiagPersistent, false},
		{"transient", "socket hang up", twoDifferent, DiagTransient, true},
		{"no history", "something odd", nil, DiagUnknown, true},
		{"one prior run", "something odd", twoSame[:1], DiagUnknown, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := Diagnose(tc.current, tc.recent)
			if d.Kind != tc.want {
				t.Fatalf("kind = %s, want %s", d.Kind, tc.want)
			}
			if d.Retry != tc.retry {
				t.Fatalf("retry = %v, want %v", d.Retry, tc.retry)
			}
		})
	}
}

func TestDiagnosePrefixNormalization(t *testing.T) {
	// Same failure with differing whitespace and case still counts as
	// identical; detail past the prefix window is ignored.
	long := strings.Repeat("x", 130)
	recent := []*store.TaskRun{
		errRun("  Boom:  "+long+"-alpha", time.Minute),
		errRun("boom: "+long+"-beta", 2*time.Minute),
	}
	d := Diagnose("BOOM: "+long+"-gamma", recent)
	if d.Kind != DiagPersistent {
		t.Fatalf("kind = %s, want persistent", d.Kind)
	}
}

func TestRetryDelayMonotonicAndPinned(t *testing.T) {
	plain := Diagnosis{Retry: true}
	var prev time.Duration
	for count := 0; count < 6; count++ {
		d := retryDelay(count, plain)
		if d < prev {
			t.Fatalf("delay decreased at count %d: %v < %v", count, d, prev)
		}
		prev = d
	}
	if got := retryDelay(0, plain); got != 30*time.Second {
		t.Errorf("first rung = %v, want 30s", got)
	}
	if got := retryDelay(5, plain); got != 10*time.Minute {
		t.Errorf("past ladder = %v, want 10m", got)
	}
	if got := retryDelay(0, Diagnosis{Retry: true, MaxBackoff: true}); got != 10*time.Minute {
		t.Errorf("rate-limited first failure = %v, want max rung", got)
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := [][2]string{
		{store.ScheduleCron, "*/5 * * * *"},
		{store.ScheduleInterval, "60000"},
		{store.ScheduleOnce, ""},
		{store.ScheduleOnce, "2026-09-01T10:00:00Z"},
	}
	for _, v := range valid {
		if err := ValidateSchedule(v[0], v[1]); err != nil {
			t.Errorf("ValidateSchedule(%s, %q) = %v, want nil", v[0], v[1], err)
		}
	}
	invalid := [][2]string{
		{store.ScheduleCron, "not a cron"},
		{store.ScheduleInterval, "-5"},
		{store.ScheduleInterval, "soon"},
		{store.ScheduleOnce, "tomorrow"},
		{"hourly", "1"},
	}
	for _, v := range invalid {
		if err := ValidateSchedule(v[0], v[1]); err == nil {
			t.Errorf("ValidateSchedule(%s, %q) = nil, want error", v[0], v[1])
		}
	}
}

func TestNextRunPerScheduleType(t *testing.T) {
	s := newScheduler(t, openStore(t), &notifyLog{})
	now := time.Date(2026, 8, 24, 12, 0, 30, 0, time.UTC)

	next, err := s.nextRun(&store.Task{ScheduleType: store.ScheduleCron, ScheduleValue: "*/5 * * * *"}, now)
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	want := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)
	if next == nil || !next.Equal(want) {
		t.Errorf("cron next = %v, want %v", next, want)
	}

	next, err = s.nextRun(&store.Task{ScheduleType: store.ScheduleInterval, ScheduleValue: "90000"}, now)
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if next == nil || !next.Equal(now.Add(90*time.Second)) {
		t.Errorf("interval next = %v", next)
	}

	next, err = s.nextRun(&store.Task{ScheduleType: store.ScheduleOnce}, now)
	if err != nil {
		t.Fatalf("once: %v", err)
	}
	if next != nil {
		t.Errorf("once next = %v, want nil", next)
	}
}

func createTask(t *testing.T, s *Scheduler, scheduleType, scheduleValue string) *store.Task {
	t.Helper()
	task, err := s.CreateTask(context.Background(), "room-one", "discord:1", "do it", scheduleType, scheduleValue, store.ContextGroup)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func failOnce(t *testing.T, s *Scheduler, st *store.Store, id, errText string) {
	t.Helper()
	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	s.handleFailure(context.Background(), task, stringError(errText), time.Now(), time.Second)
}

type stringError string

func (e stringError) Error() string { return string(e) }

func TestExhaustedRetriesTransitionToErrorWithOneNotification(t *testing.T) {
	st := openStore(t)
	n := &notifyLog{}
	s := newScheduler(t, st, n)
	task := createTask(t, s, store.ScheduleInterval, "60000")

	// maxRetries failures schedule retries; the next one gives up. The
	// error texts differ so the failures stay transient, not persistent.
	failOnce(t, s, st, task.ID, "connection reset by peer")
	failOnce(t, s, st, task.ID, "dns lookup failed")
	failOnce(t, s, st, task.ID, "socket hang up")
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("status after 3 failures = %s, want active", got.Status)
	}
	if n.count != 0 {
		t.Fatalf("notified %d times before exhaustion", n.count)
	}

	failOnce(t, s, st, task.ID, "tls handshake failure")
	got, _ = st.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.RetryCount != 4 {
		t.Fatalf("retryCount = %d, want 4", got.RetryCount)
	}
	if n.count != 1 {
		t.Fatalf("notified %d times, want exactly 1", n.count)
	}
	s.stopRetryTimers()
}

func TestResumeAfterExhaustionRestoresRetryBudget(t *testing.T) {
	st := openStore(t)
	n := &notifyLog{}
	s := newScheduler(t, st, n)
	task := createTask(t, s, store.ScheduleInterval, "60000")
	ctx := context.Background()

	failOnce(t, s, st, task.ID, "connection reset by peer")
	failOnce(t, s, st, task.ID, "dns lookup failed")
	failOnce(t, s, st, task.ID, "socket hang up")
	failOnce(t, s, st, task.ID, "tls handshake failure")
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != store.StatusError || got.RetryCount != 4 {
		t.Fatalf("exhaustion: status=%s retries=%d", got.Status, got.RetryCount)
	}

	if err := s.ResumeTask(ctx, task.ID, "room-one", false); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != store.StatusActive || got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("after resume: status=%s retries=%d lastErr=%q", got.Status, got.RetryCount, got.LastError)
	}

	// The resumed task has a full budget again: one failure schedules a
	// retry instead of re-erroring, and no second exhaustion notice goes out.
	failOnce(t, s, st, task.ID, "connection refused")
	got, _ = st.GetTask(ctx, task.ID)
	if got.Status != store.StatusActive {
		t.Fatalf("post-resume failure: status = %s, want active", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("post-resume retryCount = %d, want 1", got.RetryCount)
	}
	if got.RetryCount > got.MaxRetries+1 {
		t.Fatalf("retryCount %d exceeds maxRetries+1 (%d)", got.RetryCount, got.MaxRetries+1)
	}
	if n.count != 1 {
		t.Fatalf("notified %d times, want only the original exhaustion notice", n.count)
	}
	s.stopRetryTimers()
}

func TestPersistentFailurePausesWithOneNotification(t *testing.T) {
	st := openStore(t)
	n := &notifyLog{}
	s := newScheduler(t, st, n)
	task := createTask(t, s, store.ScheduleCron, "*/1 * * * *")

	// Transient kinds classify first while history is thin; the third
	// identical failure sees two matching prior runs and pauses.
	failOnce(t, s, st, task.ID, "ModuleNotFoundError: requests")
	failOnce(t, s, st, task.ID, "ModuleNotFoundError: requests")
	failOnce(t, s, st, task.ID, "ModuleNotFoundError: requests")

	got, _ := st.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	if n.count != 1 {
		t.Fatalf("notified %d times, want exactly 1", n.count)
	}
	s.stopRetryTimers()
}

func TestOrphanedFailureCompletesTask(t *testing.T) {
	st := openStore(t)
	n := &notifyLog{}
	s := newScheduler(t, st, n)
	task := createTask(t, s, store.ScheduleInterval, "60000")

	failOnce(t, s, st, task.ID, "group not found: room-one")

	got, _ := st.GetTask(context.Background(), task.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if n.count != 1 {
		t.Fatalf("notified %d times, want 1", n.count)
	}

	// Completed is terminal: a later resume attempt does not revive it.
	if err := s.ResumeTask(context.Background(), task.ID, "room-one", false); err == nil {
		t.Fatal("ResumeTask on completed task succeeded")
	}
}

func TestSuccessResetsRetryStateAndAdvancesSchedule(t *testing.T) {
	st := openStore(t)
	s := newScheduler(t, st, &notifyLog{})
	task := createTask(t, s, store.ScheduleInterval, "60000")

	failOnce(t, s, st, task.ID, "flaky network")
	got, _ := st.GetTask(context.Background(), task.ID)
	if got.RetryCount != 1 || got.LastError == "" {
		t.Fatalf("failure not recorded: retries=%d lastErr=%q", got.RetryCount, got.LastError)
	}

	s.handleSuccess(context.Background(), got, "all good", time.Now(), time.Second)
	got, _ = st.GetTask(context.Background(), task.ID)
	if got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("success did not reset retry state: retries=%d lastErr=%q", got.RetryCount, got.LastError)
	}
	if got.NextRun == nil || !got.NextRun.After(time.Now()) {
		t.Fatalf("nextRun = %v, want future", got.NextRun)
	}
	s.stopRetryTimers()
}

func TestOnceTaskFiresOnce(t *testing.T) {
	st := openStore(t)
	s := newScheduler(t, st, &notifyLog{})
	task := createTask(t, s, store.ScheduleOnce, "")

	got, _ := st.GetTask(context.Background(), task.ID)
	if got.NextRun == nil {
		t.Fatal("once task created without a firing time")
	}

	due, err := st.DueTasks(context.Background(), time.Now().Add(time.Second))
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v (%v), want the once task", due, err)
	}

	s.handleSuccess(context.Background(), got, "done", time.Now(), time.Second)

	got, _ = st.GetTask(context.Background(), task.ID)
	if got.NextRun != nil {
		t.Fatalf("nextRun after once run = %v, want nil", got.NextRun)
	}
	due, _ = st.DueTasks(context.Background(), time.Now().Add(time.Hour))
	if len(due) != 0 {
		t.Fatalf("once task re-picked: %v", due)
	}
}

func TestControlAuthorization(t *testing.T) {
	st := openStore(t)
	s := newScheduler(t, st, &notifyLog{})
	task := createTask(t, s, store.ScheduleInterval, "60000")
	ctx := context.Background()

	if err := s.PauseTask(ctx, task.ID, "other-room", false); err == nil {
		t.Fatal("foreign chat paused the task")
	}
	if err := s.PauseTask(ctx, task.ID, "other-room", true); err != nil {
		t.Fatalf("main chat pause: %v", err)
	}
	if err := s.ResumeTask(ctx, task.ID, "room-one", false); err != nil {
		t.Fatalf("owner resume: %v", err)
	}
	if err := s.CancelTask(ctx, task.ID, "room-one", false); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	// Idempotent cancel.
	if err := s.CancelTask(ctx, task.ID, "room-one", false); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
}
