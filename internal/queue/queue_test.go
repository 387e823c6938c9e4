package queue

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
)

// fakeAgent writes a shell script acting as the agent subprocess.
func fakeAgent(t *testing.T, script string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return []string{"/bin/sh", path}
}

type fixture struct {
	q        *Queue
	tr       *ipc.Transport
	outbound chan string

	mu       sync.Mutex
	sessions map[string]string
}

func newFixture(t *testing.T, script string, opts Options) *fixture {
	t.Helper()
	tr, err := ipc.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if opts.GroupsDir == "" {
		opts.GroupsDir = t.TempDir()
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 2 * time.Second
	}

	f := &fixture{
		tr:       tr,
		outbound: make(chan string, 16),
		sessions: make(map[string]string),
	}
	runner := &agent.Runner{
		Command:   fakeAgent(t, script),
		Transport: tr,
		KillGrace: opts.KillGrace,
	}
	f.q = New(runner, tr, Hooks{
		ResolveChat: func(ctx context.Context, jid string) (ChatInfo, error) {
			return ChatInfo{JID: jid, Folder: "room-one", IsMain: jid == "web:main"}, nil
		},
		GetSession: func(ctx context.Context, folder string) (string, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.sessions[folder], nil
		},
		SetSession: func(ctx context.Context, folder, id string) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.sessions[folder] = id
			return nil
		},
		OnOutbound: func(jid, text string) { f.outbound <- text },
	}, opts)
	t.Cleanup(func() { f.q.Shutdown(3 * time.Second) })
	return f
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestMessageTurnDeliversResultAndSession(t *testing.T) {
	f := newFixture(t, `
read -r input
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"the answer","newSessionId":"sess-42"}'
echo '---NANOCLAW_OUTPUT_END---'
`, Options{})

	if err := f.q.EnqueueMessage("discord:123", "question"); err != nil {
		t.Fatalf("EnqueueMessage: %v", err)
	}

	select {
	case got := <-f.outbound:
		if got != "the answer" {
			t.Fatalf("outbound = %q, want the answer", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no outbound result")
	}

	waitFor(t, 3*time.Second, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.sessions["room-one"] == "sess-42"
	}, "session id not persisted")
}

func TestMessageWhileLivePipesIntoInbox(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "spawns")
	t.Setenv("SPAWN_MARKER", marker)

	// The agent records its spawn, then holds until a follow-up drop lands
	// in its inbox.
	f := newFixture(t, `
read -r input
echo spawn >> "$SPAWN_MARKER"
i=0
while [ $i -lt 200 ]; do
  if ls "$NANOCLAW_IPC_DIR"/*.json >/dev/null 2>&1; then break; fi
  sleep 0.02
  i=$((i+1))
done
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"saw follow-up"}'
echo '---NANOCLAW_OUTPUT_END---'
`, Options{})

	if err := f.q.EnqueueMessage("web:main", "first"); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, "agent never spawned")

	if err := f.q.EnqueueMessage("web:main", "second"); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	select {
	case got := <-f.outbound:
		if got != "saw follow-up" {
			t.Fatalf("outbound = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("agent never saw the piped message")
	}

	data, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(data); got != len("spawn\n") {
		t.Fatalf("marker = %q, want exactly one spawn", data)
	}
}

func TestTasksRunInOrderPerChat(t *testing.T) {
	f := newFixture(t, `read -r input`, Options{})

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	record := func(name string, last bool) TaskFunc {
		return func(ctx context.Context, sess *Session) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			if last {
				close(done)
			}
			return nil
		}
	}

	for i, name := range []string{"a", "b", "c"} {
		if err := f.q.EnqueueTask("discord:9", name, record(name, i == 2)); err != nil {
			t.Fatalf("EnqueueTask %s: %v", name, err)
		}
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("order = %v", order)
	}
}

func TestKillDropsQueuedItems(t *testing.T) {
	f := newFixture(t, `read -r input`, Options{})

	started := make(chan struct{})
	release := make(chan struct{})
	ran := make(chan string, 4)

	blocker := func(ctx context.Context, sess *Session) error {
		close(started)
		<-release
		ran <- "blocker"
		return nil
	}
	queued := func(ctx context.Context, sess *Session) error {
		ran <- "queued"
		return nil
	}

	if err := f.q.EnqueueTask("discord:7", "blocker", blocker); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := f.q.EnqueueTask("discord:7", "queued", queued); err != nil {
		t.Fatal(err)
	}

	f.q.Kill("discord:7")
	close(release)

	select {
	case name := <-ran:
		if name != "blocker" {
			t.Fatalf("ran %q, want blocker", name)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("blocker never finished")
	}

	select {
	case name := <-ran:
		t.Fatalf("dropped item %q still ran", name)
	case <-time.After(300 * time.Millisecond):
	}

	// The chat stays usable after a kill.
	ok := make(chan struct{})
	err := f.q.EnqueueTask("discord:7", "after", func(ctx context.Context, sess *Session) error {
		close(ok)
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue after kill: %v", err)
	}
	select {
	case <-ok:
	case <-time.After(3 * time.Second):
		t.Fatal("post-kill task did not run")
	}
}

func TestIdleTimeoutClosesAgent(t *testing.T) {
	// The agent produces nothing until asked to close, so only the idle
	// timer can end the session.
	f := newFixture(t, `
read -r input
i=0
while [ ! -f "$NANOCLAW_IPC_DIR/_close" ] && [ $i -lt 200 ]; do
  sleep 0.02
  i=$((i+1))
done
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"idled out"}'
echo '---NANOCLAW_OUTPUT_END---'
`, Options{IdleTimeout: 300 * time.Millisecond})

	if err := f.q.EnqueueMessage("web:main", "hello"); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-f.outbound:
		if got != "idled out" {
			t.Fatalf("outbound = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("idle timer never closed the agent")
	}
}
