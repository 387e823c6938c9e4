package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

func TestReadFrames(t *testing.T) {
	input := `starting up
---NANOCLAW_OUTPUT_START---
{"status":"success","result":"first","newSessionId":"s1"}
---NANOCLAW_OUTPUT_END---
some agent log line
---NANOCLAW_OUTPUT_START---
{"status":"success","result":null}
---NANOCLAW_OUTPUT_END---
---NANOCLAW_OUTPUT_START---
{not json
---NANOCLAW_OUTPUT_END---
`
	var frames []protocol.AgentOutput
	if err := readFrames(strings.NewReader(input), func(o protocol.AgentOutput) {
		frames = append(frames, o)
	}); err != nil {
		t.Fatalf("readFrames: %v", err)
	}

	if len(frames) != 2 {
		t.Fatalf("parsed %d frames, want 2 (bad frame skipped)", len(frames))
	}
	if frames[0].Result == nil || *frames[0].Result != "first" {
		t.Errorf("frame 0 result = %v, want first", frames[0].Result)
	}
	if frames[0].NewSessionID != "s1" {
		t.Errorf("frame 0 session = %q, want s1", frames[0].NewSessionID)
	}
	if frames[1].Result != nil {
		t.Errorf("frame 1 result = %v, want nil", frames[1].Result)
	}
}

// fakeAgent writes a shell script acting as the agent subprocess.
func fakeAgent(t *testing.T, script string) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return []string{"/bin/sh", path}
}

func newRunner(t *testing.T, script string) *Runner {
	t.Helper()
	tr, err := ipc.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return &Runner{
		Command:   fakeAgent(t, script),
		Transport: tr,
		KillGrace: 2 * time.Second,
	}
}

func TestStartStreamsAndAggregates(t *testing.T) {
	r := newRunner(t, `
read -r input
echo "got input: $input" >&2
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"hello there","newSessionId":"sess-9"}'
echo '---NANOCLAW_OUTPUT_END---'
`)

	var mu sync.Mutex
	var streamed []protocol.AgentOutput
	proc, err := r.Start(context.Background(), protocol.AgentInput{
		Prompt:      "hi",
		ChatJID:     "web:main",
		GroupFolder: "main",
	}, StartOpts{
		WorkDir:  t.TempDir(),
		InboxDir: "main/input",
		OnOutput: func(o protocol.AgentOutput) {
			mu.Lock()
			streamed = append(streamed, o)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Final == nil || res.Final.Result == nil || *res.Final.Result != "hello there" {
		t.Fatalf("final = %+v", res.Final)
	}
	if res.NewSessionID != "sess-9" {
		t.Errorf("session = %q, want sess-9", res.NewSessionID)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(streamed) != 1 {
		t.Fatalf("streamed %d frames, want 1", len(streamed))
	}
}

func TestErrorFrameIsTerminal(t *testing.T) {
	r := newRunner(t, `
read -r input
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"error","result":null,"error":"engine exploded"}'
echo '---NANOCLAW_OUTPUT_END---'
exit 1
`)

	proc, err := r.Start(context.Background(), protocol.AgentInput{ChatJID: "web:main"}, StartOpts{
		WorkDir:  t.TempDir(),
		InboxDir: "main/input",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = proc.Wait()
	if err == nil || !strings.Contains(err.Error(), "engine exploded") {
		t.Fatalf("Wait err = %v, want terminal agent error", err)
	}
}

func TestKillWritesSentinelThenWaitsGrace(t *testing.T) {
	// The fake agent exits as soon as the sentinel appears.
	r := newRunner(t, `
read -r input
i=0
while [ ! -f "$NANOCLAW_IPC_DIR/_close" ] && [ $i -lt 100 ]; do
  sleep 0.05
  i=$((i+1))
done
echo '---NANOCLAW_OUTPUT_START---'
echo '{"status":"success","result":"wrapped up"}'
echo '---NANOCLAW_OUTPUT_END---'
`)

	proc, err := r.Start(context.Background(), protocol.AgentInput{ChatJID: "web:main"}, StartOpts{
		WorkDir:  t.TempDir(),
		InboxDir: "main/input",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		proc.Kill(3 * time.Second)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Kill did not return")
	}

	res, err := proc.Wait()
	if err != nil {
		t.Fatalf("Wait after graceful close: %v", err)
	}
	if res.Final == nil || res.Final.Result == nil || *res.Final.Result != "wrapped up" {
		t.Fatalf("agent did not finish its turn before exit: %+v", res.Final)
	}
}
