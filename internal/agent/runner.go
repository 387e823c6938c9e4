// Package agent spawns and supervises the per-chat agent subprocess: stdin
// configuration, framed stdout streaming, and sentinel-then-kill teardown.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ErrAgentFailed is returned when the agent reports a terminal error or
// exits without producing any framed output.
var ErrAgentFailed = errors.New("agent run failed")

// Runner launches agent subprocesses. One Runner serves all chats; each
// Start call produces an independent Proc.
type Runner struct {
	// Command is the agent argv. Empty re-execs this binary with "agent".
	Command []string
	// Transport roots the per-chat IPC directories.
	Transport *ipc.Transport
	// KillGrace is the sentinel-to-SIGKILL window.
	KillGrace time.Duration
}

// StartOpts configures one agent spawn.
type StartOpts struct {
	// WorkDir is the chat folder the agent runs in.
	WorkDir string
	// InboxDir is the agent's IPC inbox, relative to the transport root.
	InboxDir string
	// Env entries appended to the inherited environment.
	Env []string
	// OnOutput is invoked for every framed payload, in emit order.
	OnOutput func(protocol.AgentOutput)
}

// Proc is one live agent subprocess.
type Proc struct {
	runner   *Runner
	cmd      *exec.Cmd
	inboxDir string

	done chan struct{}
	kill sync.Once

	mu      sync.Mutex
	final   *protocol.AgentOutput
	session string
	waitErr error
}

// Start spawns the agent, feeds it the input blob on stdin, and begins
// pumping framed stdout.
func (r *Runner) Start(ctx context.Context, input protocol.AgentInput, opts StartOpts) (*Proc, error) {
	argv := r.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve agent binary: %w", err)
		}
		argv = []string{self, "agent"}
	}

	inboxAbs, err := r.Transport.AbsDir(opts.InboxDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(),
		"NANOCLAW_IPC_DIR="+inboxAbs,
		"NANOCLAW_IPC_ROOT="+r.Transport.Root(),
	)
	cmd.Env = append(cmd.Env, opts.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("agent stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent: %w", err)
	}

	p := &Proc{
		runner:   r,
		cmd:      cmd,
		inboxDir: opts.InboxDir,
		done:     make(chan struct{}),
	}

	// Feed the configuration blob and close stdin; follow-up turns arrive
	// through the IPC inbox, not stdin.
	go func() {
		defer stdin.Close()
		if err := json.NewEncoder(stdin).Encode(input); err != nil {
			slog.Warn("agent: write input failed", "error", err)
		}
	}()

	// Stderr is the agent's own diagnostics.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("agent stderr", "jid", input.ChatJID, "line", sc.Text())
		}
	}()

	var pumpDone sync.WaitGroup
	pumpDone.Add(1)
	go func() {
		defer pumpDone.Done()
		err := readFrames(stdout, func(out protocol.AgentOutput) {
			p.mu.Lock()
			p.final = &out
			if out.NewSessionID != "" {
				p.session = out.NewSessionID
			}
			p.mu.Unlock()
			if opts.OnOutput != nil {
				opts.OnOutput(out)
			}
		})
		if err != nil {
			slog.Warn("agent: stdout pump error", "jid", input.ChatJID, "error", err)
		}
	}()

	go func() {
		pumpDone.Wait()
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(p.done)
	}()

	// Cancellation hard-stops the process through the usual grace path.
	go func() {
		select {
		case <-ctx.Done():
			p.Kill(r.KillGrace)
		case <-p.done:
		}
	}()

	return p, nil
}

// Done is closed when the process has exited and all output is consumed.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Result is the aggregated outcome of one agent session.
type Result struct {
	// Final is the last framed payload, nil if the agent emitted none.
	Final *protocol.AgentOutput
	// NewSessionID is the most recent session id the agent reported.
	NewSessionID string
}

// Wait blocks until the process exits and returns the aggregated result.
// A terminal error frame, a nonzero exit, or an empty session yields an
// error wrapping ErrAgentFailed.
func (p *Proc) Wait() (*Result, error) {
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()

	res := &Result{Final: p.final, NewSessionID: p.session}
	if p.final != nil && p.final.Status == protocol.StatusError {
		return res, fmt.Errorf("%w: %s", ErrAgentFailed, p.final.Error)
	}
	if p.final == nil {
		if p.waitErr != nil {
			return res, fmt.Errorf("%w: %v", ErrAgentFailed, p.waitErr)
		}
		return res, fmt.Errorf("%w: no output produced", ErrAgentFailed)
	}
	if p.waitErr != nil {
		slog.Warn("agent: exited nonzero after success frame", "error", p.waitErr)
	}
	return res, nil
}

// CloseStdin asks the agent to finish its current turn and exit by dropping
// the close sentinel into its inbox.
func (p *Proc) CloseStdin() error {
	return p.runner.Transport.WriteClose(p.inboxDir)
}

// Kill requests a graceful close, then terminates the process if it is
// still alive after the grace window. Safe to call more than once.
func (p *Proc) Kill(grace time.Duration) {
	p.kill.Do(func() {
		if err := p.CloseStdin(); err != nil {
			slog.Warn("agent: close sentinel write failed", "error", err)
		}
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
		slog.Warn("agent: grace expired, killing process")
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}
