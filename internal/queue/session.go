package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// Session is a lane-scoped handle for spawning the agent. Both interactive
// turns and scheduled tasks go through it, so the one-agent-per-chat
// invariant is enforced in a single place.
type Session struct {
	q    *Queue
	lane *chatLane
}

// RunOpts configures one agent session on a lane.
type RunOpts struct {
	// IdleTimeout closes the session after this long without a streamed
	// result. Zero disables the idle close.
	IdleTimeout time.Duration
	// OnResult receives each non-empty streamed result as it arrives.
	OnResult func(text string)
	// Env entries appended to the agent's environment.
	Env []string
}

// Run spawns the agent for this session and blocks until it exits. The
// agent works inside the chat's folder and reads follow-up turns from the
// folder's IPC inbox. Returns an error if an agent is already live on the
// lane; the lane goroutine's serial execution makes that a bug, not a race.
func (s *Session) Run(ctx context.Context, input protocol.AgentInput, opts RunOpts) (*agent.Result, error) {
	workDir := filepath.Join(s.q.opts.GroupsDir, input.GroupFolder)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat dir: %w", err)
	}
	inbox := filepath.Join(input.GroupFolder, "input")

	s.lane.mu.Lock()
	if s.lane.current != nil {
		s.lane.mu.Unlock()
		return nil, fmt.Errorf("agent already running for %s", s.lane.jid)
	}
	s.lane.mu.Unlock()

	var idleMu sync.Mutex
	var idle *time.Timer

	proc, err := s.q.runner.Start(ctx, input, agent.StartOpts{
		WorkDir:  workDir,
		InboxDir: inbox,
		Env:      opts.Env,
		OnOutput: func(out protocol.AgentOutput) {
			idleMu.Lock()
			if idle != nil {
				idle.Reset(opts.IdleTimeout)
			}
			idleMu.Unlock()
			if opts.OnResult != nil && out.Result != nil && *out.Result != "" {
				opts.OnResult(*out.Result)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("spawn agent for %s: %w", s.lane.jid, err)
	}

	s.lane.mu.Lock()
	s.lane.current = proc
	s.lane.inbox = inbox
	s.lane.mu.Unlock()

	if s.q.hooks.OnAgentStart != nil {
		s.q.hooks.OnAgentStart(s.lane.jid, input.GroupFolder)
	}

	if opts.IdleTimeout > 0 {
		idleMu.Lock()
		idle = time.AfterFunc(opts.IdleTimeout, func() {
			_ = proc.CloseStdin()
		})
		idleMu.Unlock()
	}

	<-proc.Done()
	idleMu.Lock()
	if idle != nil {
		idle.Stop()
	}
	idleMu.Unlock()

	s.lane.mu.Lock()
	s.lane.current = nil
	s.lane.inbox = ""
	s.lane.mu.Unlock()

	if s.q.hooks.OnAgentStop != nil {
		s.q.hooks.OnAgentStop(s.lane.jid, input.GroupFolder)
	}

	return proc.Wait()
}
