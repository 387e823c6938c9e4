// Package queue serializes all agent work per chat. One lazily-started
// goroutine per JID consumes work items in strict FIFO order; different JIDs
// run fully in parallel. The queue exclusively owns the agent subprocess for
// its chat and the subprocess's IPC inbox.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// ErrQueueClosed is returned when enqueueing after shutdown or kill.
var ErrQueueClosed = errors.New("queue: closed")

// workBuffer bounds pending items per chat.
const workBuffer = 64

// ChatInfo is what the queue needs to know about a registered chat.
type ChatInfo struct {
	JID    string
	Folder string
	IsMain bool
}

// Hooks are the queue's collaborators, injected by the gateway.
type Hooks struct {
	// ResolveChat maps a JID to its registered chat.
	ResolveChat func(ctx context.Context, jid string) (ChatInfo, error)
	// GetSession returns the folder's resumable session id ("" if none).
	GetSession func(ctx context.Context, folder string) (string, error)
	// SetSession persists a new session id for a folder.
	SetSession func(ctx context.Context, folder, sessionID string) error
	// OnOutbound delivers a streamed agent result to the owning channel.
	OnOutbound func(jid, text string)
	// OnAgentStart/Stop observe subprocess lifecycle (event bus, metrics).
	OnAgentStart func(jid, folder string)
	OnAgentStop  func(jid, folder string)
}

// Options configures a Queue.
type Options struct {
	GroupsDir   string        // root of per-chat working directories
	IdleTimeout time.Duration // interactive idle-close window
	KillGrace   time.Duration // sentinel-to-SIGKILL window
}

// Queue owns all per-chat lanes.
type Queue struct {
	runner *agent.Runner
	tr     *ipc.Transport
	hooks  Hooks
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	chats map[string]*chatLane
}

// New creates a Queue. Lanes start on first enqueue.
func New(runner *agent.Runner, tr *ipc.Transport, hooks Hooks, opts Options) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		runner: runner,
		tr:     tr,
		hooks:  hooks,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		chats:  make(map[string]*chatLane),
	}
}

type itemKind int

const (
	itemMessage itemKind = iota
	itemTask
)

type workItem struct {
	kind   itemKind
	prompt string
	taskID string
	run    TaskFunc
}

// TaskFunc is scheduled work executed on the chat's lane. It receives a
// Session handle for spawning the agent under this lane's ownership.
type TaskFunc func(ctx context.Context, sess *Session) error

// chatLane is the per-JID state: the FIFO channel, its consumer goroutine,
// and the currently running agent (if any).
type chatLane struct {
	jid  string
	work chan workItem

	mu      sync.Mutex
	current *agent.Proc // non-nil while an agent subprocess is live
	inbox   string      // current agent's IPC inbox (relative to transport root)
	closed  bool
}

func (q *Queue) lane(jid string) *chatLane {
	q.mu.Lock()
	defer q.mu.Unlock()

	if l, ok := q.chats[jid]; ok {
		return l
	}
	l := &chatLane{jid: jid, work: make(chan workItem, workBuffer)}
	q.chats[jid] = l
	q.wg.Add(1)
	go q.runLane(l)
	return l
}

// runLane consumes one chat's work items in order.
func (q *Queue) runLane(l *chatLane) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			l.drain("shutdown")
			return
		case it, ok := <-l.work:
			if !ok {
				return
			}
			switch it.kind {
			case itemMessage:
				if err := q.runMessageTurn(l, it.prompt); err != nil {
					slog.Error("queue: message turn failed", "jid", l.jid, "error", err)
				}
			case itemTask:
				sess := &Session{q: q, lane: l}
				if err := it.run(q.ctx, sess); err != nil {
					slog.Error("queue: task run failed", "jid", l.jid, "task", it.taskID, "error", err)
				}
			}
		}
	}
}

// drain drops queued items, logging each as cancelled.
func (l *chatLane) drain(reason string) {
	for {
		select {
		case it := <-l.work:
			slog.Warn("queue: dropping queued item", "jid", l.jid, "reason", reason, "task", it.taskID)
		default:
			return
		}
	}
}

// EnqueueMessage submits interactive inbound text. If an agent is already
// running for the JID, the text is piped into its IPC inbox immediately
// instead of waiting behind the in-flight turn.
func (q *Queue) EnqueueMessage(jid, text string) error {
	l := q.lane(jid)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrQueueClosed
	}
	if l.current != nil {
		inbox := l.inbox
		l.mu.Unlock()
		slog.Debug("queue: piping message into live agent", "jid", jid)
		return q.tr.Write(inbox, protocol.MessageFile{
			Type:      protocol.TypeMessage,
			ChatJID:   jid,
			Text:      text,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
	l.mu.Unlock()

	select {
	case l.work <- workItem{kind: itemMessage, prompt: text}:
		return nil
	default:
		return fmt.Errorf("queue: chat %s backlog full", jid)
	}
}

// EnqueueTask submits scheduled work. Tasks wait for any in-flight
// interactive session to close before running, and run in enqueue order.
func (q *Queue) EnqueueTask(jid, taskID string, run TaskFunc) error {
	l := q.lane(jid)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrQueueClosed
	}
	l.mu.Unlock()

	select {
	case l.work <- workItem{kind: itemTask, taskID: taskID, run: run}:
		return nil
	default:
		return fmt.Errorf("queue: chat %s backlog full", jid)
	}
}

// Running reports whether an agent subprocess is currently live for the JID.
func (q *Queue) Running(jid string) bool {
	q.mu.Lock()
	l := q.chats[jid]
	q.mu.Unlock()
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current != nil
}

// CloseStdin asks the chat's running agent (if any) to finish and exit.
func (q *Queue) CloseStdin(jid string) error {
	q.mu.Lock()
	l := q.chats[jid]
	q.mu.Unlock()
	if l == nil {
		return nil
	}
	l.mu.Lock()
	proc := l.current
	l.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.CloseStdin()
}

// Kill hard-aborts a chat: the running agent gets the sentinel-then-kill
// treatment and all queued items are dropped with a cancellation log.
func (q *Queue) Kill(jid string) {
	q.mu.Lock()
	l := q.chats[jid]
	q.mu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	l.closed = true
	proc := l.current
	l.mu.Unlock()

	l.drain("killed")
	if proc != nil {
		proc.Kill(q.opts.KillGrace)
	}

	l.mu.Lock()
	l.closed = false // chat stays usable for future work
	l.mu.Unlock()
}

// Shutdown stops all lanes and waits for them to finish current work.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.mu.Lock()
	for _, l := range q.chats {
		l.mu.Lock()
		if l.current != nil {
			// Graceful close; the lane goroutine observes the exit.
			_ = l.current.CloseStdin()
		}
		l.mu.Unlock()
	}
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("queue: shutdown timed out, killing agents")
		q.mu.Lock()
		for _, l := range q.chats {
			l.mu.Lock()
			if l.current != nil {
				l.current.Kill(0)
			}
			l.mu.Unlock()
		}
		q.mu.Unlock()
	}
}

// runMessageTurn spawns the chat's agent for one interactive session and
// blocks until it exits. Enqueue already piped the text if an agent was live.
func (q *Queue) runMessageTurn(l *chatLane, prompt string) error {
	info, err := q.hooks.ResolveChat(q.ctx, l.jid)
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	sessionID := ""
	if q.hooks.GetSession != nil {
		if sessionID, err = q.hooks.GetSession(q.ctx, info.Folder); err != nil {
			slog.Warn("queue: session lookup failed, starting fresh", "folder", info.Folder, "error", err)
			sessionID = ""
		}
	}

	input := protocol.AgentInput{
		Prompt:      prompt,
		SessionID:   sessionID,
		GroupFolder: info.Folder,
		ChatJID:     l.jid,
		IsMain:      info.IsMain,
	}

	sess := &Session{q: q, lane: l}
	res, err := sess.Run(q.ctx, input, RunOpts{
		IdleTimeout: q.opts.IdleTimeout,
		OnResult: func(text string) {
			if q.hooks.OnOutbound != nil {
				q.hooks.OnOutbound(l.jid, text)
			}
		},
	})
	if err != nil {
		return err
	}

	if res.NewSessionID != "" && q.hooks.SetSession != nil {
		if err := q.hooks.SetSession(q.ctx, info.Folder, res.NewSessionID); err != nil {
			slog.Warn("queue: session persist failed", "folder", info.Folder, "error", err)
		}
	}
	return nil
}
