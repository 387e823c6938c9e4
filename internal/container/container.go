// Package container is the agent-subprocess side of nanoclaw: it reads the
// input blob on stdin, loads the container-target plugins, answers turns
// through a ReplyEngine, and emits framed results on stdout until the close
// sentinel arrives in its IPC inbox.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// Options configures one container run.
type Options struct {
	// IPCRoot and InboxDir come from the host's environment variables.
	IPCRoot  string
	InboxDir string
	// PluginDirs are scanned for container-target plugins.
	PluginDirs []string
	Engine     Engine
	// Stdin and Stdout default to the process streams.
	Stdin  io.Reader
	Stdout io.Writer
}

// Run executes the agent loop until the inbox close sentinel or a fatal
// error. Every outcome is reported as a framed AgentOutput on stdout.
func Run(ctx context.Context, opts Options) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}

	var input protocol.AgentInput
	if err := json.NewDecoder(opts.Stdin).Decode(&input); err != nil {
		return fmt.Errorf("read agent input: %w", err)
	}

	tr, err := ipc.New(opts.IPCRoot)
	if err != nil {
		return err
	}

	reg := plugins.NewRegistry(plugins.TargetContainer, slog.Default(), nil, nil, newServices(tr, input))
	if err := reg.LoadFrom(ctx, opts.PluginDirs); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	defer reg.UnloadAll(context.Background())

	disp := tools.New(reg)
	fw := &frameWriter{w: opts.Stdout}
	scope := tools.Scope{JID: input.ChatJID, Folder: input.GroupFolder, IsMain: input.IsMain}
	call := func(ctx context.Context, name string, args map[string]any) tools.Result {
		return disp.Invoke(ctx, name, scope, args)
	}

	// First turn comes from stdin; later turns from the IPC inbox.
	session := input.SessionID
	turn := func(prompt string) error {
		in := input
		in.SessionID = session
		reply, err := opts.Engine.Reply(ctx, in, prompt, disp.Specs(), call)
		if err != nil {
			fw.write(protocol.AgentOutput{Status: protocol.StatusError, Error: err.Error()})
			return err
		}
		if reply.NewSessionID != "" {
			session = reply.NewSessionID
		}
		out := protocol.AgentOutput{Status: protocol.StatusSuccess, NewSessionID: session}
		if reply.Text != "" {
			out.Result = &reply.Text
		}
		fw.write(out)
		return nil
	}

	if err := turn(input.Prompt); err != nil {
		return err
	}

	// Inbox loop: each drained message file is a follow-up turn. Turn
	// failures end the session; the host decides whether to respawn.
	inboxRel, err := filepath.Rel(tr.Root(), opts.InboxDir)
	if err != nil || filepath.IsAbs(inboxRel) {
		inboxRel = opts.InboxDir
	}

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()

	var turnErr error
	tr.Watch(watchCtx, inboxRel, func(d ipc.Drained) {
		if turnErr != nil {
			return
		}
		if d.Type != protocol.TypeMessage {
			slog.Debug("container: ignoring non-message drop", "type", d.Type, "file", d.Name)
			return
		}
		var msg protocol.MessageFile
		if err := json.Unmarshal(d.Raw, &msg); err != nil {
			slog.Warn("container: bad message drop", "file", d.Name, "error", err)
			return
		}
		if err := turn(msg.Text); err != nil {
			turnErr = err
			stop()
		}
	}, func() {
		slog.Info("container: close sentinel received")
	})
	return turnErr
}

// frameWriter emits framed AgentOutput payloads, serializing writers.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) write(out protocol.AgentOutput) {
	data, err := json.Marshal(out)
	if err != nil {
		slog.Error("container: frame encode failed", "error", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	fmt.Fprintln(f.w, protocol.OutputStartMarker)
	f.w.Write(data)
	fmt.Fprintln(f.w)
	fmt.Fprintln(f.w, protocol.OutputEndMarker)
}
