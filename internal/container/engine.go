package container

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"

	"github.com/nextlevelbuilder/nanoclaw/internal/tools"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// Reply is one turn's outcome from the engine.
type Reply struct {
	Text         string
	NewSessionID string
}

// ToolCaller runs one tool call on the engine's behalf.
type ToolCaller func(ctx context.Context, name string, args map[string]any) tools.Result

// Engine computes one assistant turn. The LLM stays an external
// collaborator behind this interface.
type Engine interface {
	Reply(ctx context.Context, input protocol.AgentInput, prompt string, specs []tools.Spec, call ToolCaller) (Reply, error)
}

// CommandEngine shells out to an external engine process, one process per
// turn. The request goes to the engine's stdin as one JSON line; the engine
// answers with JSON lines on stdout: any number of tool_call lines, each
// answered with a tool_result line on its stdin, then one final line.
type CommandEngine struct {
	Argv []string
}

type engineRequest struct {
	Prompt      string          `json:"prompt"`
	SessionID   string          `json:"sessionId,omitempty"`
	GroupFolder string          `json:"groupFolder"`
	ChatJID     string          `json:"chatJid"`
	IsMain      bool            `json:"isMain"`
	Tools       []tools.Spec    `json:"tools,omitempty"`
	TrustConfig json.RawMessage `json:"trustConfig,omitempty"`
}

type engineLine struct {
	// ToolCall is set on tool call lines.
	ToolCall *struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"tool_call,omitempty"`
	// Text and NewSessionID are set on the final line.
	Text         string `json:"text"`
	NewSessionID string `json:"newSessionId,omitempty"`
	Error        string `json:"error,omitempty"`
	Final        bool   `json:"final,omitempty"`
}

type toolResultLine struct {
	ToolResult tools.Result `json:"tool_result"`
}

func (e *CommandEngine) Reply(ctx context.Context, input protocol.AgentInput, prompt string, specs []tools.Spec, call ToolCaller) (Reply, error) {
	if len(e.Argv) == 0 {
		return Reply{}, fmt.Errorf("no engine command configured")
	}

	cmd := exec.CommandContext(ctx, e.Argv[0], e.Argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Reply{}, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Reply{}, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return Reply{}, fmt.Errorf("spawn engine: %w", err)
	}
	defer cmd.Wait()

	req := engineRequest{
		Prompt:      prompt,
		SessionID:   input.SessionID,
		GroupFolder: input.GroupFolder,
		ChatJID:     input.ChatJID,
		IsMain:      input.IsMain,
		Tools:       specs,
		TrustConfig: input.TrustConfig,
	}
	if err := json.NewEncoder(stdin).Encode(req); err != nil {
		stdin.Close()
		return Reply{}, fmt.Errorf("write engine request: %w", err)
	}

	reply, err := e.converse(ctx, stdin, stdout, call)
	stdin.Close()
	if err != nil {
		return Reply{}, err
	}
	return reply, nil
}

// converse answers tool calls until the engine's final line arrives.
func (e *CommandEngine) converse(ctx context.Context, stdin io.Writer, stdout io.Reader, call ToolCaller) (Reply, error) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	enc := json.NewEncoder(stdin)

	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var line engineLine
		if err := json.Unmarshal(sc.Bytes(), &line); err != nil {
			slog.Debug("engine: non-protocol line ignored", "line", sc.Text())
			continue
		}
		switch {
		case line.ToolCall != nil:
			res := call(ctx, line.ToolCall.Name, line.ToolCall.Args)
			if err := enc.Encode(toolResultLine{ToolResult: res}); err != nil {
				return Reply{}, fmt.Errorf("write tool result: %w", err)
			}
		case line.Error != "":
			return Reply{}, fmt.Errorf("engine: %s", line.Error)
		case line.Final || line.Text != "":
			return Reply{Text: line.Text, NewSessionID: line.NewSessionID}, nil
		}
	}
	if err := sc.Err(); err != nil {
		return Reply{}, fmt.Errorf("read engine output: %w", err)
	}
	return Reply{}, fmt.Errorf("engine exited without a final reply")
}
