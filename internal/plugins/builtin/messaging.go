package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
)

// MessagingPlugin exposes send_message for delivering text to a chat other
// than the one the agent is answering in.
type MessagingPlugin struct{}

var sendMessageSchema = json.RawMessage(`{
	"type": "object",
	"required": ["text"],
	"properties": {
		"jid": {"type": "string"},
		"text": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`)

func (p *MessagingPlugin) Tools() []plugins.Tool {
	return []plugins.Tool{
		{
			Name:        "send_message",
			Description: "Send a text message to a chat. Omit jid to send to the current chat.",
			Schema:      sendMessageSchema,
			Handler:     p.sendMessage,
		},
	}
}

func (p *MessagingPlugin) sendMessage(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	jid := stringArg(args, "jid")
	if jid == "" {
		jid = tc.JID
	}
	if jid != tc.JID && !tc.IsMain {
		return "", fmt.Errorf("only the main chat may message other chats")
	}
	if err := tc.Messages.SendMessage(ctx, jid, stringArg(args, "text")); err != nil {
		return "", err
	}
	return fmt.Sprintf("Message sent to %s.", jid), nil
}
