package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
)

// GroupsPlugin exposes register_group, which attaches a chat to the
// assistant with its own working folder.
type GroupsPlugin struct{}

var registerGroupSchema = json.RawMessage(`{
	"type": "object",
	"required": ["jid", "folder"],
	"properties": {
		"jid": {"type": "string", "minLength": 1},
		"name": {"type": "string"},
		"folder": {"type": "string", "pattern": "^[a-z0-9][a-z0-9-]*$"},
		"trigger": {"type": "string"}
	},
	"additionalProperties": false
}`)

func (p *GroupsPlugin) Tools() []plugins.Tool {
	return []plugins.Tool{
		{
			Name:        "register_group",
			Description: "Register a chat so the assistant answers in it. Requires a unique folder name; an optional trigger pattern gates responses.",
			Schema:      registerGroupSchema,
			Handler:     p.registerGroup,
		},
	}
}

func (p *GroupsPlugin) registerGroup(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	if !tc.IsMain {
		return "", fmt.Errorf("only the main chat may register new chats")
	}
	jid := stringArg(args, "jid")
	folder := stringArg(args, "folder")
	if err := tc.Groups.Register(ctx, jid, stringArg(args, "name"), folder, stringArg(args, "trigger")); err != nil {
		return "", err
	}
	return fmt.Sprintf("Registered %s as %s.", jid, folder), nil
}
