package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
)

// SchedulerPlugin exposes the task management tools. All mutations go
// through the gated TasksService, so inside the agent they become IPC drops
// the host applies.
type SchedulerPlugin struct{}

var scheduleTaskSchema = json.RawMessage(`{
	"type": "object",
	"required": ["prompt", "schedule_type", "schedule_value"],
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"schedule_type": {"enum": ["cron", "interval", "once"]},
		"schedule_value": {"type": "string"},
		"context_mode": {"enum": ["group", "isolated"]},
		"target_jid": {"type": "string"}
	},
	"additionalProperties": false
}`)

var taskIDSchema = json.RawMessage(`{
	"type": "object",
	"required": ["task_id"],
	"properties": {
		"task_id": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`)

func (p *SchedulerPlugin) Tools() []plugins.Tool {
	return []plugins.Tool{
		{
			Name:        "schedule_task",
			Description: "Create a recurring or one-shot task that runs a prompt in this chat on a cron, interval (milliseconds), or once schedule.",
			Schema:      scheduleTaskSchema,
			Handler:     p.scheduleTask,
		},
		{
			Name:        "list_tasks",
			Description: "List the scheduled tasks for this chat (all chats when invoked from the main chat).",
			Handler:     p.listTasks,
		},
		{
			Name:        "pause_task",
			Description: "Pause a scheduled task by id.",
			Schema:      taskIDSchema,
			Handler:     p.pauseTask,
		},
		{
			Name:        "resume_task",
			Description: "Resume a paused or errored task by id.",
			Schema:      taskIDSchema,
			Handler:     p.resumeTask,
		},
		{
			Name:        "cancel_task",
			Description: "Cancel and delete a scheduled task by id.",
			Schema:      taskIDSchema,
			Handler:     p.cancelTask,
		},
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func (p *SchedulerPlugin) scheduleTask(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	req := plugins.ScheduleRequest{
		Prompt:        stringArg(args, "prompt"),
		ScheduleType:  stringArg(args, "schedule_type"),
		ScheduleValue: stringArg(args, "schedule_value"),
		ContextMode:   stringArg(args, "context_mode"),
		TargetJID:     stringArg(args, "target_jid"),
		CreatedBy:     tc.Folder,
	}
	if req.TargetJID != "" && !tc.IsMain {
		return "", fmt.Errorf("only the main chat may schedule tasks for other chats")
	}
	if err := tc.Tasks.Schedule(ctx, req); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task scheduled (%s %s).", req.ScheduleType, req.ScheduleValue), nil
}

func (p *SchedulerPlugin) listTasks(ctx context.Context, tc *plugins.ToolContext, _ map[string]any) (string, error) {
	folder := tc.Folder
	if tc.IsMain {
		folder = "" // main sees every chat's tasks
	}
	tasks, err := tc.Tasks.List(ctx, folder)
	if err != nil {
		return "", err
	}
	if len(tasks) == 0 {
		return "No scheduled tasks.", nil
	}
	var b strings.Builder
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s [%s] %s %s (%s)", t.ID, t.Status, t.ScheduleType, t.ScheduleValue, t.Prompt)
		if t.NextRun != "" {
			fmt.Fprintf(&b, " next %s", t.NextRun)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (p *SchedulerPlugin) pauseTask(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	id := stringArg(args, "task_id")
	if err := tc.Tasks.Pause(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s paused.", id), nil
}

func (p *SchedulerPlugin) resumeTask(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	id := stringArg(args, "task_id")
	if err := tc.Tasks.Resume(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s resumed.", id), nil
}

func (p *SchedulerPlugin) cancelTask(ctx context.Context, tc *plugins.ToolContext, args map[string]any) (string, error) {
	id := stringArg(args, "task_id")
	if err := tc.Tasks.Cancel(ctx, id); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s cancelled.", id), nil
}
