package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// errNotMain marks operations reserved to the main chat.
func errNotMain(op string) error {
	return fmt.Errorf("only the main chat may %s", op)
}

func errFolderTaken(folder string) error {
	return fmt.Errorf("folder %q is already registered to another chat", folder)
}

// ErrUnknownChat is returned by host task scheduling for folders with no
// registered chat.
var ErrUnknownChat = errors.New("gateway: unknown chat")

// Host-target plugins run inside the gateway process; their services call
// the live components instead of writing IPC drops.

type hostIPC struct{ tr *ipc.Transport }

func (h hostIPC) ReadFile(rel string) ([]byte, error)     { return h.tr.ReadRaw(rel) }
func (h hostIPC) WriteFile(rel string, data []byte) error { return h.tr.WriteRaw(rel, data) }
func (h hostIPC) Drop(dir string, v any) error            { return h.tr.Write(dir, v) }

type hostMessages struct{ g *Gateway }

func (h hostMessages) SendMessage(ctx context.Context, jid, text string) error {
	return h.g.manager.Send(ctx, jid, text)
}

type hostTasks struct{ g *Gateway }

func (h hostTasks) Schedule(ctx context.Context, req plugins.ScheduleRequest) error {
	if req.TargetJID == "" {
		return fmt.Errorf("host schedule: target jid required")
	}
	chat, err := h.g.store.GetChat(ctx, req.TargetJID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownChat, req.TargetJID)
	}
	mode := req.ContextMode
	if mode == "" {
		mode = store.ContextGroup
	}
	_, err = h.g.scheduler.CreateTask(ctx, chat.Folder, chat.JID, req.Prompt, req.ScheduleType, req.ScheduleValue, mode)
	return err
}

func (h hostTasks) List(ctx context.Context, folder string) ([]plugins.TaskInfo, error) {
	tasks, err := h.g.store.ListTasks(ctx, folder)
	if err != nil {
		return nil, err
	}
	out := make([]plugins.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		info := plugins.TaskInfo{
			ID:            t.ID,
			Folder:        t.Folder,
			JID:           t.JID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
		}
		if t.NextRun != nil {
			info.NextRun = t.NextRun.UTC().Format(time.RFC3339)
		}
		if t.LastRun != nil {
			info.LastRun = t.LastRun.UTC().Format(time.RFC3339)
		}
		out = append(out, info)
	}
	return out, nil
}

func (h hostTasks) Pause(ctx context.Context, taskID string) error {
	return h.g.scheduler.PauseTask(ctx, taskID, h.g.cfg.MainFolder, true)
}

func (h hostTasks) Resume(ctx context.Context, taskID string) error {
	return h.g.scheduler.ResumeTask(ctx, taskID, h.g.cfg.MainFolder, true)
}

func (h hostTasks) Cancel(ctx context.Context, taskID string) error {
	return h.g.scheduler.CancelTask(ctx, taskID, h.g.cfg.MainFolder, true)
}

type hostGroups struct{ g *Gateway }

func (h hostGroups) Register(ctx context.Context, jid, name, folder, trigger string) error {
	return h.g.registerGroup(ctx, jid, name, folder, trigger)
}
