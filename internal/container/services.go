package container

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// OutboxDir is the per-folder subdirectory the host drains for agent drops.
const OutboxDir = "outbox"

// newServices builds the plugin services for one agent run. Every
// host-affecting operation becomes an IPC drop into the folder's outbox;
// nothing here talks to the network or the store directly.
func newServices(tr *ipc.Transport, input protocol.AgentInput) plugins.Services {
	base := ipcBase{tr: tr, folder: input.GroupFolder, jid: input.ChatJID, isMain: input.IsMain}
	return plugins.Services{
		IPC:      ipcFiles{base},
		Messages: ipcMessages{base},
		Tasks:    ipcTasks{base},
		Groups:   ipcGroups{base},
	}
}

type ipcBase struct {
	tr     *ipc.Transport
	folder string
	jid    string
	isMain bool
}

func (b ipcBase) outbox() string { return filepath.Join(b.folder, OutboxDir) }

func stamp() string { return time.Now().UTC().Format(time.RFC3339) }

// ipcFiles scopes raw file access to the folder's IPC directory.
type ipcFiles struct{ ipcBase }

func (s ipcFiles) ReadFile(rel string) ([]byte, error) {
	return s.tr.ReadRaw(filepath.Join(s.folder, rel))
}

func (s ipcFiles) WriteFile(rel string, data []byte) error {
	return s.tr.WriteRaw(filepath.Join(s.folder, rel), data)
}

func (s ipcFiles) Drop(dir string, v any) error {
	return s.tr.Write(filepath.Join(s.folder, dir), v)
}

type ipcMessages struct{ ipcBase }

func (s ipcMessages) SendMessage(_ context.Context, jid, text string) error {
	return s.tr.Write(s.outbox(), protocol.MessageFile{
		Type:        protocol.TypeMessage,
		ChatJID:     jid,
		Text:        text,
		GroupFolder: s.folder,
		Timestamp:   stamp(),
	})
}

type ipcTasks struct{ ipcBase }

func (s ipcTasks) Schedule(_ context.Context, req plugins.ScheduleRequest) error {
	return s.tr.Write(s.outbox(), protocol.ScheduleTaskFile{
		Type:          protocol.TypeScheduleTask,
		Prompt:        req.Prompt,
		ScheduleType:  req.ScheduleType,
		ScheduleValue: req.ScheduleValue,
		ContextMode:   req.ContextMode,
		TargetJID:     req.TargetJID,
		CreatedBy:     req.CreatedBy,
		Timestamp:     stamp(),
	})
}

// List reads the host-written task snapshot. The snapshot is refreshed
// before every scheduled run and on registration changes, so it may trail
// live state by at most one run.
func (s ipcTasks) List(_ context.Context, _ string) ([]plugins.TaskInfo, error) {
	data, err := s.tr.ReadRaw(filepath.Join(s.folder, protocol.TaskSnapshotFile))
	if err != nil {
		return nil, nil // no snapshot yet means no visible tasks
	}
	var snap protocol.TaskSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse task snapshot: %w", err)
	}
	out := make([]plugins.TaskInfo, 0, len(snap.Tasks))
	for _, t := range snap.Tasks {
		out = append(out, plugins.TaskInfo{
			ID:            t.ID,
			Folder:        t.Folder,
			JID:           t.JID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			ContextMode:   t.ContextMode,
			Status:        t.Status,
			NextRun:       t.NextRun,
			LastRun:       t.LastRun,
		})
	}
	return out, nil
}

func (s ipcTasks) control(typ, taskID string) error {
	return s.tr.Write(s.outbox(), protocol.TaskControlFile{
		Type:        typ,
		TaskID:      taskID,
		GroupFolder: s.folder,
		IsMain:      s.isMain,
		Timestamp:   stamp(),
	})
}

func (s ipcTasks) Pause(_ context.Context, taskID string) error {
	return s.control(protocol.TypePauseTask, taskID)
}

func (s ipcTasks) Resume(_ context.Context, taskID string) error {
	return s.control(protocol.TypeResumeTask, taskID)
}

func (s ipcTasks) Cancel(_ context.Context, taskID string) error {
	return s.control(protocol.TypeCancelTask, taskID)
}

type ipcGroups struct{ ipcBase }

func (s ipcGroups) Register(_ context.Context, jid, name, folder, trigger string) error {
	return s.tr.Write(s.outbox(), protocol.RegisterGroupFile{
		Type:      protocol.TypeRegisterGroup,
		JID:       jid,
		Name:      name,
		Folder:    folder,
		Trigger:   trigger,
		Timestamp: stamp(),
	})
}
