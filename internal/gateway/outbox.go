package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/container"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
	"github.com/nextlevelbuilder/nanoclaw/pkg/protocol"
)

// drainOutboxes polls every registered chat's outbox and applies the drops.
// One bad drop is logged and skipped; the loop never stops on error.
func (g *Gateway) drainOutboxes(ctx context.Context) {
	ticker := time.NewTicker(ipc.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chats, err := g.store.ListChats(ctx)
			if err != nil {
				slog.Warn("outbox: chat listing failed", "error", err)
				continue
			}
			for _, c := range chats {
				g.drainOne(ctx, c)
			}
		}
	}
}

func (g *Gateway) drainOne(ctx context.Context, chat *store.Chat) {
	dir := filepath.Join(chat.Folder, container.OutboxDir)
	drops, _, err := g.transport.Drain(dir)
	if err != nil {
		slog.Warn("outbox: drain failed", "folder", chat.Folder, "error", err)
		return
	}
	for _, d := range drops {
		if err := g.applyDrop(ctx, chat, d); err != nil {
			slog.Error("outbox: drop rejected", "folder", chat.Folder, "type", d.Type, "file", d.Name, "error", err)
		}
	}
}

// applyDrop dispatches one agent IPC drop. This is the host's audit point:
// everything an agent does beyond replying passes through here.
func (g *Gateway) applyDrop(ctx context.Context, chat *store.Chat, d ipc.Drained) error {
	switch d.Type {
	case protocol.TypeMessage:
		var f protocol.MessageFile
		if err := json.Unmarshal(d.Raw, &f); err != nil {
			return err
		}
		jid := f.ChatJID
		if jid == "" {
			jid = chat.JID
		}
		if jid != chat.JID && chat.Folder != g.cfg.MainFolder {
			return errNotMain("send to another chat")
		}
		g.deliver(jid, f.Text)
		return nil

	case protocol.TypeVoiceMessage:
		var f protocol.VoiceMessageFile
		if err := json.Unmarshal(d.Raw, &f); err != nil {
			return err
		}
		jid := f.ChatJID
		if jid == "" {
			jid = chat.JID
		}
		if jid != chat.JID && chat.Folder != g.cfg.MainFolder {
			return errNotMain("send voice to another chat")
		}
		sendCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return g.manager.SendVoice(sendCtx, jid, f.AudioPath)

	case protocol.TypeScheduleTask:
		var f protocol.ScheduleTaskFile
		if err := json.Unmarshal(d.Raw, &f); err != nil {
			return err
		}
		if f.TargetJID != "" && f.TargetJID != chat.JID && chat.Folder != g.cfg.MainFolder {
			return errNotMain("schedule for another chat")
		}
		targetFolder := chat.Folder
		if f.TargetJID != "" && f.TargetJID != chat.JID {
			target, err := g.store.GetChat(ctx, f.TargetJID)
			if err != nil {
				return err
			}
			targetFolder = target.Folder
		}
		return g.scheduler.HandleScheduleFile(ctx, targetFolder, chat.JID, f)

	case protocol.TypePauseTask, protocol.TypeResumeTask, protocol.TypeCancelTask:
		var f protocol.TaskControlFile
		if err := json.Unmarshal(d.Raw, &f); err != nil {
			return err
		}
		// The drop's own claim is not trusted; scope comes from the chat
		// that owns the outbox.
		f.GroupFolder = chat.Folder
		f.IsMain = chat.Folder == g.cfg.MainFolder
		return g.scheduler.HandleControlFile(ctx, f)

	case protocol.TypeRegisterGroup:
		var f protocol.RegisterGroupFile
		if err := json.Unmarshal(d.Raw, &f); err != nil {
			return err
		}
		if chat.Folder != g.cfg.MainFolder {
			return errNotMain("register a chat")
		}
		return g.registerGroup(ctx, f.JID, f.Name, f.Folder, f.Trigger)

	default:
		slog.Warn("outbox: unknown drop type ignored", "type", d.Type, "file", d.Name)
		return nil
	}
}

// registerGroup attaches a chat. The folder must be unique; re-registering
// the same JID updates its settings.
func (g *Gateway) registerGroup(ctx context.Context, jid, name, folder, trigger string) error {
	if existing, err := g.store.GetChatByFolder(ctx, folder); err == nil && existing.JID != jid {
		return errFolderTaken(folder)
	}
	err := g.store.UpsertChat(ctx, &store.Chat{
		JID:             jid,
		DisplayName:     name,
		Folder:          folder,
		TriggerPattern:  trigger,
		RequiresTrigger: trigger != "",
	})
	if err != nil {
		return err
	}
	g.manager.InvalidateTrigger(jid)
	slog.Info("chat registered", "jid", jid, "folder", folder)
	return nil
}
