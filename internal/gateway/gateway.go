// Package gateway wires the host process together: store, event bus, IPC
// transport, per-chat queues, scheduler, plugin registry, and the chat
// channels. It owns the outbox drain loop that applies agent IPC drops.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/agent"
	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/discord"
	"github.com/nextlevelbuilder/nanoclaw/internal/channels/web"
	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/ipc"
	"github.com/nextlevelbuilder/nanoclaw/internal/plugins"
	"github.com/nextlevelbuilder/nanoclaw/internal/queue"
	"github.com/nextlevelbuilder/nanoclaw/internal/scheduler"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// Gateway is the assembled host.
type Gateway struct {
	cfg       *config.Config
	store     *store.Store
	eventBus  *bus.Bus
	transport *ipc.Transport
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	registry  *plugins.Registry
	manager   *channels.Manager
	discord   *discord.Channel
}

// New assembles a Gateway from configuration. Nothing is connected yet;
// Run starts the loops.
func New(cfg *config.Config) (*Gateway, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	tr, err := ipc.New(cfg.IPCRoot())
	if err != nil {
		st.Close()
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		store:     st,
		eventBus:  bus.New(cfg.HandlerTimeout()),
		transport: tr,
	}

	runner := &agent.Runner{
		Command:   cfg.Agent.Command,
		Transport: tr,
		KillGrace: cfg.KillGrace(),
	}

	g.queue = queue.New(runner, tr, queue.Hooks{
		ResolveChat: g.resolveChatInfo,
		GetSession:  g.getSession,
		SetSession:  g.setSession,
		OnOutbound:  g.deliver,
		OnAgentStart: func(jid, folder string) {
			g.eventBus.Emit(context.Background(), bus.EventContainerStart, bus.ContainerEvent{JID: jid, Folder: folder})
		},
		OnAgentStop: func(jid, folder string) {
			g.eventBus.Emit(context.Background(), bus.EventContainerStop, bus.ContainerEvent{JID: jid, Folder: folder})
		},
	}, queue.Options{
		GroupsDir:   cfg.GroupsDir(),
		IdleTimeout: cfg.IdleTimeout(),
		KillGrace:   cfg.KillGrace(),
	})

	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		slog.Warn("invalid timezone, using UTC", "timezone", cfg.Scheduler.Timezone, "error", err)
		loc = time.UTC
	}
	g.scheduler = scheduler.New(st, g.queue, tr, g.eventBus, scheduler.Hooks{
		GetSession: g.getSession,
		SetSession: g.setSession,
		Notify:     g.deliver,
	}, scheduler.Options{
		PollInterval:    cfg.PollInterval(),
		Timezone:        loc,
		TaskIdleTimeout: cfg.TaskIdleTimeout(),
		MaxRetries:      cfg.Scheduler.MaxRetries,
	})

	g.manager = channels.NewManager(g.eventBus, channels.Hooks{
		ResolveChat:    func(ctx context.Context, jid string) (*store.Chat, error) { return st.GetChat(ctx, jid) },
		OnUnregistered: g.autoRegister,
		OnMessage:      g.onInbound,
		AgentLive:      g.queue.Running,
	})

	if cfg.Channels.Discord.Enabled {
		g.discord = discord.New(cfg.Channels.Discord.Token, cfg.Channels.Discord.OwnerID, g.manager.Inbound)
		g.manager.Register(g.discord)
	}
	if cfg.Channels.Web.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Channels.Web.Host, cfg.Channels.Web.Port)
		g.manager.Register(web.New(addr, g.manager.Inbound))
	}

	// Host-target plugins get direct service implementations; they run in
	// this process and may touch the scheduler and channels.
	g.registry = plugins.NewRegistry(plugins.TargetHost, slog.Default(), g.eventBus, nil, plugins.Services{
		IPC:      hostIPC{tr},
		Messages: hostMessages{g},
		Tasks:    hostTasks{g},
		Groups:   hostGroups{g},
	})

	return g, nil
}

// Run connects the channels and blocks until ctx is cancelled, then shuts
// everything down in reverse order.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.registry.LoadFrom(ctx, g.cfg.Plugins.Dirs); err != nil {
		return fmt.Errorf("load host plugins: %w", err)
	}

	if err := g.registerWebMain(ctx); err != nil {
		return err
	}
	if err := g.manager.ConnectAll(ctx); err != nil {
		return err
	}

	go g.scheduler.Run(ctx)
	go g.drainOutboxes(ctx)

	slog.Info("nanoclaw gateway running", "data", g.cfg.DataDir)
	<-ctx.Done()

	slog.Info("shutting down")
	g.queue.Shutdown(2 * g.cfg.KillGrace())
	g.registry.UnloadAll(context.Background())
	g.manager.DisconnectAll()
	return g.store.Close()
}

// registerWebMain pre-registers the dashboard chat. With Discord disabled
// it becomes the main chat, otherwise it gets its own folder.
func (g *Gateway) registerWebMain(ctx context.Context) error {
	if !g.cfg.Channels.Web.Enabled {
		return nil
	}
	if _, err := g.store.GetChat(ctx, web.MainJID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	folder := "dashboard"
	if !g.cfg.Channels.Discord.Enabled {
		folder = g.cfg.MainFolder
	}
	return g.store.UpsertChat(ctx, &store.Chat{
		JID:         web.MainJID,
		DisplayName: "Dashboard",
		Folder:      folder,
	})
}

func (g *Gateway) resolveChatInfo(ctx context.Context, jid string) (queue.ChatInfo, error) {
	c, err := g.store.GetChat(ctx, jid)
	if err != nil {
		return queue.ChatInfo{}, err
	}
	return queue.ChatInfo{JID: c.JID, Folder: c.Folder, IsMain: c.Folder == g.cfg.MainFolder}, nil
}

func (g *Gateway) getSession(ctx context.Context, folder string) (string, error) {
	return g.store.GetSession(ctx, folder)
}

func (g *Gateway) setSession(ctx context.Context, folder, id string) error {
	return g.store.SetSession(ctx, folder, id)
}

// deliver routes an outbound text to its channel; failures are logged, not
// propagated, so one dead channel cannot wedge a queue lane.
func (g *Gateway) deliver(jid, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.manager.Send(ctx, jid, text); err != nil {
		slog.Error("outbound delivery failed", "jid", jid, "error", err)
	}
}

// autoRegister handles messages from unregistered chats: the owner's DM
// becomes the main chat on first contact.
func (g *Gateway) autoRegister(ctx context.Context, msg bus.InboundMessage) (bool, error) {
	if g.discord == nil || !g.discord.IsOwnerDM(msg) {
		return false, nil
	}
	err := g.store.UpsertChat(ctx, &store.Chat{
		JID:         msg.JID,
		DisplayName: "Owner DM",
		Folder:      g.cfg.MainFolder,
	})
	if err != nil {
		return false, err
	}
	slog.Info("owner DM registered as main chat", "jid", msg.JID)
	return true, nil
}

// onInbound enqueues an accepted message for its chat's agent.
func (g *Gateway) onInbound(_ context.Context, chat *store.Chat, msg bus.InboundMessage) {
	prompt := msg.Content
	if msg.SenderName != "" {
		prompt = fmt.Sprintf("%s: %s", msg.SenderName, msg.Content)
	}
	if err := g.queue.EnqueueMessage(chat.JID, prompt); err != nil {
		slog.Error("enqueue inbound failed", "jid", chat.JID, "error", err)
	}
}
