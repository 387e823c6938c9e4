package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

// ErrNoRoute is returned when no connected channel owns a JID.
var ErrNoRoute = errors.New("channels: no channel owns jid")

// ChatResolver looks up a registered chat by JID.
type ChatResolver func(ctx context.Context, jid string) (*store.Chat, error)

// Hooks are the manager's callbacks into the core.
type Hooks struct {
	ResolveChat ChatResolver
	// OnUnregistered may register a chat on the fly (owner DM). Returning
	// true asks the manager to re-resolve and continue.
	OnUnregistered func(ctx context.Context, msg bus.InboundMessage) (bool, error)
	// OnMessage receives every accepted inbound message with its chat.
	OnMessage func(ctx context.Context, chat *store.Chat, msg bus.InboundMessage)
	// AgentLive reports whether an agent is currently running for the JID.
	// While one is, follow-ups flow to it regardless of the trigger gate.
	AgentLive func(jid string) bool
}

// Manager routes between the channels and the core.
type Manager struct {
	hooks    Hooks
	eventBus *bus.Bus

	mu       sync.RWMutex
	channels []Channel
	limiters map[string]*rate.Limiter
	triggers map[string]*regexp.Regexp
}

// perChannelRate is the default outbound budget: one message per second
// with a small burst, matching typical chat-platform limits.
var perChannelRate = rate.Limit(1)

const perChannelBurst = 5

// NewManager creates a Manager. Channels are added with Register before
// ConnectAll.
func NewManager(eventBus *bus.Bus, hooks Hooks) *Manager {
	return &Manager{
		hooks:    hooks,
		eventBus: eventBus,
		limiters: make(map[string]*rate.Limiter),
		triggers: make(map[string]*regexp.Regexp),
	}
}

// Register adds a channel with the default rate limit.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.limiters[ch.Name()] = rate.NewLimiter(perChannelRate, perChannelBurst)
}

// ConnectAll connects every registered channel. A channel that fails to
// connect is logged and skipped; at least one must succeed.
func (m *Manager) ConnectAll(ctx context.Context) error {
	m.mu.RLock()
	chans := append([]Channel(nil), m.channels...)
	m.mu.RUnlock()

	connected := 0
	for _, ch := range chans {
		if err := ch.Connect(ctx); err != nil {
			slog.Error("channel connect failed", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("channel connected", "channel", ch.Name())
		connected++
	}
	if len(chans) > 0 && connected == 0 {
		return errors.New("channels: no channel connected")
	}
	return nil
}

// DisconnectAll disconnects every channel, logging failures.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if err := ch.Disconnect(); err != nil {
			slog.Warn("channel disconnect failed", "channel", ch.Name(), "error", err)
		}
	}
}

// Route returns the channel owning a JID.
func (m *Manager) Route(jid string) (Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.channels {
		if ch.OwnsJID(jid) {
			return ch, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoRoute, jid)
}

// Send delivers text to a JID through its owning channel, honoring the
// channel's rate limit.
func (m *Manager) Send(ctx context.Context, jid, text string) error {
	ch, err := m.Route(jid)
	if err != nil {
		return err
	}
	if err := m.wait(ctx, ch.Name()); err != nil {
		return err
	}
	if err := ch.SendMessage(ctx, jid, text); err != nil {
		return fmt.Errorf("send via %s: %w", ch.Name(), err)
	}
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, bus.EventMessageOutbound, bus.OutboundMessage{JID: jid, Content: text})
	}
	return nil
}

// SendVoice delivers an audio file if the owning channel supports it.
func (m *Manager) SendVoice(ctx context.Context, jid, audioPath string) error {
	ch, err := m.Route(jid)
	if err != nil {
		return err
	}
	vs, ok := ch.(VoiceSender)
	if !ok {
		return fmt.Errorf("channel %s cannot send voice messages", ch.Name())
	}
	if err := m.wait(ctx, ch.Name()); err != nil {
		return err
	}
	if err := vs.SendVoice(ctx, jid, audioPath); err != nil {
		return fmt.Errorf("send voice via %s: %w", ch.Name(), err)
	}
	if m.eventBus != nil {
		m.eventBus.Emit(ctx, bus.EventMessageOutbound, bus.OutboundMessage{JID: jid, AudioPath: audioPath})
	}
	return nil
}

// SetTyping toggles the typing indicator where supported; unsupported
// channels are a silent no-op.
func (m *Manager) SetTyping(ctx context.Context, jid string, typing bool) {
	ch, err := m.Route(jid)
	if err != nil {
		return
	}
	if ts, ok := ch.(TypingSetter); ok {
		if err := ts.SetTyping(ctx, jid, typing); err != nil {
			slog.Debug("set typing failed", "channel", ch.Name(), "error", err)
		}
	}
}

func (m *Manager) wait(ctx context.Context, channel string) error {
	m.mu.RLock()
	lim := m.limiters[channel]
	m.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Inbound is called by channels for every received message. Self and bot
// messages are dropped; unregistered chats get one auto-registration
// chance; gated chats require the trigger pattern to match.
func (m *Manager) Inbound(ctx context.Context, msg bus.InboundMessage) {
	if msg.IsFromSelf || msg.IsBot {
		return
	}

	chat, err := m.resolve(ctx, msg)
	if err != nil || chat == nil {
		return
	}

	// The trigger gate only decides whether a fresh turn starts. Once an
	// agent is live for the chat, every message is a mid-turn follow-up and
	// gets piped through.
	if chat.RequiresTrigger && !m.triggerMatches(chat, msg.Content) {
		if m.hooks.AgentLive == nil || !m.hooks.AgentLive(msg.JID) {
			slog.Debug("message dropped by trigger gate", "jid", msg.JID)
			return
		}
		slog.Debug("trigger gate bypassed for live agent", "jid", msg.JID)
	}

	if m.eventBus != nil {
		m.eventBus.Emit(ctx, bus.EventMessageInbound, msg)
	}
	if m.hooks.OnMessage != nil {
		m.hooks.OnMessage(ctx, chat, msg)
	}
}

func (m *Manager) resolve(ctx context.Context, msg bus.InboundMessage) (*store.Chat, error) {
	chat, err := m.hooks.ResolveChat(ctx, msg.JID)
	if err == nil {
		return chat, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		slog.Error("chat lookup failed", "jid", msg.JID, "error", err)
		return nil, err
	}

	if m.hooks.OnUnregistered != nil {
		registered, regErr := m.hooks.OnUnregistered(ctx, msg)
		if regErr != nil {
			slog.Warn("auto-registration failed", "jid", msg.JID, "error", regErr)
			return nil, regErr
		}
		if registered {
			return m.hooks.ResolveChat(ctx, msg.JID)
		}
	}
	slog.Debug("message from unregistered chat dropped", "jid", msg.JID)
	return nil, nil
}

// triggerMatches checks the chat's trigger pattern against the content.
// Compiled patterns are cached per JID; an invalid pattern fails open so a
// typo cannot silence a chat.
func (m *Manager) triggerMatches(chat *store.Chat, content string) bool {
	if chat.TriggerPattern == "" {
		return true
	}

	m.mu.RLock()
	re, ok := m.triggers[chat.JID]
	m.mu.RUnlock()
	if !ok {
		var err error
		re, err = regexp.Compile("(?i)" + chat.TriggerPattern)
		if err != nil {
			slog.Warn("invalid trigger pattern", "jid", chat.JID, "pattern", chat.TriggerPattern, "error", err)
			return true
		}
		m.mu.Lock()
		m.triggers[chat.JID] = re
		m.mu.Unlock()
	}
	return re.MatchString(content)
}

// InvalidateTrigger drops the cached pattern after a registration update.
func (m *Manager) InvalidateTrigger(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.triggers, jid)
}
