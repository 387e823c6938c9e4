// Package discord connects nanoclaw to Discord. JIDs are
// "discord:<channelID>"; the owner's DM is the main chat.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// JIDPrefix namespaces Discord channel IDs.
const JIDPrefix = "discord:"

// maxMessageLen is Discord's hard limit per message.
const maxMessageLen = 2000

// JID builds the routing id for a Discord channel.
func JID(channelID string) string { return JIDPrefix + channelID }

// ChannelID extracts the Discord channel id from a JID.
func ChannelID(jid string) string { return strings.TrimPrefix(jid, JIDPrefix) }

// Channel is the Discord transport.
type Channel struct {
	token   string
	ownerID string
	inbound func(ctx context.Context, msg bus.InboundMessage)

	session *discordgo.Session
}

// New creates a disconnected Discord channel. inbound receives every
// message seen on any channel the bot can read.
func New(token, ownerID string, inbound func(ctx context.Context, msg bus.InboundMessage)) *Channel {
	return &Channel{token: token, ownerID: ownerID, inbound: inbound}
}

func (c *Channel) Name() string { return "discord" }

// OwnerID returns the configured owner account id.
func (c *Channel) OwnerID() string { return c.ownerID }

// OwnsJID claims every discord: JID.
func (c *Channel) OwnsJID(jid string) bool { return strings.HasPrefix(jid, JIDPrefix) }

// Connect opens the gateway session and installs the message handler.
func (c *Channel) Connect(ctx context.Context) error {
	s, err := discordgo.New("Bot " + c.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	s.AddHandler(c.onMessageCreate)

	if err := s.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	c.session = s
	slog.Info("discord connected", "user", s.State.User.Username)
	return nil
}

// Disconnect closes the gateway session.
func (c *Channel) Disconnect() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

func (c *Channel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil {
		return
	}
	isDM := m.GuildID == ""
	msg := bus.InboundMessage{
		ID:         m.ID,
		JID:        JID(m.ChannelID),
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
		IsFromSelf: s.State.User != nil && m.Author.ID == s.State.User.ID,
		IsBot:      m.Author.Bot,
		IsDM:       isDM,
	}
	if c.inbound != nil {
		c.inbound(context.Background(), msg)
	}
}

// IsOwnerDM reports whether a message is a direct message from the
// configured owner, the auto-registration trigger for the main chat.
func (c *Channel) IsOwnerDM(msg bus.InboundMessage) bool {
	return msg.IsDM && c.ownerID != "" && msg.SenderID == c.ownerID
}

// SendMessage delivers text, splitting it to respect Discord's length cap.
func (c *Channel) SendMessage(ctx context.Context, jid, text string) error {
	if c.session == nil {
		return fmt.Errorf("discord not connected")
	}
	channelID := ChannelID(jid)
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// SendVoice uploads an audio file as an attachment.
func (c *Channel) SendVoice(ctx context.Context, jid, audioPath string) error {
	if c.session == nil {
		return fmt.Errorf("discord not connected")
	}
	f, err := os.Open(audioPath)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()
	_, err = c.session.ChannelFileSend(ChannelID(jid), filepath.Base(audioPath), f, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord voice send: %w", err)
	}
	return nil
}

// SetTyping shows the typing indicator. Discord clears it automatically
// after about ten seconds, so "false" is a no-op.
func (c *Channel) SetTyping(ctx context.Context, jid string, typing bool) error {
	if c.session == nil || !typing {
		return nil
	}
	return c.session.ChannelTyping(ChannelID(jid), discordgo.WithContext(ctx))
}

// splitMessage breaks text into chunks of at most limit runes, preferring
// newline boundaries.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		out = append(out, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}
