// Package channels connects nanoclaw to the outside world. Each channel
// owns a JID prefix; the Manager routes outbound messages by prefix, rate
// limits them per channel, and funnels inbound messages through trigger
// gating into the core.
package channels

import "context"

// Channel is one connected transport (Discord, web dashboard). A channel
// owns every JID its OwnsJID accepts.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	OwnsJID(jid string) bool
	SendMessage(ctx context.Context, jid, text string) error
}

// VoiceSender is implemented by channels that can deliver audio.
type VoiceSender interface {
	SendVoice(ctx context.Context, jid, audioPath string) error
}

// TypingSetter is implemented by channels that can show a typing indicator.
type TypingSetter interface {
	SetTyping(ctx context.Context, jid string, typing bool) error
}
