package bus

import "time"

// InboundMessage represents a message received from a channel (Discord, web
// dashboard, etc.), normalized into the common shape the router consumes.
type InboundMessage struct {
	ID         string    `json:"id"`
	JID        string    `json:"jid"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsFromSelf bool      `json:"is_from_self"`
	IsBot      bool      `json:"is_bot"`
	// IsDM marks direct messages, used for owner-DM auto-registration.
	IsDM bool `json:"is_dm"`
}

// OutboundMessage represents a message to be sent back to a channel.
type OutboundMessage struct {
	JID     string `json:"jid"`
	Content string `json:"content"`
	// AudioPath, when set, asks the channel to deliver a voice message.
	AudioPath string `json:"audio_path,omitempty"`
}

// Event names with statically associated payload types. Handlers receive the
// payload listed next to each name.
const (
	EventMessageInbound  = "message:inbound"  // InboundMessage
	EventMessageOutbound = "message:outbound" // OutboundMessage
	EventContainerStart  = "container:start"  // ContainerEvent
	EventContainerStop   = "container:stop"   // ContainerEvent
	EventTaskCreated     = "task:created"     // TaskEvent
	EventTaskCompleted   = "task:completed"   // TaskEvent
	EventPluginLoaded    = "plugin:loaded"    // PluginEvent
	EventPluginUnloaded  = "plugin:unloaded"  // PluginEvent
)

// ContainerEvent is the payload for container:start/stop.
type ContainerEvent struct {
	JID    string `json:"jid"`
	Folder string `json:"folder"`
}

// TaskEvent is the payload for task:created/completed.
type TaskEvent struct {
	TaskID string `json:"task_id"`
	Folder string `json:"folder"`
	JID    string `json:"jid"`
}

// PluginEvent is the payload for plugin:loaded/unloaded.
type PluginEvent struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}
