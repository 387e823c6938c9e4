// Package protocol defines the wire shapes shared between the NanoClaw host
// and the per-chat agent subprocess: file-drop IPC messages, the agent's
// stdin input blob, and the framed stdout output.
package protocol

import "encoding/json"

// ProtocolVersion is bumped on incompatible changes to IPC or framing shapes.
const ProtocolVersion = 1

// Agent stdout framing markers. Each framed region contains one JSON-encoded
// AgentOutput.
const (
	OutputStartMarker = "---NANOCLAW_OUTPUT_START---"
	OutputEndMarker   = "---NANOCLAW_OUTPUT_END---"
)

// CloseSentinel is the zero-content file name that signals graceful end of an
// agent's multi-turn session when dropped into its inbox.
const CloseSentinel = "_close"

// TaskSnapshotFile is the fixed per-folder filename of the task snapshot the
// host refreshes before each scheduled run.
const TaskSnapshotFile = "current_tasks.json"

// IPC message type discriminators.
const (
	TypeMessage       = "message"
	TypeVoiceMessage  = "voice_message"
	TypeScheduleTask  = "schedule_task"
	TypePauseTask     = "pause_task"
	TypeResumeTask    = "resume_task"
	TypeCancelTask    = "cancel_task"
	TypeRegisterGroup = "register_group"
)

// Envelope carries only the discriminator, for a first-pass decode of a
// drained IPC file.
type Envelope struct {
	Type string `json:"type"`
}

// MessageFile is a user or agent text message dropped into an IPC directory.
// Host→agent it injects a follow-up turn; agent→host it requests outbound
// delivery to a chat.
type MessageFile struct {
	Type        string `json:"type"`
	ChatJID     string `json:"chatJid"`
	Text        string `json:"text"`
	Sender      string `json:"sender,omitempty"`
	GroupFolder string `json:"groupFolder"`
	Timestamp   string `json:"timestamp"`
}

// VoiceMessageFile requests outbound delivery of an audio file.
type VoiceMessageFile struct {
	Type        string `json:"type"`
	ChatJID     string `json:"chatJid"`
	AudioPath   string `json:"audioPath"`
	GroupFolder string `json:"groupFolder"`
	Timestamp   string `json:"timestamp"`
}

// ScheduleTaskFile is written by the agent's schedule_task tool to create a
// persistent scheduled task on the host.
type ScheduleTaskFile struct {
	Type          string `json:"type"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode"`
	TargetJID     string `json:"targetJid"`
	CreatedBy     string `json:"createdBy"`
	Timestamp     string `json:"timestamp"`
}

// TaskControlFile pauses, resumes, or cancels a task (Type distinguishes).
type TaskControlFile struct {
	Type        string `json:"type"`
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	IsMain      bool   `json:"isMain"`
	Timestamp   string `json:"timestamp"`
}

// RegisterGroupFile registers a new chat with the host.
type RegisterGroupFile struct {
	Type      string `json:"type"`
	JID       string `json:"jid"`
	Name      string `json:"name"`
	Folder    string `json:"folder"`
	Trigger   string `json:"trigger"`
	Timestamp string `json:"timestamp"`
}

// AgentInput is the JSON blob the host writes to the agent's stdin.
type AgentInput struct {
	Prompt          string            `json:"prompt"`
	SessionID       string            `json:"sessionId,omitempty"`
	GroupFolder     string            `json:"groupFolder"`
	ChatJID         string            `json:"chatJid"`
	IsMain          bool              `json:"isMain"`
	IsScheduledTask bool              `json:"isScheduledTask,omitempty"`
	Secrets         map[string]string `json:"secrets,omitempty"`
	SenderIDs       []string          `json:"senderIds,omitempty"`
	TrustConfig     json.RawMessage   `json:"trustConfig,omitempty"`
}

// Agent output statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AgentOutput is one framed stdout payload from the agent. A non-nil Result
// is an outbound assistant message; Status "error" is terminal.
type AgentOutput struct {
	Status       string  `json:"status"`
	Result       *string `json:"result"`
	Error        string  `json:"error,omitempty"`
	NewSessionID string  `json:"newSessionId,omitempty"`
}

// TaskSnapshot is the read-only task listing the host writes into the
// agent's IPC root before a run, so the list_tasks tool sees coherent data.
type TaskSnapshot struct {
	Tasks     []TaskSnapshotEntry `json:"tasks"`
	WrittenAt string              `json:"writtenAt"`
}

// TaskSnapshotEntry is one task in a TaskSnapshot.
type TaskSnapshotEntry struct {
	ID            string `json:"id"`
	Folder        string `json:"folder"`
	JID           string `json:"jid"`
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"scheduleType"`
	ScheduleValue string `json:"scheduleValue"`
	ContextMode   string `json:"contextMode"`
	Status        string `json:"status"`
	NextRun       string `json:"nextRun,omitempty"`
	LastRun       string `json:"lastRun,omitempty"`
}
