package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// ErrCapabilityDenied is wrapped by every gated-stub failure.
var ErrCapabilityDenied = errors.New("capability denied")

// CapabilityError reports a call to a service operation the plugin's
// manifest did not declare.
type CapabilityError struct {
	Op         string // e.g. "ipc.writeFile"
	Capability string // e.g. "ipc:write"
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability denied: %s requires %s", e.Op, e.Capability)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityDenied }

func denied(op, cap string) error { return &CapabilityError{Op: op, Capability: cap} }

// IPCService exposes file access under the agent's IPC root. Operations are
// gated individually: readFile needs ipc:read, writeFile and drop need
// ipc:write.
type IPCService interface {
	ReadFile(rel string) ([]byte, error)
	WriteFile(rel string, data []byte) error
	// Drop writes v as an atomically-named JSON message into the given IPC
	// subdirectory.
	Drop(dir string, v any) error
}

// MessagesService sends messages to chats.
type MessagesService interface {
	SendMessage(ctx context.Context, jid, text string) error
}

// TaskInfo is the read-only task view handed to plugins.
type TaskInfo struct {
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

// ScheduleRequest describes a task to create.
type ScheduleRequest struct {
	Prompt        string
	ScheduleType  string
	ScheduleValue string
	ContextMode   string
	TargetJID     string
	CreatedBy     string
}

// TasksService manages scheduled tasks.
type TasksService interface {
	Schedule(ctx context.Context, req ScheduleRequest) error
	List(ctx context.Context, folder string) ([]TaskInfo, error)
	Pause(ctx context.Context, taskID string) error
	Resume(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
}

// GroupsService registers new chats.
type GroupsService interface {
	Register(ctx context.Context, jid, name, folder, trigger string) error
}

// Services bundles the live implementations the registry gates per plugin.
type Services struct {
	IPC      IPCService
	Messages MessagesService
	Tasks    TasksService
	Groups   GroupsService
}

// Context is what a plugin receives: logger, bus, free-form config, and the
// capability-gated services.
type Context struct {
	Logger   *slog.Logger
	Bus      *bus.Bus
	Config   map[string]any
	IPC      IPCService
	Messages MessagesService
	Tasks    TasksService
	Groups   GroupsService
}

// NewContext builds a capability-gated context for one manifest. Services
// the plugin may not use are replaced with stubs that refuse every call,
// naming the operation and the missing capability.
func NewContext(m *Manifest, logger *slog.Logger, eventBus *bus.Bus, cfg map[string]any, svc Services) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	ctx := &Context{
		Logger: logger.With("plugin", m.Name),
		Bus:    eventBus,
		Config: cfg,
	}

	ctx.IPC = &gatedIPC{
		inner:    svc.IPC,
		canRead:  m.HasCapability(CapIPCRead),
		canWrite: m.HasCapability(CapIPCWrite),
	}

	if m.HasCapability(CapMessagesWrite) && svc.Messages != nil {
		ctx.Messages = svc.Messages
	} else {
		ctx.Messages = deniedMessages{}
	}

	if m.HasCapability(CapTasksManage) && svc.Tasks != nil {
		ctx.Tasks = svc.Tasks
	} else {
		ctx.Tasks = deniedTasks{}
	}

	if m.HasCapability(CapGroupsManage) && svc.Groups != nil {
		ctx.Groups = svc.Groups
	} else {
		ctx.Groups = deniedGroups{}
	}

	return ctx
}

// gatedIPC gates each IPC operation on its own capability.
type gatedIPC struct {
	inner    IPCService
	canRead  bool
	canWrite bool
}

func (g *gatedIPC) ReadFile(rel string) ([]byte, error) {
	if !g.canRead || g.inner == nil {
		return nil, denied("ipc.readFile", CapIPCRead)
	}
	return g.inner.ReadFile(rel)
}

func (g *gatedIPC) WriteFile(rel string, data []byte) error {
	if !g.canWrite || g.inner == nil {
		return denied("ipc.writeFile", CapIPCWrite)
	}
	return g.inner.WriteFile(rel, data)
}

func (g *gatedIPC) Drop(dir string, v any) error {
	if !g.canWrite || g.inner == nil {
		return denied("ipc.drop", CapIPCWrite)
	}
	return g.inner.Drop(dir, v)
}

type deniedMessages struct{}

func (deniedMessages) SendMessage(context.Context, string, string) error {
	return denied("messages.sendMessage", CapMessagesWrite)
}

type deniedTasks struct{}

func (deniedTasks) Schedule(context.Context, ScheduleRequest) error {
	return denied("tasks.schedule", CapTasksManage)
}
func (deniedTasks) List(context.Context, string) ([]TaskInfo, error) {
	return nil, denied("tasks.list", CapTasksManage)
}
func (deniedTasks) Pause(context.Context, string) error {
	return denied("tasks.pause", CapTasksManage)
}
func (deniedTasks) Resume(context.Context, string) error {
	return denied("tasks.resume", CapTasksManage)
}
func (deniedTasks) Cancel(context.Context, string) error {
	return denied("tasks.cancel", CapTasksManage)
}

type deniedGroups struct{}

func (deniedGroups) Register(context.Context, string, string, string, string) error {
	return denied("groups.register", CapGroupsManage)
}
