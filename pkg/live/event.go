package live

import (
	"encoding/json"
	"time"
)

// Event types written to the "type" field.
const (
	TypeTaskUpdate   = "task_update"
	TypeRelay        = "relay"
	TypeSystem       = "system"
	TypeNotification = "notification"
)

// Event kinds written to the "kind" field.
const (
	KindCreated          = "created"
	KindUpdated          = "updated"
	KindDeleted          = "deleted"
	KindRelay            = "relay"
	KindConnected        = "connected"
	KindTaskStatusChange = "task_status_change"
	KindTaskAssignment   = "task_assignment"
	KindTaskDeleted      = "task_deleted"
)

// Event is the payload pushed to live connections. It is encoded once per
// broadcast and never stored.
type Event struct {
	Type      string    `json:"type"`
	Kind      string    `json:"kind"`
	ID        int64     `json:"id"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode serializes the event, stamping the current time if unset.
func (e Event) Encode() ([]byte, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return json.Marshal(e)
}

// TaskCreated builds the event sent to a project after a task is created.
func TaskCreated(taskID int64, data any) Event {
	return Event{Type: TypeTaskUpdate, Kind: KindCreated, ID: taskID, Data: data}
}

// TaskUpdated builds the event sent to a project after a task changes.
func TaskUpdated(taskID int64, data any) Event {
	return Event{Type: TypeTaskUpdate, Kind: KindUpdated, ID: taskID, Data: data}
}

// TaskDeleted builds the event sent to a project after a task is removed.
func TaskDeleted(taskID int64) Event {
	return Event{Type: TypeTaskUpdate, Kind: KindDeleted, ID: taskID}
}

// Connected builds the welcome frame sent once a connection is registered.
func Connected(projectID int64) Event {
	return Event{
		Type:    TypeSystem,
		Kind:    KindConnected,
		ID:      projectID,
		Message: "connected to task updates",
	}
}

// Notification builds a direct-to-user event.
func Notification(kind string, taskID int64, message string) Event {
	return Event{Type: TypeNotification, Kind: kind, ID: taskID, Message: message}
}

// Relay wraps an inbound client frame for the other watchers of a project.
// JSON frames are embedded as-is; anything else is carried as a string.
func Relay(projectID int64, raw []byte) Event {
	var data any = string(raw)
	if json.Valid(raw) {
		data = json.RawMessage(append([]byte(nil), raw...))
	}
	return Event{Type: TypeRelay, Kind: KindRelay, ID: projectID, Data: data}
}
