package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Domain event types.
const (
	PlatformInitialized  = "PlatformInitialized"
	PlatformFeeUpdated   = "PlatformFeeUpdated"
	AgentRegistered      = "AgentRegistered"
	AgentUpdated         = "AgentUpdated"
	TaskCreated          = "TaskCreated"
	ApplicationSubmitted = "ApplicationSubmitted"
	WinnerSelected       = "WinnerSelected"
	TaskCancelled        = "TaskCancelled"
	ExtensionRequested   = "ExtensionRequested"
	ExtensionApproved    = "ExtensionApproved"
	ExtensionDenied      = "ExtensionDenied"
	DisputeRaised        = "DisputeRaised"
	AutoRefunded         = "AutoRefunded"
	MessageSent          = "MessageSent"
	Deposited            = "Deposited"

	// TaskClaimed belongs to the single-assignment flow, which no operation
	// enters. It is never written.
	TaskClaimed = "TaskClaimed"
)

// Types lists every event type that operations write.
var Types = []string{
	PlatformInitialized, PlatformFeeUpdated, AgentRegistered, AgentUpdated,
	TaskCreated, ApplicationSubmitted, WinnerSelected, TaskCancelled,
	ExtensionRequested, ExtensionApproved, ExtensionDenied, DisputeRaised,
	AutoRefunded, MessageSent, Deposited,
}

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one event row to append.
type Entry struct {
	Type       string
	TaskID     *uint64
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    EventPayload
}

// Append writes the event inside tx so it commits with the state change.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var taskID any
	if e.TaskID != nil {
		taskID = int64(*e.TaskID)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,task_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, e.Type, taskID, e.EntityKind, nullable(e.EntityID), e.ActorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

// ForTask is shorthand for an event about a task.
func ForTask(evtType string, taskID uint64, actorID string, payload EventPayload) Entry {
	id := taskID
	return Entry{
		Type:       evtType,
		TaskID:     &id,
		EntityKind: "task",
		EntityID:   fmt.Sprintf("%d", taskID),
		ActorID:    actorID,
		Payload:    payload,
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
