package engine

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
	"bountyline/internal/engine/auth"
	"bountyline/internal/events"
	"bountyline/internal/ledger"
	"bountyline/internal/telemetry"
)

// SendMessage appends to the task's message log. The message id is the
// task's message counter at the time of sending.
func (e Engine) SendMessage(ctx context.Context, taskID uint64, sender, content string) (domain.Message, error) {
	if len(content) == 0 {
		return domain.Message{}, domain.ErrMessageEmpty
	}
	if len(content) > MaxMessageLen {
		return domain.Message{}, domain.ErrMessageTooLong
	}
	var m domain.Message
	err := e.run(ctx, "send_message", func(ctx context.Context, tx *sql.Tx) error {
		t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		has, err := e.hasSubmission(ctx, tx, taskID, sender)
		if err != nil {
			return err
		}
		if err := auth.RequireParticipant(t, sender, has); err != nil {
			return err
		}
		m = domain.Message{
			Address: ledger.MessageAddress(t.Address, t.MessageCount),
			TaskID:  taskID,
			ID:      t.MessageCount,
			Sender:  sender,
			Content: content,
			SentAt:  e.unix(),
		}
		if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
			return err
		}
		t.MessageCount++
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.MessageSent, taskID, sender, events.EventPayload{
			"task_id":    taskID,
			"message_id": m.ID,
			"sender":     sender,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(sender))
	if err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (e Engine) ListMessages(ctx context.Context, taskID uint64) ([]domain.Message, error) {
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListMessages(ctx, taskID)
}

// RequestExtension asks the client for more time. Only an agent that has
// submitted to the task may ask, and only one request may be pending.
func (e Engine) RequestExtension(ctx context.Context, taskID uint64, agent string, hours uint64) (domain.Task, error) {
	if hours < MinExtensionHours || hours > MaxExtensionHours {
		return domain.Task{}, domain.ErrInvalidExtension
	}
	var t domain.Task
	err := e.run(ctx, "request_extension", func(ctx context.Context, tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		has, err := e.hasSubmission(ctx, tx, taskID, agent)
		if err != nil {
			return err
		}
		if err := auth.RequireSubmitter(agent, has); err != nil {
			return err
		}
		if t.Status != domain.TaskOpen {
			return domain.ErrTaskNotOpen
		}
		if t.ExtensionRequested {
			return domain.ErrExtensionAlreadyRequested
		}
		t.ExtensionRequested = true
		t.ExtensionHours = hours
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.ForTask(events.ExtensionRequested, taskID, agent, events.EventPayload{
			"task_id": taskID,
			"agent":   agent,
			"hours":   hours,
		}))
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrAgent.String(agent))
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ApproveExtension moves the deadline by the requested hours.
func (e Engine) ApproveExtension(ctx context.Context, taskID uint64, caller string) (domain.Task, error) {
	return e.resolveExtension(ctx, "approve_extension", taskID, caller, true)
}

// DenyExtension clears the pending request and keeps the deadline.
func (e Engine) DenyExtension(ctx context.Context, taskID uint64, caller string) (domain.Task, error) {
	return e.resolveExtension(ctx, "deny_extension", taskID, caller, false)
}

func (e Engine) resolveExtension(ctx context.Context, op string, taskID uint64, caller string, approve bool) (domain.Task, error) {
	var t domain.Task
	err := e.run(ctx, op, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := auth.RequireClient(t, caller); err != nil {
			return err
		}
		if !t.ExtensionRequested {
			return domain.ErrNoExtensionPending
		}
		hours := t.ExtensionHours
		var evt events.Entry
		if approve {
			t.Deadline += int64(hours) * 3600
			evt = events.ForTask(events.ExtensionApproved, taskID, caller, events.EventPayload{
				"task_id":      taskID,
				"hours":        hours,
				"new_deadline": t.Deadline,
			})
		} else {
			evt = events.ForTask(events.ExtensionDenied, taskID, caller, events.EventPayload{
				"task_id": taskID,
				"hours":   hours,
			})
		}
		t.ExtensionRequested = false
		t.ExtensionHours = 0
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, evt)
	}, telemetry.AttrTaskID.Int64(int64(taskID)), telemetry.AttrCaller.String(caller))
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}
