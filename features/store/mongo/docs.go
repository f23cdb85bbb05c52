package mongo

import (
	"time"

	"goa.design/flow/runtime/workflow"
)

// Document shapes. Field names are the wire contract shared with the indexes
// in ensureIndexes; keep them in sync.

type (
	execDoc struct {
		Tenant          string         `bson:"tenant"`
		ExecutionID     string         `bson:"execution_id"`
		WorkflowName    string         `bson:"workflow_name"`
		WorkflowVersion string         `bson:"workflow_version"`
		CurrentState    string         `bson:"current_state"`
		Status          string         `bson:"status"`
		Context         map[string]any `bson:"context"`
		CreatedAt       time.Time      `bson:"created_at"`
		UpdatedAt       time.Time      `bson:"updated_at"`
	}

	evDoc struct {
		Tenant      string         `bson:"tenant"`
		EventID     string         `bson:"event_id"`
		ExecutionID string         `bson:"execution_id"`
		Name        string         `bson:"name"`
		Type        string         `bson:"type"`
		Payload     map[string]any `bson:"payload"`
		UserID      string         `bson:"user_id"`
		FromState   string         `bson:"from_state"`
		ToState     string         `bson:"to_state"`
		CreatedAt   time.Time      `bson:"created_at"`
	}

	procDoc struct {
		Tenant        string     `bson:"tenant"`
		ProcessingID  string     `bson:"processing_id"`
		EventID       string     `bson:"event_id"`
		ExecutionID   string     `bson:"execution_id"`
		Status        string     `bson:"status"`
		AttemptCount  int        `bson:"attempt_count"`
		MaxAttempts   int        `bson:"max_attempts"`
		WorkerID      string     `bson:"worker_id"`
		LastAttemptAt *time.Time `bson:"last_attempt_at"`
		NextAttemptAt *time.Time `bson:"next_attempt_at"`
		ErrorMessage  string     `bson:"error_message"`
		CreatedAt     time.Time  `bson:"created_at"`
		UpdatedAt     time.Time  `bson:"updated_at"`
	}

	resDoc struct {
		Tenant         string         `bson:"tenant"`
		ResultID       string         `bson:"result_id"`
		ExecutionID    string         `bson:"execution_id"`
		EventID        string         `bson:"event_id"`
		ActionName     string         `bson:"action_name"`
		IdempotencyKey string         `bson:"idempotency_key"`
		Parameters     map[string]any `bson:"parameters"`
		ReadyToExecute bool           `bson:"ready_to_execute"`
		Success        bool           `bson:"success"`
		Result         any            `bson:"result"`
		ErrorMessage   string         `bson:"error_message"`
		StartedAt      *time.Time     `bson:"started_at"`
		CompletedAt    *time.Time     `bson:"completed_at"`
	}

	regDoc struct {
		Tenant         string   `bson:"tenant"`
		RegistrationID string   `bson:"registration_id"`
		Name           string   `bson:"name"`
		Description    string   `bson:"description"`
		Tags           []string `bson:"tags"`
		Status         string   `bson:"status"`
		CurrentVersion string   `bson:"current_version"`
	}

	verDoc struct {
		Tenant         string    `bson:"tenant"`
		RegistrationID string    `bson:"registration_id"`
		VersionID      string    `bson:"version_id"`
		Name           string    `bson:"name"`
		Version        string    `bson:"version"`
		Definition     []byte    `bson:"definition"`
		IsCurrent      bool      `bson:"is_current"`
		CreatedAt      time.Time `bson:"created_at"`
	}

	attDoc struct {
		Tenant     string `bson:"tenant"`
		EventType  string `bson:"event_type"`
		WorkflowID string `bson:"workflow_id"`
		IsActive   bool   `bson:"is_active"`
	}
)

func executionDoc(exec workflow.Execution) execDoc {
	return execDoc{
		Tenant:          exec.Tenant,
		ExecutionID:     exec.ExecutionID,
		WorkflowName:    exec.WorkflowName,
		WorkflowVersion: exec.WorkflowVersion,
		CurrentState:    exec.CurrentState,
		Status:          string(exec.Status),
		Context:         exec.Context,
		CreatedAt:       exec.CreatedAt,
		UpdatedAt:       exec.UpdatedAt,
	}
}

func (d execDoc) toExecution() workflow.Execution {
	return workflow.Execution{
		Tenant:          d.Tenant,
		ExecutionID:     d.ExecutionID,
		WorkflowName:    d.WorkflowName,
		WorkflowVersion: d.WorkflowVersion,
		CurrentState:    d.CurrentState,
		Status:          workflow.ExecutionStatus(d.Status),
		Context:         d.Context,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func eventDoc(ev workflow.Event) evDoc {
	return evDoc{
		Tenant:      ev.Tenant,
		EventID:     ev.EventID,
		ExecutionID: ev.ExecutionID,
		Name:        ev.Name,
		Type:        string(ev.Type),
		Payload:     ev.Payload,
		UserID:      ev.UserID,
		FromState:   ev.FromState,
		ToState:     ev.ToState,
		CreatedAt:   ev.CreatedAt,
	}
}

func (d evDoc) toEvent() workflow.Event {
	return workflow.Event{
		Tenant:      d.Tenant,
		EventID:     d.EventID,
		ExecutionID: d.ExecutionID,
		Name:        d.Name,
		Type:        workflow.EventType(d.Type),
		Payload:     d.Payload,
		UserID:      d.UserID,
		FromState:   d.FromState,
		ToState:     d.ToState,
		CreatedAt:   d.CreatedAt,
	}
}

func processingDoc(rec workflow.ProcessingRecord) procDoc {
	return procDoc{
		Tenant:        rec.Tenant,
		ProcessingID:  rec.ProcessingID,
		EventID:       rec.EventID,
		ExecutionID:   rec.ExecutionID,
		Status:        string(rec.Status),
		AttemptCount:  rec.AttemptCount,
		MaxAttempts:   rec.MaxAttempts,
		WorkerID:      rec.WorkerID,
		LastAttemptAt: rec.LastAttemptAt,
		NextAttemptAt: rec.NextAttemptAt,
		ErrorMessage:  rec.ErrorMessage,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (d procDoc) toRecord() workflow.ProcessingRecord {
	return workflow.ProcessingRecord{
		Tenant:        d.Tenant,
		ProcessingID:  d.ProcessingID,
		EventID:       d.EventID,
		ExecutionID:   d.ExecutionID,
		Status:        workflow.ProcessingStatus(d.Status),
		AttemptCount:  d.AttemptCount,
		MaxAttempts:   d.MaxAttempts,
		WorkerID:      d.WorkerID,
		LastAttemptAt: d.LastAttemptAt,
		NextAttemptAt: d.NextAttemptAt,
		ErrorMessage:  d.ErrorMessage,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}

func resultDoc(res workflow.ActionResult) resDoc {
	return resDoc{
		Tenant:         res.Tenant,
		ResultID:       res.ResultID,
		ExecutionID:    res.ExecutionID,
		EventID:        res.EventID,
		ActionName:     res.ActionName,
		IdempotencyKey: res.IdempotencyKey,
		Parameters:     res.Parameters,
		ReadyToExecute: res.ReadyToExecute,
		Success:        res.Success,
		Result:         res.Result,
		ErrorMessage:   res.ErrorMessage,
		StartedAt:      res.StartedAt,
		CompletedAt:    res.CompletedAt,
	}
}

func (d resDoc) toResult() workflow.ActionResult {
	return workflow.ActionResult{
		Tenant:         d.Tenant,
		ResultID:       d.ResultID,
		ExecutionID:    d.ExecutionID,
		EventID:        d.EventID,
		ActionName:     d.ActionName,
		IdempotencyKey: d.IdempotencyKey,
		Parameters:     d.Parameters,
		ReadyToExecute: d.ReadyToExecute,
		Success:        d.Success,
		Result:         d.Result,
		ErrorMessage:   d.ErrorMessage,
		StartedAt:      d.StartedAt,
		CompletedAt:    d.CompletedAt,
	}
}

func (d regDoc) toRegistration() workflow.Registration {
	return workflow.Registration{
		Tenant:         d.Tenant,
		RegistrationID: d.RegistrationID,
		Name:           d.Name,
		Description:    d.Description,
		Tags:           d.Tags,
		Status:         d.Status,
		CurrentVersion: d.CurrentVersion,
	}
}

func (d verDoc) toVersion() workflow.RegistrationVersion {
	return workflow.RegistrationVersion{
		Tenant:         d.Tenant,
		RegistrationID: d.RegistrationID,
		VersionID:      d.VersionID,
		Name:           d.Name,
		Version:        d.Version,
		Definition:     d.Definition,
		IsCurrent:      d.IsCurrent,
		CreatedAt:      d.CreatedAt,
	}
}

func (d attDoc) toAttachment() workflow.Attachment {
	return workflow.Attachment{
		Tenant:     d.Tenant,
		EventType:  d.EventType,
		WorkflowID: d.WorkflowID,
		IsActive:   d.IsActive,
	}
}
