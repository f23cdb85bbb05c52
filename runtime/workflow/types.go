// Package workflow implements the core of the distributed, event-sourced
// workflow execution engine. Executions derive their state by replaying an
// append-only event log; a fleet of stateless workers competes for queued
// events over a shared stream and serializes processing with per-event
// distributed locks.
//
// The package depends only on seams (Store, LockService, StreamClient,
// ActionRegistry) so backends can be swapped without touching the runtime:
// features/store provides in-memory and Mongo persistence, features/stream
// provides the Pulse stream client and features/lock the Redis lock.
package workflow

import "time"

// EventType classifies a workflow event by its origin.
type EventType string

const (
	// EventTypeSystem marks events emitted by the engine itself
	// (started, transitioned, completed, data writes).
	EventTypeSystem EventType = "system"
	// EventTypeWorkflow marks events emitted by an execute function.
	EventTypeWorkflow EventType = "workflow"
	// EventTypeUser marks events submitted on behalf of an end user.
	EventTypeUser EventType = "user"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	// ExecutionActive indicates the execution accepts and applies events.
	ExecutionActive ExecutionStatus = "active"
	// ExecutionCompleted indicates the execute function returned successfully.
	ExecutionCompleted ExecutionStatus = "completed"
	// ExecutionFailed indicates the execute function errored permanently.
	ExecutionFailed ExecutionStatus = "failed"
	// ExecutionCancelled indicates the execution was cancelled externally.
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ProcessingStatus is the lifecycle state of an event processing record.
type ProcessingStatus string

const (
	// ProcessingPending means the record was written but not yet published.
	ProcessingPending ProcessingStatus = "pending"
	// ProcessingPublished means the stream publish succeeded.
	ProcessingPublished ProcessingStatus = "published"
	// ProcessingInFlight means a worker owns the record and is applying the event.
	ProcessingInFlight ProcessingStatus = "processing"
	// ProcessingCompleted means the event was applied and the execution updated.
	ProcessingCompleted ProcessingStatus = "completed"
	// ProcessingFailed means processing errored; the retry scan may pick it up
	// again until the attempt bound is reached.
	ProcessingFailed ProcessingStatus = "failed"
	// ProcessingRetrying means a worker claimed the record for a retry attempt.
	ProcessingRetrying ProcessingStatus = "retrying"
)

// System event names recognized by the sourcing engine.
const (
	// EventWorkflowStarted is appended when an execution is created.
	EventWorkflowStarted = "workflow.started"
	// EventWorkflowTransitioned records an explicit state transition.
	EventWorkflowTransitioned = "workflow.transitioned"
	// EventWorkflowCompleted marks the execution complete.
	EventWorkflowCompleted = "workflow.completed"
	// EventWorkflowDataSet records a write to the execution data map.
	EventWorkflowDataSet = "workflow.data.set"
)

// InitialState is the state every execution starts in.
const InitialState = "initial"

type (
	// Execution is one running instance of a workflow definition. CurrentState
	// and Context always equal the values derived by replaying the execution's
	// events up to the latest applied event.
	Execution struct {
		// Tenant is the isolation boundary; all composite keys include it.
		Tenant string
		// ExecutionID uniquely identifies the execution within the tenant.
		ExecutionID string
		// WorkflowName names the definition this execution runs.
		WorkflowName string
		// WorkflowVersion pins the definition version.
		WorkflowVersion string
		// CurrentState is the short-string state derived from the event log.
		CurrentState string
		// Status is the lifecycle status.
		Status ExecutionStatus
		// Context holds the derived opaque key/value data map.
		Context map[string]any
		// CreatedAt and UpdatedAt are bookkeeping timestamps (UTC).
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// Event is one entry of an execution's append-only log. Events are totally
	// ordered by (CreatedAt, EventID) and never mutated after ToState is set.
	Event struct {
		// Tenant scopes the event.
		Tenant string
		// EventID is unique per tenant and doubles as the idempotency key when
		// the event is produced externally.
		EventID string
		// ExecutionID links the event to its execution.
		ExecutionID string
		// Name is the event name (e.g. "approve", "workflow.started").
		Name string
		// Type classifies the event origin.
		Type EventType
		// Payload is the opaque event payload.
		Payload map[string]any
		// UserID identifies the submitting user, when any.
		UserID string
		// FromState is the execution state when the event was accepted.
		FromState string
		// ToState is set exactly once, when state derivation determines the
		// post-event state. Empty until then.
		ToState string
		// CreatedAt orders the event within its execution.
		CreatedAt time.Time
	}

	// ProcessingRecord tracks the lifecycle of one enqueued event. At most one
	// record per event is in {processing, retrying} at any time; the per-event
	// lock enforces this across workers.
	ProcessingRecord struct {
		Tenant       string
		ProcessingID string
		EventID      string
		ExecutionID  string
		Status       ProcessingStatus
		// AttemptCount is incremented each time a worker claims the record.
		AttemptCount int
		// MaxAttempts bounds AttemptCount before the record is finalized failed.
		MaxAttempts int
		// WorkerID owns the record while it is processing or retrying.
		WorkerID      string
		LastAttemptAt *time.Time
		NextAttemptAt *time.Time
		ErrorMessage  string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// ActionResult persists the outcome of a single action invocation so that
	// replays with the same idempotency key return the stored result without
	// re-invoking the action body.
	ActionResult struct {
		Tenant         string
		ResultID       string
		ExecutionID    string
		EventID        string
		ActionName     string
		IdempotencyKey string
		// Parameters is the validated parameter snapshot.
		Parameters map[string]any
		// ReadyToExecute is set when the row is inserted, before invocation.
		ReadyToExecute bool
		// Success reports whether the executor returned without error.
		Success bool
		// Result is the opaque executor return value.
		Result any
		ErrorMessage string
		StartedAt    *time.Time
		CompletedAt  *time.Time
	}

	// Registration is an authored workflow with an ordered set of versions,
	// exactly one of which is current.
	Registration struct {
		Tenant         string
		RegistrationID string
		Name           string
		Description    string
		Tags           []string
		Status         string
		CurrentVersion string
	}

	// RegistrationVersion holds one serialized definition of a registration.
	RegistrationVersion struct {
		Tenant         string
		RegistrationID string
		VersionID      string
		// Name and Version identify the compiled definition the runtime must
		// have registered in-process to execute this version.
		Name    string
		Version string
		// Definition is the serialized workflow metadata.
		Definition []byte
		IsCurrent  bool
		CreatedAt  time.Time
	}

	// Attachment binds a catalog event type to a workflow so that matching
	// stream events start new executions of that workflow.
	Attachment struct {
		Tenant     string
		EventType  string
		WorkflowID string
		IsActive   bool
	}

	// StreamEvent is the transient projection of a workflow event onto the
	// broker. It is encoded as UTF-8 JSON and validated against a fixed schema
	// on the consumer side.
	StreamEvent struct {
		// EventID is the workflow event id (and idempotency key).
		EventID string `json:"event_id"`
		// ExecutionID is empty for application events that have not started an
		// execution yet.
		ExecutionID string `json:"execution_id"`
		// Tenant scopes the event.
		Tenant string `json:"tenant"`
		// EventType is the catalog event type for externally produced events
		// (e.g. "ticket.created") or the workflow event type for events
		// enqueued by the runtime.
		EventType string `json:"event_type"`
		// EventName is the workflow event name.
		EventName string `json:"event_name"`
		// Payload is the opaque event payload.
		Payload map[string]any `json:"payload"`
	}
)
