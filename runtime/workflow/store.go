package workflow

import (
	"context"
	"time"
)

type (
	// ExecutionStore persists workflow executions.
	ExecutionStore interface {
		// InsertExecution creates a new execution row. Returns ErrConflict if
		// the execution id already exists for the tenant.
		InsertExecution(ctx context.Context, exec Execution) error
		// UpdateExecution overwrites the mutable fields (state, status,
		// context data, updated-at) of an existing execution.
		UpdateExecution(ctx context.Context, exec Execution) error
		// LoadExecution returns the execution or ErrNotFound.
		LoadExecution(ctx context.Context, tenant, executionID string) (Execution, error)
	}

	// EventStore is the append-only log of workflow events and the source of
	// truth for state derivation.
	EventStore interface {
		// AppendEvent persists the event. Returns ErrConflict when the event
		// id already exists for the tenant.
		AppendEvent(ctx context.Context, ev Event) error
		// SetEventToState sets the event's to_state exactly once. Returns
		// ErrConflict if a non-empty to_state is already recorded.
		SetEventToState(ctx context.Context, tenant, eventID, toState string) error
		// LoadEvent returns the event or ErrNotFound.
		LoadEvent(ctx context.Context, tenant, eventID string) (Event, error)
		// ListEvents returns the execution's events ordered by
		// (created_at, event_id). A non-zero upTo bounds the replay window.
		ListEvents(ctx context.Context, tenant, executionID string, upTo time.Time) ([]Event, error)
	}

	// ProcessingStore persists event processing records.
	ProcessingStore interface {
		// InsertProcessing creates a record. Returns ErrConflict on duplicate
		// processing id.
		InsertProcessing(ctx context.Context, rec ProcessingRecord) error
		// UpdateProcessing overwrites the record's mutable fields.
		UpdateProcessing(ctx context.Context, rec ProcessingRecord) error
		// LoadProcessing returns the record or ErrNotFound.
		LoadProcessing(ctx context.Context, tenant, processingID string) (ProcessingRecord, error)
		// FindProcessingByEvent returns the record owning the given event id,
		// or ErrNotFound.
		FindProcessingByEvent(ctx context.Context, tenant, eventID string) (ProcessingRecord, error)
		// ListPending returns up to limit records in status pending or
		// published, cross-tenant, ordered by created_at ascending.
		ListPending(ctx context.Context, limit int) ([]ProcessingRecord, error)
		// ListRetryable returns up to limit records eligible for another
		// attempt: failed records with attempt_count below the bound and
		// next_attempt_at at or before now, plus stale in-flight records,
		// processing ones whose last_attempt_at and retrying ones whose
		// updated_at is before staleBefore (abandoned by a dead worker whose
		// lock has long expired).
		ListRetryable(ctx context.Context, limit int, now, staleBefore time.Time) ([]ProcessingRecord, error)
	}

	// ResultStore persists per-invocation action results for idempotent replay.
	ResultStore interface {
		// InsertResult creates a result row. Returns ErrConflict when the
		// idempotency key is already recorded for the tenant.
		InsertResult(ctx context.Context, res ActionResult) error
		// UpdateResult overwrites the result's mutable fields.
		UpdateResult(ctx context.Context, res ActionResult) error
		// FindResultByKey returns the result recorded under the idempotency
		// key, or ErrNotFound.
		FindResultByKey(ctx context.Context, tenant, idempotencyKey string) (ActionResult, error)
		// CountResultsByEvent returns the number of action results recorded
		// for the given triggering event.
		CountResultsByEvent(ctx context.Context, tenant, eventID string) (int, error)
	}

	// RegistrationStore resolves authored workflow registrations and their
	// event attachments. The runtime consults it when a definition is not
	// registered in-process; the worker's dispatcher consults it to fan
	// application events out to attached workflows.
	RegistrationStore interface {
		// LoadRegistration returns the registration or ErrNotFound.
		LoadRegistration(ctx context.Context, tenant, registrationID string) (Registration, error)
		// LoadCurrentVersion returns the registration's current version or
		// ErrNotFound.
		LoadCurrentVersion(ctx context.Context, tenant, registrationID string) (RegistrationVersion, error)
		// ListAttachments returns the active attachments for the catalog
		// event type. An unknown event type yields an empty slice, not an
		// error.
		ListAttachments(ctx context.Context, tenant, eventType string) ([]Attachment, error)
	}

	// Store aggregates the persistence seams plus the distributed transaction
	// primitive the enqueue and processing paths rely on.
	Store interface {
		ExecutionStore
		EventStore
		ProcessingStore
		ResultStore
		RegistrationStore

		// ExecuteDistributedTransaction runs fn inside a transaction
		// associated with the named key. Writes made through ctx inside fn
		// become visible atomically iff fn returns nil.
		ExecuteDistributedTransaction(ctx context.Context, key string, fn func(ctx context.Context) error) error
	}

	// LockService is a short-lived named exclusion primitive with owner token
	// and TTL, used to serialize processing per event.
	LockService interface {
		// Acquire attempts to take the lock, retrying with small backoff
		// until wait elapses. Returns false without error when the lock is
		// held by another owner.
		Acquire(ctx context.Context, key, owner string, wait, ttl time.Duration) (bool, error)
		// Release deletes the lock iff it is still owned by owner; otherwise
		// it is a no-op.
		Release(ctx context.Context, key, owner string) error
	}

	// StreamClient publishes events to the global stream and consumes them
	// via a consumer group with at-least-once delivery.
	StreamClient interface {
		// Publish appends the event to the stream and returns the
		// broker-assigned message id.
		Publish(ctx context.Context, ev StreamEvent) (string, error)
		// RegisterConsumer starts a background loop that delivers decoded,
		// schema-validated events to handler. A nil handler error
		// acknowledges the delivery; an error leaves it unacked for
		// redelivery. Invalid envelopes are logged and dropped.
		RegisterConsumer(ctx context.Context, handler func(ctx context.Context, ev StreamEvent) error) error
		// StopConsumer ceases reads; in-flight handler calls complete.
		StopConsumer(ctx context.Context) error
		// Close releases broker connections.
		Close(ctx context.Context) error
	}

	// ActionCall carries the runtime context of one action invocation.
	ActionCall struct {
		Tenant      string
		ExecutionID string
		// EventID is the triggering event, when the invocation happens while
		// applying an event.
		EventID string
		// IdempotencyKey collapses duplicate invocations into one logical
		// effect. Generated by the caller when empty.
		IdempotencyKey string
		// Params are the raw caller-supplied parameters.
		Params map[string]any
		// UserID identifies the acting user, when any.
		UserID string
	}

	// ActionRegistry invokes named actions with the persisted-result
	// protocol. Implemented by runtime/workflow/actions.
	ActionRegistry interface {
		// Execute validates parameters, then either returns the stored result
		// for the call's idempotency key or invokes the executor and records
		// the outcome.
		Execute(ctx context.Context, name string, call ActionCall) (any, error)
	}
)
