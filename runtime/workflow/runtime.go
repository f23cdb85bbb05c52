package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"
)

// Mode selects how events emitted by workflow bodies reach their execution.
type Mode string

const (
	// ModeDistributed enqueues events through the store and stream so any
	// worker can process them. The default.
	ModeDistributed Mode = "distributed"
	// ModeDirect applies events synchronously in-process, bypassing the
	// stream. Used for tests and single-process deployments.
	ModeDirect Mode = "direct"
)

// Defaults for the processing protocol.
const (
	// DefaultLockTTL bounds how long a per-event lock outlives its owner.
	DefaultLockTTL = 60 * time.Second
	// DefaultLockWait bounds how long processing waits for the lock before
	// giving up without side effects.
	DefaultLockWait = 5 * time.Second
	// DefaultMaxAttempts bounds processing attempts per event.
	DefaultMaxAttempts = 3
)

// errDuplicateEvent aborts the enqueue transaction when the event id is
// already stored; the caller turns it into idempotent success.
var errDuplicateEvent = errors.New("duplicate event")

type (
	// DefinitionLoader resolves workflow definitions that are not registered
	// in-process.
	DefinitionLoader interface {
		LoadDefinition(ctx context.Context, name, version string) (*Definition, error)
	}

	// Options configures a Runtime.
	Options struct {
		// Store is the persistence seam. Required.
		Store Store
		// Locks serializes processing per event. Required in distributed mode.
		Locks LockService
		// Stream publishes enqueued events. Required in distributed mode.
		Stream StreamClient
		// Actions invokes named actions with persisted results. Required.
		Actions ActionRegistry
		// Mode selects distributed (default) or direct event submission.
		Mode Mode
		// Loader resolves definitions absent from the in-process registry.
		Loader DefinitionLoader
		// StateCacheTTL bounds derived-state staleness. Defaults to
		// DefaultStateCacheTTL.
		StateCacheTTL time.Duration
		// LockTTL and LockWait tune the per-event processing lock.
		LockTTL  time.Duration
		LockWait time.Duration
		// MaxAttempts is the default attempt bound for processing records.
		MaxAttempts int
	}

	// Runtime coordinates executions: it starts them, submits and enqueues
	// events, processes queued events under the per-event lock and exposes
	// derived state to callers.
	Runtime struct {
		store   Store
		locks   LockService
		stream  StreamClient
		actions ActionRegistry
		mode    Mode
		loader  DefinitionLoader
		sourcer *Sourcer
		defs    *definitionSet
		hub     *waiterHub

		lockTTL     time.Duration
		lockWait    time.Duration
		maxAttempts int
	}

	// StartOptions configures a new execution.
	StartOptions struct {
		// Tenant scopes the execution. Required.
		Tenant string
		// Version pins a definition version; empty selects the latest.
		Version string
		// InitialData seeds the execution data map.
		InitialData map[string]any
		// UserID identifies the starting user, when any.
		UserID string
	}

	// StartResult reports the newly created execution.
	StartResult struct {
		ExecutionID  string
		CurrentState string
		IsComplete   bool
	}

	// SubmitOptions describes an event submitted to an execution.
	SubmitOptions struct {
		Tenant      string
		ExecutionID string
		// Name is the workflow event name.
		Name string
		// Type classifies the event; defaults to EventTypeWorkflow.
		Type    EventType
		Payload map[string]any
		UserID  string
		// EventID doubles as the idempotency key. Generated when empty.
		EventID string
		// CatalogType carries the application event type for stream
		// projection (e.g. "ticket.created"). Defaults to string(Type).
		CatalogType string
	}

	// SubmitResult reports the execution state after a synchronous apply.
	SubmitResult struct {
		CurrentState string
		IsComplete   bool
	}

	// EnqueueResult identifies the stored event and its processing record.
	EnqueueResult struct {
		EventID      string
		ProcessingID string
	}

	// ProcessOptions identifies a queued event to process on behalf of a
	// worker.
	ProcessOptions struct {
		Tenant       string
		EventID      string
		ExecutionID  string
		ProcessingID string
		WorkerID     string
	}

	// ProcessResult reports the outcome of one processing attempt.
	ProcessResult struct {
		// Success is false when the lock was contended: another worker owns
		// the event and this attempt had no side effects. Processing failures
		// are returned as errors instead so the caller can classify them.
		Success         bool
		PreviousState   string
		CurrentState    string
		ActionsExecuted int
		ErrorMessage    string
	}

	// WaitOptions tune WaitForCompletion polling.
	WaitOptions struct {
		// MaxWait bounds the total wait. Defaults to 30s.
		MaxWait time.Duration
		// CheckInterval is the polling cadence. Defaults to 250ms.
		CheckInterval time.Duration
	}
)

// New validates opts and returns a Runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required: %w", ErrConfig)
	}
	if opts.Actions == nil {
		return nil, fmt.Errorf("action registry is required: %w", ErrConfig)
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeDistributed
	}
	if mode == ModeDistributed {
		if opts.Stream == nil {
			return nil, fmt.Errorf("stream client is required in distributed mode: %w", ErrConfig)
		}
		if opts.Locks == nil {
			return nil, fmt.Errorf("lock service is required in distributed mode: %w", ErrConfig)
		}
	}
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	lockWait := opts.LockWait
	if lockWait <= 0 {
		lockWait = DefaultLockWait
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Runtime{
		store:       opts.Store,
		locks:       opts.Locks,
		stream:      opts.Stream,
		actions:     opts.Actions,
		mode:        mode,
		loader:      opts.Loader,
		sourcer:     NewSourcer(opts.Store, opts.StateCacheTTL),
		defs:        newDefinitionSet(),
		hub:         newWaiterHub(),
		lockTTL:     lockTTL,
		lockWait:    lockWait,
		maxAttempts: maxAttempts,
	}, nil
}

// Mode returns the configured submission mode.
func (r *Runtime) Mode() Mode { return r.mode }

// LockTTL returns the per-event lock TTL; the worker's stale-row promotion
// derives its threshold from it.
func (r *Runtime) LockTTL() time.Duration { return r.lockTTL }

// RegisterWorkflow stores a compiled definition in memory. Registering the
// same name and version again overwrites.
func (r *Runtime) RegisterWorkflow(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("definition name is required: %w", ErrConfig)
	}
	if def.Execute == nil {
		return fmt.Errorf("definition %q has no execute function: %w", def.Name, ErrConfig)
	}
	r.defs.add(def)
	return nil
}

// Definition resolves a workflow definition by name and optional version,
// falling back to the configured loader when absent from memory.
func (r *Runtime) Definition(ctx context.Context, name, version string) (*Definition, error) {
	if def, ok := r.defs.get(name, version); ok {
		return def, nil
	}
	if r.loader != nil {
		def, err := r.loader.LoadDefinition(ctx, name, version)
		if err != nil {
			return nil, err
		}
		r.defs.add(def)
		return def, nil
	}
	return nil, NotFoundf("workflow %q version %q", name, version)
}

// StartExecution creates a new execution of the named workflow, appends the
// workflow.started event and spawns the execute function in the background.
// It returns as soon as the execution is durable.
func (r *Runtime) StartExecution(ctx context.Context, name string, opts StartOptions) (*StartResult, error) {
	if opts.Tenant == "" {
		return nil, Validationf("tenant is required")
	}
	def, err := r.Definition(ctx, name, opts.Version)
	if err != nil {
		return nil, err
	}
	executionID := uuid.NewString()
	now := time.Now().UTC()
	exec := Execution{
		Tenant:          opts.Tenant,
		ExecutionID:     executionID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		CurrentState:    InitialState,
		Status:          ExecutionActive,
		Context:         cloneMap(opts.InitialData),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	started := Event{
		Tenant:      opts.Tenant,
		EventID:     uuid.NewString(),
		ExecutionID: executionID,
		Name:        EventWorkflowStarted,
		Type:        EventTypeSystem,
		Payload:     map[string]any{"data": cloneMap(opts.InitialData)},
		UserID:      opts.UserID,
		FromState:   "none",
		ToState:     InitialState,
		CreatedAt:   now,
	}
	if err := r.store.AppendEvent(ctx, started); err != nil {
		return nil, fmt.Errorf("append started event: %w", err)
	}
	go r.runBody(def, opts.Tenant, executionID)
	return &StartResult{ExecutionID: executionID, CurrentState: InitialState}, nil
}

// StartRegisteredExecution resolves a registration's current version and
// starts an execution of the workflow it names. Used by the worker's global
// dispatcher.
func (r *Runtime) StartRegisteredExecution(ctx context.Context, tenant, registrationID string, opts StartOptions) (*StartResult, error) {
	version, err := r.store.LoadCurrentVersion(ctx, tenant, registrationID)
	if err != nil {
		return nil, err
	}
	name, ver := version.Name, version.Version
	if name == "" && len(version.Definition) > 0 {
		meta, err := decodeVersionMetadata(version.Definition)
		if err != nil {
			return nil, err
		}
		name, ver = meta.Name, meta.Version
	}
	opts.Version = ver
	opts.Tenant = tenant
	return r.StartExecution(ctx, name, opts)
}

// runBody drives one execute function to completion. The body runs detached
// from the starting request; its lifetime is bounded by the process.
func (r *Runtime) runBody(def *Definition, tenant, executionID string) {
	ctx := log.With(context.Background(),
		log.KV{K: "workflow", V: def.Name},
		log.KV{K: "execution_id", V: executionID},
		log.KV{K: "tenant", V: tenant},
	)
	wf := newContext(ctx, r, def, tenant, executionID)
	defer wf.close()
	if err := def.Execute(ctx, wf); err != nil {
		log.Errorf(ctx, err, "workflow execution failed")
		r.failExecution(ctx, tenant, executionID)
		return
	}
	if _, err := r.submitLocal(ctx, SubmitOptions{
		Tenant:      tenant,
		ExecutionID: executionID,
		Name:        EventWorkflowCompleted,
		Type:        EventTypeSystem,
	}); err != nil {
		log.Errorf(ctx, err, "record workflow completion")
	}
}

func (r *Runtime) failExecution(ctx context.Context, tenant, executionID string) {
	exec, err := r.store.LoadExecution(ctx, tenant, executionID)
	if err != nil {
		log.Errorf(ctx, err, "load execution for failure update")
		return
	}
	exec.Status = ExecutionFailed
	exec.UpdatedAt = time.Now().UTC()
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		log.Errorf(ctx, err, "mark execution failed")
	}
	r.sourcer.Invalidate(tenant, executionID)
}

// SubmitEvent routes an event according to the runtime mode: enqueue through
// the stream in distributed mode, apply synchronously in direct mode.
func (r *Runtime) SubmitEvent(ctx context.Context, opts SubmitOptions) error {
	if r.mode == ModeDistributed {
		_, err := r.EnqueueEvent(ctx, opts)
		return err
	}
	_, err := r.SubmitEventSync(ctx, opts)
	return err
}

// SubmitEventSync loads the execution state, applies the event in memory,
// persists it with its to_state, updates the execution row and notifies
// in-process waiters. Only used when distributed mode is disabled (and by
// the runtime itself for body-local system events).
func (r *Runtime) SubmitEventSync(ctx context.Context, opts SubmitOptions) (*SubmitResult, error) {
	return r.submitLocal(ctx, opts)
}

func (r *Runtime) submitLocal(ctx context.Context, opts SubmitOptions) (*SubmitResult, error) {
	if err := validateSubmit(opts); err != nil {
		return nil, err
	}
	exec, err := r.store.LoadExecution(ctx, opts.Tenant, opts.ExecutionID)
	if err != nil {
		return nil, err
	}
	r.sourcer.Invalidate(opts.Tenant, opts.ExecutionID)
	state, _, err := r.sourcer.Replay(ctx, opts.Tenant, opts.ExecutionID, ReplayOptions{})
	if err != nil {
		return nil, err
	}
	ev := newEvent(opts, state.CurrentState)
	ApplyEvent(state, ev)
	ev.ToState = state.CurrentState
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		if IsConflict(err) {
			// Same idempotency key applied before; report current state.
			return &SubmitResult{CurrentState: state.CurrentState, IsComplete: state.IsComplete}, nil
		}
		return nil, fmt.Errorf("append event: %w", err)
	}
	exec.CurrentState = state.CurrentState
	exec.Context = cloneMap(state.Data)
	exec.UpdatedAt = time.Now().UTC()
	if state.IsComplete && exec.Status == ExecutionActive {
		exec.Status = ExecutionCompleted
	}
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	r.sourcer.Invalidate(opts.Tenant, opts.ExecutionID)
	r.hub.notify(opts.Tenant, opts.ExecutionID, ev)
	return &SubmitResult{CurrentState: state.CurrentState, IsComplete: state.IsComplete}, nil
}

// EnqueueEvent durably records the event, its processing record and the
// stream publication in one distributed transaction keyed by the execution.
// Calling it twice with the same idempotency key returns the same event id
// and leaves exactly one event and one processing row behind.
func (r *Runtime) EnqueueEvent(ctx context.Context, opts SubmitOptions) (*EnqueueResult, error) {
	if err := validateSubmit(opts); err != nil {
		return nil, err
	}
	exec, err := r.store.LoadExecution(ctx, opts.Tenant, opts.ExecutionID)
	if err != nil {
		return nil, err
	}
	ev := newEvent(opts, exec.CurrentState)
	processingID := uuid.NewString()
	now := time.Now().UTC()
	rec := ProcessingRecord{
		Tenant:       opts.Tenant,
		ProcessingID: processingID,
		EventID:      ev.EventID,
		ExecutionID:  opts.ExecutionID,
		Status:       ProcessingPending,
		MaxAttempts:  r.maxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	txKey := "workflow:" + opts.ExecutionID
	err = r.store.ExecuteDistributedTransaction(ctx, txKey, func(ctx context.Context) error {
		if err := r.store.AppendEvent(ctx, ev); err != nil {
			if IsConflict(err) {
				return errDuplicateEvent
			}
			return fmt.Errorf("append event: %w", err)
		}
		if err := r.store.InsertProcessing(ctx, rec); err != nil {
			return fmt.Errorf("insert processing record: %w", err)
		}
		if _, err := r.stream.Publish(ctx, streamEventFor(ev, opts.CatalogType)); err != nil {
			return Transientf("publish event %s: %v", ev.EventID, err)
		}
		rec.Status = ProcessingPublished
		rec.UpdatedAt = time.Now().UTC()
		if err := r.store.UpdateProcessing(ctx, rec); err != nil {
			return fmt.Errorf("mark processing published: %w", err)
		}
		return nil
	})
	if errors.Is(err, errDuplicateEvent) {
		existing, ferr := r.store.FindProcessingByEvent(ctx, opts.Tenant, ev.EventID)
		if ferr != nil {
			return nil, fmt.Errorf("resolve duplicate enqueue of %s: %w", ev.EventID, ferr)
		}
		return &EnqueueResult{EventID: ev.EventID, ProcessingID: existing.ProcessingID}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Debugf(ctx, "enqueued event %s for execution %s", ev.EventID, opts.ExecutionID)
	return &EnqueueResult{EventID: ev.EventID, ProcessingID: processingID}, nil
}

// ProcessQueuedEvent applies one queued event on behalf of a worker. It
// acquires the per-event lock, claims the processing record, derives the
// post-event state from the authoritative log, and finalizes the event's
// to_state, the execution row and the record in one transaction. Lock
// contention returns Success=false without touching the record. A processing
// failure marks the record failed and returns the cause to the caller, whose
// retry classification refines the recorded schedule.
func (r *Runtime) ProcessQueuedEvent(ctx context.Context, opts ProcessOptions) (*ProcessResult, error) {
	lockKey := "event:" + opts.EventID + ":processing"
	owner := "worker:" + opts.WorkerID
	acquired, err := r.locks.Acquire(ctx, lockKey, owner, r.lockWait, r.lockTTL)
	if err != nil {
		return nil, Transientf("acquire lock %s: %v", lockKey, err)
	}
	if !acquired {
		return &ProcessResult{Success: false}, nil
	}
	defer func() {
		if err := r.locks.Release(context.WithoutCancel(ctx), lockKey, owner); err != nil {
			log.Errorf(ctx, err, "release lock %s", lockKey)
		}
	}()

	rec, err := r.store.LoadProcessing(ctx, opts.Tenant, opts.ProcessingID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	rec.Status = ProcessingInFlight
	rec.WorkerID = opts.WorkerID
	rec.AttemptCount++
	rec.LastAttemptAt = &now
	rec.UpdatedAt = now
	if err := r.store.UpdateProcessing(ctx, rec); err != nil {
		return nil, fmt.Errorf("claim processing record: %w", err)
	}

	result, err := r.applyQueuedEvent(ctx, opts, &rec)
	if err != nil {
		r.recordProcessingFailure(ctx, rec, err)
		return nil, err
	}
	return result, nil
}

func (r *Runtime) applyQueuedEvent(ctx context.Context, opts ProcessOptions, rec *ProcessingRecord) (*ProcessResult, error) {
	ev, err := r.store.LoadEvent(ctx, opts.Tenant, opts.EventID)
	if err != nil {
		return nil, err
	}
	r.sourcer.Invalidate(opts.Tenant, opts.ExecutionID)
	state, _, err := r.sourcer.Replay(ctx, opts.Tenant, opts.ExecutionID, ReplayOptions{})
	if err != nil {
		return nil, err
	}
	exec, err := r.store.LoadExecution(ctx, opts.Tenant, opts.ExecutionID)
	if err != nil {
		return nil, err
	}
	previous := ev.FromState
	current := state.CurrentState

	err = r.store.ExecuteDistributedTransaction(ctx, "workflow:"+opts.ExecutionID, func(ctx context.Context) error {
		if ev.ToState == "" {
			if err := r.store.SetEventToState(ctx, opts.Tenant, ev.EventID, current); err != nil {
				return fmt.Errorf("set event to_state: %w", err)
			}
		}
		exec.CurrentState = current
		exec.Context = cloneMap(state.Data)
		exec.UpdatedAt = time.Now().UTC()
		if state.IsComplete && exec.Status == ExecutionActive {
			exec.Status = ExecutionCompleted
		}
		if err := r.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("update execution: %w", err)
		}
		rec.Status = ProcessingCompleted
		rec.ErrorMessage = ""
		rec.UpdatedAt = time.Now().UTC()
		if err := r.store.UpdateProcessing(ctx, *rec); err != nil {
			return fmt.Errorf("mark processing completed: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ev.ToState = current
	r.sourcer.Invalidate(opts.Tenant, opts.ExecutionID)
	r.hub.notify(opts.Tenant, opts.ExecutionID, ev)
	actions, cerr := r.store.CountResultsByEvent(ctx, opts.Tenant, ev.EventID)
	if cerr != nil {
		log.Errorf(ctx, cerr, "count action results for event %s", ev.EventID)
	}
	return &ProcessResult{
		Success:         true,
		PreviousState:   previous,
		CurrentState:    current,
		ActionsExecuted: actions,
	}, nil
}

// recordProcessingFailure marks the record failed. Validation, conflict and
// not-found errors are permanent and never rescheduled; everything else
// receives an exponential next-attempt time for the retry scan.
func (r *Runtime) recordProcessingFailure(ctx context.Context, rec ProcessingRecord, cause error) {
	now := time.Now().UTC()
	rec.Status = ProcessingFailed
	rec.ErrorMessage = cause.Error()
	rec.UpdatedAt = now
	rec.NextAttemptAt = nil
	if !IsValidation(cause) && !IsConflict(cause) && !IsNotFound(cause) {
		next := now.Add(retryDelay(rec.AttemptCount))
		rec.NextAttemptAt = &next
	}
	if err := r.store.UpdateProcessing(ctx, rec); err != nil {
		log.Errorf(ctx, err, "mark processing %s failed", rec.ProcessingID)
	}
	log.Errorf(ctx, cause, "processing event %s failed (attempt %d/%d)", rec.EventID, rec.AttemptCount, rec.MaxAttempts)
}

// retryDelay grows exponentially with the attempt count, capped at 5 minutes.
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second << uint(attempt-1)
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// GetExecutionState returns the cached or freshly replayed state.
func (r *Runtime) GetExecutionState(ctx context.Context, tenant, executionID string) (*ExecutionState, error) {
	state, _, err := r.sourcer.Replay(ctx, tenant, executionID, ReplayOptions{})
	return state, err
}

// ReplayExecution exposes time-travel replay with explicit options.
func (r *Runtime) ReplayExecution(ctx context.Context, tenant, executionID string, opts ReplayOptions) (*ExecutionState, int, error) {
	return r.sourcer.Replay(ctx, tenant, executionID, opts)
}

// WaitForCompletion polls the derived state until the execution completes or
// the deadline passes.
func (r *Runtime) WaitForCompletion(ctx context.Context, tenant, executionID string, opts WaitOptions) (*ExecutionState, error) {
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	deadline := time.Now().Add(maxWait)
	for {
		state, err := r.GetExecutionState(ctx, tenant, executionID)
		if err != nil {
			return nil, err
		}
		if state.IsComplete {
			return state, nil
		}
		if time.Now().After(deadline) {
			return state, fmt.Errorf("execution %s did not complete within %s", executionID, maxWait)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func validateSubmit(opts SubmitOptions) error {
	if opts.Tenant == "" {
		return Validationf("tenant is required")
	}
	if opts.ExecutionID == "" {
		return Validationf("execution id is required")
	}
	if opts.Name == "" {
		return Validationf("event name is required")
	}
	return nil
}

func newEvent(opts SubmitOptions, fromState string) Event {
	eventID := opts.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	typ := opts.Type
	if typ == "" {
		typ = EventTypeWorkflow
	}
	return Event{
		Tenant:      opts.Tenant,
		EventID:     eventID,
		ExecutionID: opts.ExecutionID,
		Name:        opts.Name,
		Type:        typ,
		Payload:     cloneMap(opts.Payload),
		UserID:      opts.UserID,
		FromState:   fromState,
		CreatedAt:   time.Now().UTC(),
	}
}

func streamEventFor(ev Event, catalogType string) StreamEvent {
	if catalogType == "" {
		catalogType = string(ev.Type)
	}
	return StreamEvent{
		EventID:     ev.EventID,
		ExecutionID: ev.ExecutionID,
		Tenant:      ev.Tenant,
		EventType:   catalogType,
		EventName:   ev.Name,
		Payload:     ev.Payload,
	}
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
