package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/features/store/inmem"
	"goa.design/flow/runtime/workflow"
	"goa.design/flow/runtime/workflow/actions"
)

// memLocks is an in-process lock service: good enough to exercise the
// contention paths without Redis.
type memLocks struct {
	mu    sync.Mutex
	owner map[string]string
}

func newMemLocks() *memLocks { return &memLocks{owner: make(map[string]string)} }

func (l *memLocks) Acquire(_ context.Context, key, owner string, _, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.owner[key]; held {
		return false, nil
	}
	l.owner[key] = owner
	return true, nil
}

func (l *memLocks) Release(_ context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner[key] == owner {
		delete(l.owner, key)
	}
	return nil
}

// memStream records published envelopes instead of talking to a broker.
type memStream struct {
	mu        sync.Mutex
	published []workflow.StreamEvent
	handler   func(context.Context, workflow.StreamEvent) error
}

func (s *memStream) Publish(_ context.Context, ev workflow.StreamEvent) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, ev)
	return fmt.Sprintf("%d-0", len(s.published)), nil
}

func (s *memStream) RegisterConsumer(_ context.Context, handler func(context.Context, workflow.StreamEvent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *memStream) StopConsumer(context.Context) error { return nil }
func (s *memStream) Close(context.Context) error        { return nil }

func (s *memStream) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func newTestRuntime(t *testing.T, store workflow.Store, mode workflow.Mode) (*workflow.Runtime, *memStream, *memLocks) {
	t.Helper()
	registry, err := actions.New(actions.Options{Results: store})
	require.NoError(t, err)
	stream := &memStream{}
	locks := newMemLocks()
	rt, err := workflow.New(workflow.Options{
		Store:   store,
		Locks:   locks,
		Stream:  stream,
		Actions: registry,
		Mode:    mode,
	})
	require.NoError(t, err)
	return rt, stream, locks
}

func approvalWorkflow() *workflow.Definition {
	return &workflow.Definition{
		Name:    "order-approval",
		Version: "1",
		Execute: func(ctx context.Context, wf *workflow.Context) error {
			if err := wf.SetState(ctx, "waiting_approval"); err != nil {
				return err
			}
			ev, err := wf.WaitFor(ctx, "approve", "reject")
			if err != nil {
				return err
			}
			if ev.Name == "reject" {
				return wf.SetState(ctx, "rejected")
			}
			if err := wf.Set(ctx, "approved_by", ev.UserID); err != nil {
				return err
			}
			return wf.SetState(ctx, "approved")
		},
	}
}

func TestDirectModeLifecycle(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDirect)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{
		Tenant:      "acme",
		InitialData: map[string]any{"order_id": "ord-7"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.InitialState, started.CurrentState)

	// Let the body reach its wait, then approve.
	waitForState(t, rt, "acme", started.ExecutionID, "waiting_approval")
	_, err = rt.SubmitEventSync(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
		UserID:      "alice",
	})
	require.NoError(t, err)

	state, err := rt.WaitForCompletion(ctx, "acme", started.ExecutionID, workflow.WaitOptions{
		MaxWait:       5 * time.Second,
		CheckInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.True(t, state.IsComplete)
	assert.Equal(t, "approved", state.CurrentState)
	assert.Equal(t, "alice", state.Data["approved_by"])
	assert.Equal(t, "ord-7", state.Data["order_id"])

	exec, err := store.LoadExecution(ctx, "acme", started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCompleted, exec.Status)
	assert.Equal(t, "approved", exec.CurrentState)
}

func TestSubmitEventSyncIdempotent(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDirect)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	waitForState(t, rt, "acme", started.ExecutionID, "waiting_approval")

	opts := workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
		EventID:     "evt-once",
	}
	_, err = rt.SubmitEventSync(ctx, opts)
	require.NoError(t, err)
	// Same idempotency key again: success, no second event.
	_, err = rt.SubmitEventSync(ctx, opts)
	require.NoError(t, err)

	events, err := store.ListEvents(ctx, "acme", started.ExecutionID, time.Time{})
	require.NoError(t, err)
	n := 0
	for _, ev := range events {
		if ev.EventID == "evt-once" {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestEnqueueEventIdempotent(t *testing.T) {
	store := inmem.New()
	rt, stream, _ := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)

	opts := workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
		EventID:     "evt-dup",
	}
	first, err := rt.EnqueueEvent(ctx, opts)
	require.NoError(t, err)
	second, err := rt.EnqueueEvent(ctx, opts)
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)
	assert.Equal(t, first.ProcessingID, second.ProcessingID)
	assert.Equal(t, 1, stream.count(), "duplicate enqueue must not publish again")

	rec, err := store.FindProcessingByEvent(ctx, "acme", "evt-dup")
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingPublished, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)
}

func TestProcessQueuedEventAppliesEvent(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	waitForState(t, rt, "acme", started.ExecutionID, "waiting_approval")

	enq, err := rt.EnqueueEvent(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
		UserID:      "alice",
	})
	require.NoError(t, err)

	result, err := rt.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       "acme",
		EventID:      enq.EventID,
		ExecutionID:  started.ExecutionID,
		ProcessingID: enq.ProcessingID,
		WorkerID:     "w1",
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "waiting_approval", result.PreviousState)

	rec, err := store.LoadProcessing(ctx, "acme", enq.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingCompleted, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Equal(t, "w1", rec.WorkerID)

	ev, err := store.LoadEvent(ctx, "acme", enq.EventID)
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ToState, "to_state must be finalized")

	// The approve event resolves the body's wait and completes the run.
	state, err := rt.WaitForCompletion(ctx, "acme", started.ExecutionID, workflow.WaitOptions{
		MaxWait:       5 * time.Second,
		CheckInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, "approved", state.CurrentState)
}

func TestProcessQueuedEventLockContention(t *testing.T) {
	store := inmem.New()
	rt, _, locks := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	enq, err := rt.EnqueueEvent(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
	})
	require.NoError(t, err)

	// Another worker holds the event lock.
	held, err := locks.Acquire(ctx, "event:"+enq.EventID+":processing", "worker:other", 0, time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	result, err := rt.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       "acme",
		EventID:      enq.EventID,
		ExecutionID:  started.ExecutionID,
		ProcessingID: enq.ProcessingID,
		WorkerID:     "w1",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Empty(t, result.ErrorMessage)

	// No side effects: the record was never claimed.
	rec, err := store.LoadProcessing(ctx, "acme", enq.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingPublished, rec.Status)
	assert.Equal(t, 0, rec.AttemptCount)
}

// flakyStore injects errors into event loads to drive the failure paths.
type flakyStore struct {
	workflow.Store
	loadEventErr error
}

func (s *flakyStore) LoadEvent(ctx context.Context, tenant, eventID string) (workflow.Event, error) {
	if s.loadEventErr != nil {
		return workflow.Event{}, s.loadEventErr
	}
	return s.Store.LoadEvent(ctx, tenant, eventID)
}

func TestProcessingFailureSchedulesRetry(t *testing.T) {
	base := inmem.New()
	store := &flakyStore{Store: base, loadEventErr: workflow.Transientf("store unavailable")}
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	enq, err := rt.EnqueueEvent(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
	})
	require.NoError(t, err)

	_, err = rt.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       "acme",
		EventID:      enq.EventID,
		ExecutionID:  started.ExecutionID,
		ProcessingID: enq.ProcessingID,
		WorkerID:     "w1",
	})
	require.Error(t, err, "the failure cause surfaces to the caller")
	assert.True(t, workflow.IsTransient(err))
	assert.Contains(t, err.Error(), "store unavailable")

	rec, err := store.LoadProcessing(ctx, "acme", enq.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingFailed, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	require.NotNil(t, rec.NextAttemptAt, "transient failures must be rescheduled")
	assert.NotEmpty(t, rec.ErrorMessage)
}

func TestProcessingValidationFailureIsPermanent(t *testing.T) {
	base := inmem.New()
	store := &flakyStore{Store: base, loadEventErr: workflow.Validationf("malformed payload")}
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	enq, err := rt.EnqueueEvent(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
	})
	require.NoError(t, err)

	_, err = rt.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       "acme",
		EventID:      enq.EventID,
		ExecutionID:  started.ExecutionID,
		ProcessingID: enq.ProcessingID,
		WorkerID:     "w1",
	})
	require.Error(t, err)
	assert.True(t, workflow.IsValidation(err))

	rec, err := store.LoadProcessing(ctx, "acme", enq.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingFailed, rec.Status)
	assert.Nil(t, rec.NextAttemptAt, "validation failures must not be retried")
}

func TestProcessingMissingEventIsPermanent(t *testing.T) {
	base := inmem.New()
	store := &flakyStore{Store: base, loadEventErr: workflow.NotFoundf("event vanished")}
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDistributed)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)
	enq, err := rt.EnqueueEvent(ctx, workflow.SubmitOptions{
		Tenant:      "acme",
		ExecutionID: started.ExecutionID,
		Name:        "approve",
	})
	require.NoError(t, err)

	_, err = rt.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       "acme",
		EventID:      enq.EventID,
		ExecutionID:  started.ExecutionID,
		ProcessingID: enq.ProcessingID,
		WorkerID:     "w1",
	})
	require.Error(t, err)
	assert.True(t, workflow.IsNotFound(err))

	rec, err := store.LoadProcessing(ctx, "acme", enq.ProcessingID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ProcessingFailed, rec.Status)
	assert.Nil(t, rec.NextAttemptAt, "a missing event can never be retried into existence")
}

func TestStartRegisteredExecution(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDirect)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	meta, err := workflow.EncodeVersionMetadata("order-approval", "1")
	require.NoError(t, err)
	store.PutRegistration(
		workflow.Registration{Tenant: "acme", RegistrationID: "reg-1", Name: "Order Approval", CurrentVersion: "v1"},
		workflow.RegistrationVersion{
			Tenant:         "acme",
			RegistrationID: "reg-1",
			VersionID:      "v1",
			Definition:     meta,
			IsCurrent:      true,
		},
	)

	started, err := rt.StartRegisteredExecution(ctx, "acme", "reg-1", workflow.StartOptions{})
	require.NoError(t, err)

	exec, err := store.LoadExecution(ctx, "acme", started.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "order-approval", exec.WorkflowName)
	assert.Equal(t, "1", exec.WorkflowVersion)
}

func TestStartExecutionUnknownWorkflow(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDirect)

	_, err := rt.StartExecution(context.Background(), "nope", workflow.StartOptions{Tenant: "acme"})
	assert.True(t, workflow.IsNotFound(err))
}

func TestWaitForCompletionTimeout(t *testing.T) {
	store := inmem.New()
	rt, _, _ := newTestRuntime(t, store, workflow.ModeDirect)
	require.NoError(t, rt.RegisterWorkflow(approvalWorkflow()))
	ctx := context.Background()

	started, err := rt.StartExecution(ctx, "order-approval", workflow.StartOptions{Tenant: "acme"})
	require.NoError(t, err)

	state, err := rt.WaitForCompletion(ctx, "acme", started.ExecutionID, workflow.WaitOptions{
		MaxWait:       150 * time.Millisecond,
		CheckInterval: 20 * time.Millisecond,
	})
	require.Error(t, err)
	assert.False(t, state.IsComplete)
}

// waitForState polls until the execution reaches the expected state so tests
// can synchronize with the detached body goroutine.
func waitForState(t *testing.T, rt *workflow.Runtime, tenant, executionID, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, err := rt.GetExecutionState(context.Background(), tenant, executionID)
		require.NoError(t, err)
		if state.CurrentState == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("execution never reached state %q (at %q)", want, state.CurrentState)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
