package actions_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/features/store/inmem"
	"goa.design/flow/runtime/workflow"
	"goa.design/flow/runtime/workflow/actions"
)

func newRegistry(t *testing.T) (*actions.Registry, *inmem.Store) {
	t.Helper()
	store := inmem.New()
	registry, err := actions.New(actions.Options{Results: store, Transactor: txRecorder{}})
	require.NoError(t, err)
	return registry, store
}

type txRecorder struct{}

func (txRecorder) InTransaction(ctx context.Context, _ actions.IsolationLevel, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestExecuteRecordsResult(t *testing.T) {
	registry, store := newRegistry(t)
	require.NoError(t, registry.Register("notify", "", nil, func(_ context.Context, in actions.Input) (any, error) {
		return "sent to " + in.Params["to"].(string), nil
	}))
	ctx := context.Background()

	out, err := registry.Execute(ctx, "notify", workflow.ActionCall{
		Tenant:         "acme",
		ExecutionID:    "exec-1",
		EventID:        "evt-1",
		IdempotencyKey: "exec-1-notify-1",
		Params:         map[string]any{"to": "alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, "sent to alice", out)

	res, err := store.FindResultByKey(ctx, "acme", "exec-1-notify-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.ReadyToExecute)
	assert.NotNil(t, res.CompletedAt)
	assert.Equal(t, "sent to alice", res.Result)

	n, err := store.CountResultsByEvent(ctx, "acme", "evt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecuteReplaysStoredResult(t *testing.T) {
	registry, _ := newRegistry(t)
	invocations := 0
	require.NoError(t, registry.Register("charge", "", nil, func(context.Context, actions.Input) (any, error) {
		invocations++
		return invocations, nil
	}))
	ctx := context.Background()
	call := workflow.ActionCall{Tenant: "acme", ExecutionID: "exec-1", IdempotencyKey: "exec-1-charge-1"}

	first, err := registry.Execute(ctx, "charge", call)
	require.NoError(t, err)
	second, err := registry.Execute(ctx, "charge", call)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, invocations, "replay must not re-invoke the executor")
}

func TestExecuteReplaysStoredFailure(t *testing.T) {
	registry, _ := newRegistry(t)
	invocations := 0
	require.NoError(t, registry.Register("flaky", "", nil, func(context.Context, actions.Input) (any, error) {
		invocations++
		return nil, errors.New("downstream rejected")
	}))
	ctx := context.Background()
	call := workflow.ActionCall{Tenant: "acme", ExecutionID: "exec-1", IdempotencyKey: "exec-1-flaky-1"}

	_, err := registry.Execute(ctx, "flaky", call)
	require.Error(t, err)
	_, err = registry.Execute(ctx, "flaky", call)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "downstream rejected")
	assert.Equal(t, 1, invocations)
}

func TestExecuteUnknownAction(t *testing.T) {
	registry, _ := newRegistry(t)
	_, err := registry.Execute(context.Background(), "missing", workflow.ActionCall{Tenant: "acme"})
	assert.True(t, workflow.IsNotFound(err))
}

func TestExecuteParameterValidation(t *testing.T) {
	registry, _ := newRegistry(t)
	require.NoError(t, registry.Register("ship", "", []actions.Param{
		{Name: "address", Required: true},
		{Name: "carrier", Default: "ups"},
	}, func(_ context.Context, in actions.Input) (any, error) {
		return in.Params, nil
	}))
	ctx := context.Background()

	_, err := registry.Execute(ctx, "ship", workflow.ActionCall{Tenant: "acme", IdempotencyKey: "k1"})
	assert.True(t, workflow.IsValidation(err), "missing required parameter is a validation error")

	out, err := registry.Execute(ctx, "ship", workflow.ActionCall{
		Tenant:         "acme",
		IdempotencyKey: "k2",
		Params:         map[string]any{"address": "1 Main St"},
	})
	require.NoError(t, err)
	params := out.(map[string]any)
	assert.Equal(t, "1 Main St", params["address"])
	assert.Equal(t, "ups", params["carrier"])
}

func TestRegisterTransactional(t *testing.T) {
	registry, _ := newRegistry(t)
	require.NoError(t, registry.RegisterTransactional("reserve", nil, actions.IsolationSerializable,
		func(context.Context, actions.Input) (any, error) {
			return "reserved", nil
		}))

	out, err := registry.Execute(context.Background(), "reserve", workflow.ActionCall{
		Tenant:         "acme",
		IdempotencyKey: "k-tx",
	})
	require.NoError(t, err)
	assert.Equal(t, "reserved", out)
}

func TestRegisterTransactionalWithoutTransactor(t *testing.T) {
	store := inmem.New()
	registry, err := actions.New(actions.Options{Results: store})
	require.NoError(t, err)
	err = registry.RegisterTransactional("reserve", nil, actions.IsolationDefault,
		func(context.Context, actions.Input) (any, error) { return nil, nil })
	assert.Error(t, err)
}

func TestListSorted(t *testing.T) {
	registry, _ := newRegistry(t)
	noop := func(context.Context, actions.Input) (any, error) { return nil, nil }
	require.NoError(t, registry.Register("zeta", "", nil, noop))
	require.NoError(t, registry.Register("alpha", "", nil, noop))

	infos := registry.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "zeta", infos[1].Name)
}
