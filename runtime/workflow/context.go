package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/clue/log"
)

// waitPollInterval is the fallback cadence for WaitFor when the awaited
// event is applied by another worker and never reaches the local hub.
const waitPollInterval = 500 * time.Millisecond

// Context is the facility surface handed to execute functions. It is bound
// to a single execution and must not be shared across executions. All reads
// go through the derived state so restarts recover transparently: a body
// re-run after a crash finds its data writes and consumed events in the log.
type Context struct {
	rt          *Runtime
	def         *Definition
	tenant      string
	executionID string
	logCtx      context.Context

	inbox chan Event
	unsub func()

	mu       sync.Mutex
	queue    []Event
	consumed map[string]bool
	seq      int
}

func newContext(ctx context.Context, rt *Runtime, def *Definition, tenant, executionID string) *Context {
	c := &Context{
		rt:          rt,
		def:         def,
		tenant:      tenant,
		executionID: executionID,
		logCtx:      ctx,
		inbox:       make(chan Event, 64),
		consumed:    make(map[string]bool),
	}
	c.unsub = rt.hub.subscribe(tenant, executionID, c.inbox)
	return c
}

func (c *Context) close() {
	if c.unsub != nil {
		c.unsub()
	}
}

// ExecutionID returns the execution this context is bound to.
func (c *Context) ExecutionID() string { return c.executionID }

// Tenant returns the execution's tenant.
func (c *Context) Tenant() string { return c.tenant }

// Action invokes a registered action with a deterministic idempotency key so
// that re-running the body after a restart returns the stored result instead
// of re-invoking the action.
func (c *Context) Action(ctx context.Context, name string, params map[string]any) (any, error) {
	c.mu.Lock()
	c.seq++
	key := fmt.Sprintf("%s-%s-%d", c.executionID, name, c.seq)
	c.mu.Unlock()
	return c.rt.actions.Execute(ctx, name, ActionCall{
		Tenant:         c.tenant,
		ExecutionID:    c.executionID,
		IdempotencyKey: key,
		Params:         params,
	})
}

// Get reads a key from the execution's derived data map.
func (c *Context) Get(ctx context.Context, key string) (any, error) {
	state, err := c.rt.GetExecutionState(ctx, c.tenant, c.executionID)
	if err != nil {
		return nil, err
	}
	return state.Data[key], nil
}

// Set writes a key to the execution's data map. The write is appended as a
// data event so replay preserves it.
func (c *Context) Set(ctx context.Context, key string, value any) error {
	_, err := c.rt.submitLocal(ctx, SubmitOptions{
		Tenant:      c.tenant,
		ExecutionID: c.executionID,
		Name:        EventWorkflowDataSet,
		Type:        EventTypeSystem,
		Payload:     map[string]any{"data": map[string]any{"key": key, "value": value}},
	})
	return err
}

// CurrentState returns the execution's derived short-string state.
func (c *Context) CurrentState(ctx context.Context) (string, error) {
	state, err := c.rt.GetExecutionState(ctx, c.tenant, c.executionID)
	if err != nil {
		return "", err
	}
	return state.CurrentState, nil
}

// SetState transitions the execution to the given state. Each transition is
// appended as a workflow.transitioned event.
func (c *Context) SetState(ctx context.Context, state string) error {
	if state == "" {
		return Validationf("state is required")
	}
	_, err := c.rt.submitLocal(ctx, SubmitOptions{
		Tenant:      c.tenant,
		ExecutionID: c.executionID,
		Name:        EventWorkflowTransitioned,
		Type:        EventTypeSystem,
		Payload:     map[string]any{"to_state": state},
	})
	return err
}

// Emit submits an event to this execution: enqueued through the stream in
// distributed mode, applied synchronously otherwise.
func (c *Context) Emit(ctx context.Context, name string, payload map[string]any) error {
	return c.rt.SubmitEvent(ctx, SubmitOptions{
		Tenant:      c.tenant,
		ExecutionID: c.executionID,
		Name:        name,
		Type:        EventTypeWorkflow,
		Payload:     payload,
	})
}

// WaitFor suspends the body until an event with one of the given names
// arrives. It resolves immediately when a matching unconsumed event is
// already in the log, so bodies recovered by replay skip past waits their
// previous incarnation already satisfied.
func (c *Context) WaitFor(ctx context.Context, names ...string) (Event, error) {
	if len(names) == 0 {
		return Event{}, Validationf("at least one event name is required")
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	for {
		if ev, ok := c.takeMatching(ctx, want); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case ev := <-c.inbox:
			c.enqueueDelivered(ev)
		case <-time.After(waitPollInterval):
			// Re-check the log: the event may have been applied by another
			// worker without reaching the local hub.
		}
	}
}

// takeMatching scans delivered events then the authoritative log for the
// first unconsumed matching event.
func (c *Context) takeMatching(ctx context.Context, want map[string]bool) (Event, bool) {
	c.drainInbox()
	c.mu.Lock()
	for i, ev := range c.queue {
		if want[ev.Name] && !c.consumed[ev.EventID] {
			c.consumed[ev.EventID] = true
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return ev, true
		}
	}
	c.mu.Unlock()

	state, err := c.rt.GetExecutionState(ctx, c.tenant, c.executionID)
	if err != nil {
		log.Errorf(c.logCtx, err, "load state while waiting for events")
		return Event{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range state.Events {
		if want[ev.Name] && !c.consumed[ev.EventID] {
			c.consumed[ev.EventID] = true
			return ev, true
		}
	}
	return Event{}, false
}

func (c *Context) drainInbox() {
	for {
		select {
		case ev := <-c.inbox:
			c.enqueueDelivered(ev)
		default:
			return
		}
	}
}

func (c *Context) enqueueDelivered(ev Event) {
	c.mu.Lock()
	if !c.consumed[ev.EventID] {
		c.queue = append(c.queue, ev)
	}
	c.mu.Unlock()
}

// Infof logs at info level with the execution's log context.
func (c *Context) Infof(format string, args ...any) {
	log.Printf(c.logCtx, format, args...)
}

// Debugf logs at debug level with the execution's log context.
func (c *Context) Debugf(format string, args ...any) {
	log.Debugf(c.logCtx, format, args...)
}

// Errorf logs err at error level with the execution's log context.
func (c *Context) Errorf(err error, format string, args ...any) {
	log.Errorf(c.logCtx, err, format, args...)
}
