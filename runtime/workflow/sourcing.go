package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultStateCacheTTL bounds the staleness of cached derived states.
const DefaultStateCacheTTL = 60 * time.Second

type (
	// ExecutionState is the state derived by folding an execution's event log.
	ExecutionState struct {
		ExecutionID  string
		Tenant       string
		CurrentState string
		// Data is the derived key/value map.
		Data map[string]any
		// Events are the applied events, in order.
		Events []Event
		// IsComplete is set once workflow.completed has been applied.
		IsComplete bool
	}

	// ReplayOptions tune a single replay.
	ReplayOptions struct {
		// UpTo bounds the replay window for time travel. Zero means all events.
		UpTo time.Time
		// Debug bypasses the state cache.
		Debug bool
	}

	// Sourcer derives execution state by replaying events. Replay is a pure
	// function of the event log; the only mutable state is the in-memory
	// cache, which is bypassed when Debug or UpTo is set.
	Sourcer struct {
		events EventStore
		ttl    time.Duration

		mu    sync.RWMutex
		cache map[string]cachedState
	}

	cachedState struct {
		at    time.Time
		state *ExecutionState
	}
)

// NewSourcer returns a Sourcer reading from events. A non-positive ttl
// defaults to DefaultStateCacheTTL.
func NewSourcer(events EventStore, ttl time.Duration) *Sourcer {
	if ttl <= 0 {
		ttl = DefaultStateCacheTTL
	}
	return &Sourcer{
		events: events,
		ttl:    ttl,
		cache:  make(map[string]cachedState),
	}
}

// Replay derives the execution state and returns it along with the number of
// events applied.
func (s *Sourcer) Replay(ctx context.Context, tenant, executionID string, opts ReplayOptions) (*ExecutionState, int, error) {
	cacheable := !opts.Debug && opts.UpTo.IsZero()
	if cacheable {
		if st, ok := s.cached(tenant, executionID); ok {
			return st, len(st.Events), nil
		}
	}
	events, err := s.events.ListEvents(ctx, tenant, executionID, opts.UpTo)
	if err != nil {
		return nil, 0, fmt.Errorf("list events for %s: %w", executionID, err)
	}
	st := NewExecutionState(tenant, executionID)
	for _, ev := range events {
		ApplyEvent(st, ev)
	}
	if cacheable {
		s.put(tenant, executionID, st)
	}
	return cloneState(st), len(events), nil
}

// Invalidate drops the cached state for an execution. The runtime calls it
// after every successful event application so the next read re-derives.
func (s *Sourcer) Invalidate(tenant, executionID string) {
	s.mu.Lock()
	delete(s.cache, tenant+"/"+executionID)
	s.mu.Unlock()
}

func (s *Sourcer) cached(tenant, executionID string) (*ExecutionState, bool) {
	s.mu.RLock()
	entry, ok := s.cache[tenant+"/"+executionID]
	s.mu.RUnlock()
	if !ok || time.Since(entry.at) > s.ttl {
		return nil, false
	}
	return cloneState(entry.state), true
}

func (s *Sourcer) put(tenant, executionID string, st *ExecutionState) {
	s.mu.Lock()
	s.cache[tenant+"/"+executionID] = cachedState{at: time.Now(), state: cloneState(st)}
	s.mu.Unlock()
}

// NewExecutionState returns the zero state every replay starts from.
func NewExecutionState(tenant, executionID string) *ExecutionState {
	return &ExecutionState{
		ExecutionID:  executionID,
		Tenant:       tenant,
		CurrentState: InitialState,
		Data:         make(map[string]any),
	}
}

// ApplyEvent folds one event into the state: the event is appended to the
// log view, data assignments in the payload overwrite keys, and recognized
// system events mutate the current state. Unknown event names leave the data
// and state unchanged.
func ApplyEvent(st *ExecutionState, ev Event) {
	st.Events = append(st.Events, ev)
	applyData(st.Data, ev.Payload)
	switch ev.Name {
	case EventWorkflowStarted:
		st.CurrentState = InitialState
	case EventWorkflowTransitioned:
		if to, ok := ev.Payload["to_state"].(string); ok && to != "" {
			st.CurrentState = to
		}
	case EventWorkflowCompleted:
		st.IsComplete = true
	default:
		if ev.ToState != "" {
			st.CurrentState = ev.ToState
		}
	}
}

// applyData interprets payloads of the form {"data": {"key": k, "value": v}}
// as single assignments and {"data": {k1: v1, ...}} as bulk assignments.
func applyData(data map[string]any, payload map[string]any) {
	raw, ok := payload["data"]
	if !ok {
		return
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return
	}
	if key, ok := m["key"].(string); ok {
		data[key] = m["value"]
		return
	}
	for k, v := range m {
		data[k] = v
	}
}

func cloneState(st *ExecutionState) *ExecutionState {
	dup := &ExecutionState{
		ExecutionID:  st.ExecutionID,
		Tenant:       st.Tenant,
		CurrentState: st.CurrentState,
		Data:         make(map[string]any, len(st.Data)),
		Events:       make([]Event, len(st.Events)),
		IsComplete:   st.IsComplete,
	}
	for k, v := range st.Data {
		dup.Data[k] = v
	}
	copy(dup.Events, st.Events)
	return dup
}
