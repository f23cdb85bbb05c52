package workflow

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genEvents produces random well-formed event sequences: a started event
// followed by a mix of transitions, data writes and domain events.
func genEvents() gopter.Gen {
	genOne := gopter.CombineGens(
		gen.IntRange(0, 3),
		gen.RegexMatch("[a-z]{1,8}"),
		gen.RegexMatch("[a-z]{1,8}"),
	).Map(func(vals []interface{}) Event {
		kind := vals[0].(int)
		a := vals[1].(string)
		b := vals[2].(string)
		switch kind {
		case 0:
			return Event{Name: EventWorkflowTransitioned, Payload: map[string]any{"to_state": a}}
		case 1:
			return Event{Name: EventWorkflowDataSet, Payload: map[string]any{"data": map[string]any{"key": a, "value": b}}}
		case 2:
			return Event{Name: "domain." + a, ToState: b}
		default:
			return Event{Name: "domain." + a, Payload: map[string]any{"data": map[string]any{a: b}}}
		}
	})
	return gen.SliceOf(genOne).Map(func(events []Event) []Event {
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		out := make([]Event, 0, len(events)+1)
		out = append(out, Event{EventID: "e0", Name: EventWorkflowStarted, CreatedAt: base})
		for i, ev := range events {
			ev.EventID = fmt.Sprintf("e%d", i+1)
			ev.CreatedAt = base.Add(time.Duration(i+1) * time.Second)
			out = append(out, ev)
		}
		return out
	})
}

func fold(events []Event) *ExecutionState {
	st := NewExecutionState("acme", "exec-prop")
	for _, ev := range events {
		ApplyEvent(st, ev)
	}
	return st
}

func TestReplayProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("folding the same log twice yields identical state", prop.ForAll(
		func(events []Event) bool {
			a, b := fold(events), fold(events)
			return a.CurrentState == b.CurrentState &&
				a.IsComplete == b.IsComplete &&
				reflect.DeepEqual(a.Data, b.Data)
		},
		genEvents(),
	))

	properties.Property("folding is prefix-incremental", prop.ForAll(
		func(events []Event) bool {
			full := fold(events)
			split := len(events) / 2
			st := fold(events[:split])
			for _, ev := range events[split:] {
				ApplyEvent(st, ev)
			}
			return st.CurrentState == full.CurrentState &&
				st.IsComplete == full.IsComplete &&
				reflect.DeepEqual(st.Data, full.Data) &&
				len(st.Events) == len(full.Events)
		},
		genEvents(),
	))

	properties.Property("current state is always non-empty", prop.ForAll(
		func(events []Event) bool {
			return fold(events).CurrentState != ""
		},
		genEvents(),
	))

	properties.TestingRun(t)
}
