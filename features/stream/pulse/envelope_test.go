package pulse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/flow/runtime/workflow"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	ev := workflow.StreamEvent{
		EventID:     "evt-1",
		ExecutionID: "exec-1",
		Tenant:      "acme",
		EventType:   "ticket.created",
		EventName:   "ticket.created",
		Payload:     map[string]any{"ticket_id": "T-9", "priority": "high"},
	}
	raw, err := encodeEnvelope(ev)
	require.NoError(t, err)

	got, err := decodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
}

func TestDecodeEnvelopeValidation(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing event id", `{"tenant":"acme","event_type":"t","event_name":"n"}`},
		{"empty event id", `{"event_id":"","tenant":"acme","event_type":"t","event_name":"n"}`},
		{"missing tenant", `{"event_id":"e1","event_type":"t","event_name":"n"}`},
		{"unknown field", `{"event_id":"e1","tenant":"acme","event_type":"t","event_name":"n","extra":1}`},
		{"payload not object", `{"event_id":"e1","tenant":"acme","event_type":"t","event_name":"n","payload":[1]}`},
		{"not an object", `"hello"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEnvelope([]byte(tc.raw))
			assert.True(t, workflow.IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestDecodeEnvelopeNullPayload(t *testing.T) {
	got, err := decodeEnvelope([]byte(`{"event_id":"e1","execution_id":"","tenant":"acme","event_type":"t","event_name":"n","payload":null}`))
	require.NoError(t, err)
	assert.Nil(t, got.Payload)
	assert.Equal(t, "e1", got.EventID)
}
