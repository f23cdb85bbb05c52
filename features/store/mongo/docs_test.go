package mongo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"goa.design/flow/runtime/workflow"
)

func TestEventDocMapping(t *testing.T) {
	now := time.Now().UTC()
	ev := workflow.Event{
		Tenant:      "acme",
		EventID:     "e1",
		ExecutionID: "exec-1",
		Name:        "approve",
		Type:        workflow.EventTypeUser,
		Payload:     map[string]any{"k": "v"},
		UserID:      "alice",
		FromState:   "waiting",
		ToState:     "approved",
		CreatedAt:   now,
	}
	assert.Equal(t, ev, eventDoc(ev).toEvent())
}

func TestProcessingDocMapping(t *testing.T) {
	now := time.Now().UTC()
	next := now.Add(time.Second)
	rec := workflow.ProcessingRecord{
		Tenant:        "acme",
		ProcessingID:  "p1",
		EventID:       "e1",
		ExecutionID:   "exec-1",
		Status:        workflow.ProcessingFailed,
		AttemptCount:  2,
		MaxAttempts:   3,
		WorkerID:      "w1",
		LastAttemptAt: &now,
		NextAttemptAt: &next,
		ErrorMessage:  "boom",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	assert.Equal(t, rec, processingDoc(rec).toRecord())
}

func TestExecutionDocMapping(t *testing.T) {
	now := time.Now().UTC()
	exec := workflow.Execution{
		Tenant:          "acme",
		ExecutionID:     "exec-1",
		WorkflowName:    "order",
		WorkflowVersion: "1",
		CurrentState:    "approved",
		Status:          workflow.ExecutionCompleted,
		Context:         map[string]any{"k": "v"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	assert.Equal(t, exec, executionDoc(exec).toExecution())
}

func TestResultDocMapping(t *testing.T) {
	now := time.Now().UTC()
	res := workflow.ActionResult{
		Tenant:         "acme",
		ResultID:       "r1",
		ExecutionID:    "exec-1",
		EventID:        "e1",
		ActionName:     "charge",
		IdempotencyKey: "exec-1-charge-1",
		Parameters:     map[string]any{"amount": int64(100)},
		Success:        true,
		Result:         "receipt",
		StartedAt:      &now,
		CompletedAt:    &now,
	}
	assert.Equal(t, res, resultDoc(res).toResult())
}
