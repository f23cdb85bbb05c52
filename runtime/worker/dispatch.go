package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/flow/runtime/workflow"
)

// handleStreamEvent is the consumer callback for the global stream. It fans
// an application event out to every workflow attached to its event type:
// each attachment gets a fresh execution seeded with the trigger and then
// receives the original event so its first wait resolves. The envelope is
// already schema-validated by the stream client; a nil return acknowledges
// the delivery.
func (s *Service) handleStreamEvent(ctx context.Context, ev workflow.StreamEvent) error {
	ctx = log.With(ctx, log.KV{K: "event_id", V: ev.EventID}, log.KV{K: "tenant", V: ev.Tenant})

	attachments, err := s.attachments(ctx, ev.Tenant, ev.EventType)
	if err != nil {
		return workflow.Transientf("look up attachments for %s: %v", ev.EventType, err)
	}
	if len(attachments) == 0 {
		s.auditEvent(ctx, ev)
		log.Debugf(ctx, "no attachments for event type %s", ev.EventType)
		return nil
	}

	s.auditEvent(ctx, ev)
	for _, att := range attachments {
		if !att.IsActive {
			continue
		}
		if err := s.startAttachedWorkflow(ctx, ev, att); err != nil {
			log.Errorf(ctx, err, "start workflow %s for event %s", att.WorkflowID, ev.EventID)
			return err
		}
	}
	return nil
}

// auditEvent appends the application event to the event store for audit. A
// duplicate event id means a redelivery of an already-stored event and is
// not an error.
func (s *Service) auditEvent(ctx context.Context, ev workflow.StreamEvent) {
	record := workflow.Event{
		Tenant:      ev.Tenant,
		EventID:     ev.EventID,
		ExecutionID: ev.ExecutionID,
		Name:        ev.EventName,
		Type:        workflow.EventTypeUser,
		Payload:     ev.Payload,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendEvent(ctx, record); err != nil && !workflow.IsConflict(err) {
		log.Errorf(ctx, err, "audit event %s", ev.EventID)
	}
}

// startAttachedWorkflow starts an execution of the attached workflow's
// current version and submits the trigger event to it.
func (s *Service) startAttachedWorkflow(ctx context.Context, ev workflow.StreamEvent, att workflow.Attachment) error {
	started, err := s.runtime.StartRegisteredExecution(ctx, ev.Tenant, att.WorkflowID, workflow.StartOptions{
		Tenant: ev.Tenant,
		InitialData: map[string]any{
			"eventId":      ev.EventID,
			"eventType":    ev.EventType,
			"eventName":    ev.EventName,
			"eventPayload": ev.Payload,
			"triggerEvent": true,
		},
	})
	if err != nil {
		return err
	}
	// The trigger keeps its own id per execution; the original id already
	// names the audit row.
	return s.runtime.SubmitEvent(ctx, workflow.SubmitOptions{
		Tenant:      ev.Tenant,
		ExecutionID: started.ExecutionID,
		Name:        ev.EventName,
		Type:        workflow.EventTypeUser,
		Payload:     ev.Payload,
		EventID:     uuid.NewString(),
		CatalogType: ev.EventType,
	})
}
