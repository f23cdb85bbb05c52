// Package inmem implements the workflow store on process memory. It backs
// unit tests and single-process deployments; the Mongo store is the durable
// counterpart with the same semantics.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/flow/runtime/workflow"
)

// Store holds every persistence seam behind one mutex. Map keys are tenant
// scoped ("tenant/id"); resultsByKey maps "tenant/idempotencyKey" to the
// results key. Distributed transactions degrade to per-key serialization:
// writes inside fn are applied directly, which is safe because a single
// process owns the data.
type Store struct {
	mu sync.RWMutex

	executions    map[string]workflow.Execution
	events        map[string]workflow.Event
	processing    map[string]workflow.ProcessingRecord
	results       map[string]workflow.ActionResult
	resultsByKey  map[string]string
	registrations map[string]workflow.Registration
	versions      map[string][]workflow.RegistrationVersion
	attachments   map[string][]workflow.Attachment

	txMu   sync.Mutex
	txKeys map[string]*sync.Mutex
}

// New returns an empty store.
func New() *Store {
	return &Store{
		executions:    make(map[string]workflow.Execution),
		events:        make(map[string]workflow.Event),
		processing:    make(map[string]workflow.ProcessingRecord),
		results:       make(map[string]workflow.ActionResult),
		resultsByKey:  make(map[string]string),
		registrations: make(map[string]workflow.Registration),
		versions:      make(map[string][]workflow.RegistrationVersion),
		attachments:   make(map[string][]workflow.Attachment),
		txKeys:        make(map[string]*sync.Mutex),
	}
}

func key(tenant, id string) string { return tenant + "/" + id }

// InsertExecution implements workflow.ExecutionStore.
func (s *Store) InsertExecution(_ context.Context, exec workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(exec.Tenant, exec.ExecutionID)
	if _, ok := s.executions[k]; ok {
		return workflow.Conflictf("execution %s already exists", exec.ExecutionID)
	}
	exec.Context = cloneMap(exec.Context)
	s.executions[k] = exec
	return nil
}

// UpdateExecution implements workflow.ExecutionStore.
func (s *Store) UpdateExecution(_ context.Context, exec workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(exec.Tenant, exec.ExecutionID)
	if _, ok := s.executions[k]; !ok {
		return workflow.NotFoundf("execution %s", exec.ExecutionID)
	}
	exec.Context = cloneMap(exec.Context)
	s.executions[k] = exec
	return nil
}

// LoadExecution implements workflow.ExecutionStore.
func (s *Store) LoadExecution(_ context.Context, tenant, executionID string) (workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[key(tenant, executionID)]
	if !ok {
		return workflow.Execution{}, workflow.NotFoundf("execution %s", executionID)
	}
	exec.Context = cloneMap(exec.Context)
	return exec, nil
}

// AppendEvent implements workflow.EventStore.
func (s *Store) AppendEvent(_ context.Context, ev workflow.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(ev.Tenant, ev.EventID)
	if _, ok := s.events[k]; ok {
		return workflow.Conflictf("event %s already exists", ev.EventID)
	}
	ev.Payload = cloneMap(ev.Payload)
	s.events[k] = ev
	return nil
}

// SetEventToState implements workflow.EventStore. The to_state of an event is
// written exactly once.
func (s *Store) SetEventToState(_ context.Context, tenant, eventID, toState string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(tenant, eventID)
	ev, ok := s.events[k]
	if !ok {
		return workflow.NotFoundf("event %s", eventID)
	}
	if ev.ToState != "" {
		return workflow.Conflictf("event %s to_state already set to %q", eventID, ev.ToState)
	}
	ev.ToState = toState
	s.events[k] = ev
	return nil
}

// LoadEvent implements workflow.EventStore.
func (s *Store) LoadEvent(_ context.Context, tenant, eventID string) (workflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key(tenant, eventID)]
	if !ok {
		return workflow.Event{}, workflow.NotFoundf("event %s", eventID)
	}
	ev.Payload = cloneMap(ev.Payload)
	return ev, nil
}

// ListEvents implements workflow.EventStore.
func (s *Store) ListEvents(_ context.Context, tenant, executionID string, upTo time.Time) ([]workflow.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Event
	for _, ev := range s.events {
		if ev.Tenant != tenant || ev.ExecutionID != executionID {
			continue
		}
		if !upTo.IsZero() && ev.CreatedAt.After(upTo) {
			continue
		}
		ev.Payload = cloneMap(ev.Payload)
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

// InsertProcessing implements workflow.ProcessingStore.
func (s *Store) InsertProcessing(_ context.Context, rec workflow.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.Tenant, rec.ProcessingID)
	if _, ok := s.processing[k]; ok {
		return workflow.Conflictf("processing record %s already exists", rec.ProcessingID)
	}
	s.processing[k] = rec
	return nil
}

// UpdateProcessing implements workflow.ProcessingStore.
func (s *Store) UpdateProcessing(_ context.Context, rec workflow.ProcessingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(rec.Tenant, rec.ProcessingID)
	if _, ok := s.processing[k]; !ok {
		return workflow.NotFoundf("processing record %s", rec.ProcessingID)
	}
	s.processing[k] = rec
	return nil
}

// LoadProcessing implements workflow.ProcessingStore.
func (s *Store) LoadProcessing(_ context.Context, tenant, processingID string) (workflow.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.processing[key(tenant, processingID)]
	if !ok {
		return workflow.ProcessingRecord{}, workflow.NotFoundf("processing record %s", processingID)
	}
	return rec, nil
}

// FindProcessingByEvent implements workflow.ProcessingStore.
func (s *Store) FindProcessingByEvent(_ context.Context, tenant, eventID string) (workflow.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.processing {
		if rec.Tenant == tenant && rec.EventID == eventID {
			return rec, nil
		}
	}
	return workflow.ProcessingRecord{}, workflow.NotFoundf("processing record for event %s", eventID)
}

// ListPending implements workflow.ProcessingStore.
func (s *Store) ListPending(_ context.Context, limit int) ([]workflow.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.ProcessingRecord
	for _, rec := range s.processing {
		if rec.Status == workflow.ProcessingPending || rec.Status == workflow.ProcessingPublished {
			out = append(out, rec)
		}
	}
	sortByCreated(out)
	return clip(out, limit), nil
}

// ListRetryable implements workflow.ProcessingStore.
func (s *Store) ListRetryable(_ context.Context, limit int, now, staleBefore time.Time) ([]workflow.ProcessingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.ProcessingRecord
	for _, rec := range s.processing {
		switch rec.Status {
		case workflow.ProcessingFailed:
			if rec.NextAttemptAt != nil && !rec.NextAttemptAt.After(now) {
				out = append(out, rec)
			}
		case workflow.ProcessingInFlight:
			if rec.LastAttemptAt != nil && rec.LastAttemptAt.Before(staleBefore) {
				out = append(out, rec)
			}
		case workflow.ProcessingRetrying:
			if rec.UpdatedAt.Before(staleBefore) {
				out = append(out, rec)
			}
		}
	}
	sortByCreated(out)
	return clip(out, limit), nil
}

// InsertResult implements workflow.ResultStore.
func (s *Store) InsertResult(_ context.Context, res workflow.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bk := key(res.Tenant, res.IdempotencyKey)
	if _, ok := s.resultsByKey[bk]; ok {
		return workflow.Conflictf("action result for key %s already exists", res.IdempotencyKey)
	}
	rk := key(res.Tenant, res.ResultID)
	res.Parameters = cloneMap(res.Parameters)
	s.results[rk] = res
	s.resultsByKey[bk] = rk
	return nil
}

// UpdateResult implements workflow.ResultStore.
func (s *Store) UpdateResult(_ context.Context, res workflow.ActionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rk := key(res.Tenant, res.ResultID)
	if _, ok := s.results[rk]; !ok {
		return workflow.NotFoundf("action result %s", res.ResultID)
	}
	res.Parameters = cloneMap(res.Parameters)
	s.results[rk] = res
	return nil
}

// FindResultByKey implements workflow.ResultStore.
func (s *Store) FindResultByKey(_ context.Context, tenant, idempotencyKey string) (workflow.ActionResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rk, ok := s.resultsByKey[key(tenant, idempotencyKey)]
	if !ok {
		return workflow.ActionResult{}, workflow.NotFoundf("action result for key %s", idempotencyKey)
	}
	res := s.results[rk]
	res.Parameters = cloneMap(res.Parameters)
	return res, nil
}

// CountResultsByEvent implements workflow.ResultStore.
func (s *Store) CountResultsByEvent(_ context.Context, tenant, eventID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, res := range s.results {
		if res.Tenant == tenant && res.EventID == eventID {
			n++
		}
	}
	return n, nil
}

// PutRegistration seeds a registration and its versions. Test and wiring
// helper; the authoring surface lives outside the engine.
func (s *Store) PutRegistration(reg workflow.Registration, versions ...workflow.RegistrationVersion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(reg.Tenant, reg.RegistrationID)
	s.registrations[k] = reg
	s.versions[k] = append([]workflow.RegistrationVersion(nil), versions...)
}

// PutAttachment seeds an event-to-workflow attachment.
func (s *Store) PutAttachment(att workflow.Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(att.Tenant, att.EventType)
	s.attachments[k] = append(s.attachments[k], att)
}

// LoadRegistration implements workflow.RegistrationStore.
func (s *Store) LoadRegistration(_ context.Context, tenant, registrationID string) (workflow.Registration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.registrations[key(tenant, registrationID)]
	if !ok {
		return workflow.Registration{}, workflow.NotFoundf("registration %s", registrationID)
	}
	return reg, nil
}

// LoadCurrentVersion implements workflow.RegistrationStore.
func (s *Store) LoadCurrentVersion(_ context.Context, tenant, registrationID string) (workflow.RegistrationVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ver := range s.versions[key(tenant, registrationID)] {
		if ver.IsCurrent {
			return ver, nil
		}
	}
	return workflow.RegistrationVersion{}, workflow.NotFoundf("current version of registration %s", registrationID)
}

// ListAttachments implements workflow.RegistrationStore.
func (s *Store) ListAttachments(_ context.Context, tenant, eventType string) ([]workflow.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]workflow.Attachment(nil), s.attachments[key(tenant, eventType)]...), nil
}

// ExecuteDistributedTransaction serializes fn against other transactions on
// the same key. Writes apply directly; with a single process owning the maps
// this preserves the enqueue path's atomicity guarantees well enough for
// tests and single-node use.
func (s *Store) ExecuteDistributedTransaction(ctx context.Context, txKey string, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	mu, ok := s.txKeys[txKey]
	if !ok {
		mu = &sync.Mutex{}
		s.txKeys[txKey] = mu
	}
	s.txMu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func sortByCreated(recs []workflow.ProcessingRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ProcessingID < recs[j].ProcessingID
	})
}

func clip(recs []workflow.ProcessingRecord, limit int) []workflow.ProcessingRecord {
	if limit > 0 && len(recs) > limit {
		return recs[:limit]
	}
	return recs
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
