// Package mongo implements the workflow store on MongoDB. One database holds
// the executions, events, processing, results and registrations collections;
// unique indexes on the idempotency keys turn duplicate writes into
// ErrConflict, and multi-document transactions back the enqueue path.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/flow/runtime/workflow"
	"goa.design/flow/runtime/workflow/actions"
)

// Collection names.
const (
	executionsColl    = "workflow_executions"
	eventsColl        = "workflow_events"
	processingColl    = "event_processing"
	resultsColl       = "action_results"
	registrationsColl = "workflow_registrations"
	versionsColl      = "workflow_versions"
	attachmentsColl   = "event_attachments"
)

type (
	// Options configures the store.
	Options struct {
		// URI is the MongoDB connection string. Required.
		URI string
		// Database names the database. Defaults to "flow".
		Database string
		// ConnectTimeout bounds the initial connect and ping. Defaults to 10s.
		ConnectTimeout time.Duration
	}

	// Store implements workflow.Store on MongoDB.
	Store struct {
		client *mongo.Client
		db     *mongo.Database
	}
)

// New connects to MongoDB, verifies the connection and ensures the indexes
// the engine's idempotency guarantees rely on.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("mongo uri is required: %w", workflow.ErrConfig)
	}
	dbName := opts.Database
	if dbName == "" {
		dbName = "flow"
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return s, nil
}

// Close releases the connection.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Name implements clue health.Pinger.
func (s *Store) Name() string { return "mongo" }

// Ping implements clue health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	specs := []struct {
		coll  string
		model mongo.IndexModel
	}{
		{executionsColl, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "execution_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{eventsColl, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{eventsColl, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "execution_id", Value: 1}, {Key: "created_at", Value: 1}},
		}},
		{processingColl, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "processing_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{processingColl, mongo.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		}},
		{processingColl, mongo.IndexModel{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}},
		}},
		{resultsColl, mongo.IndexModel{
			Keys:    bson.D{{Key: "tenant", Value: 1}, {Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{resultsColl, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "event_id", Value: 1}},
		}},
		{attachmentsColl, mongo.IndexModel{
			Keys: bson.D{{Key: "tenant", Value: 1}, {Key: "event_type", Value: 1}},
		}},
	}
	for _, spec := range specs {
		if _, err := s.db.Collection(spec.coll).Indexes().CreateOne(ctx, spec.model); err != nil {
			return fmt.Errorf("create index on %s: %w", spec.coll, err)
		}
	}
	return nil
}

// InsertExecution implements workflow.ExecutionStore.
func (s *Store) InsertExecution(ctx context.Context, exec workflow.Execution) error {
	if _, err := s.db.Collection(executionsColl).InsertOne(ctx, executionDoc(exec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return workflow.Conflictf("execution %s already exists", exec.ExecutionID)
		}
		return workflow.Transientf("insert execution %s: %v", exec.ExecutionID, err)
	}
	return nil
}

// UpdateExecution implements workflow.ExecutionStore.
func (s *Store) UpdateExecution(ctx context.Context, exec workflow.Execution) error {
	filter := bson.M{"tenant": exec.Tenant, "execution_id": exec.ExecutionID}
	update := bson.M{"$set": bson.M{
		"current_state": exec.CurrentState,
		"status":        string(exec.Status),
		"context":       exec.Context,
		"updated_at":    exec.UpdatedAt,
	}}
	res, err := s.db.Collection(executionsColl).UpdateOne(ctx, filter, update)
	if err != nil {
		return workflow.Transientf("update execution %s: %v", exec.ExecutionID, err)
	}
	if res.MatchedCount == 0 {
		return workflow.NotFoundf("execution %s", exec.ExecutionID)
	}
	return nil
}

// LoadExecution implements workflow.ExecutionStore.
func (s *Store) LoadExecution(ctx context.Context, tenant, executionID string) (workflow.Execution, error) {
	var doc execDoc
	err := s.db.Collection(executionsColl).
		FindOne(ctx, bson.M{"tenant": tenant, "execution_id": executionID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.Execution{}, workflow.NotFoundf("execution %s", executionID)
	}
	if err != nil {
		return workflow.Execution{}, workflow.Transientf("load execution %s: %v", executionID, err)
	}
	return doc.toExecution(), nil
}

// AppendEvent implements workflow.EventStore.
func (s *Store) AppendEvent(ctx context.Context, ev workflow.Event) error {
	if _, err := s.db.Collection(eventsColl).InsertOne(ctx, eventDoc(ev)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return workflow.Conflictf("event %s already exists", ev.EventID)
		}
		return workflow.Transientf("append event %s: %v", ev.EventID, err)
	}
	return nil
}

// SetEventToState implements workflow.EventStore. The filter requires an
// empty to_state so the field is written exactly once.
func (s *Store) SetEventToState(ctx context.Context, tenant, eventID, toState string) error {
	filter := bson.M{"tenant": tenant, "event_id": eventID, "to_state": ""}
	update := bson.M{"$set": bson.M{"to_state": toState}}
	res, err := s.db.Collection(eventsColl).UpdateOne(ctx, filter, update)
	if err != nil {
		return workflow.Transientf("set to_state of event %s: %v", eventID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.LoadEvent(ctx, tenant, eventID); err != nil {
			return err
		}
		return workflow.Conflictf("event %s to_state already set", eventID)
	}
	return nil
}

// LoadEvent implements workflow.EventStore.
func (s *Store) LoadEvent(ctx context.Context, tenant, eventID string) (workflow.Event, error) {
	var doc evDoc
	err := s.db.Collection(eventsColl).
		FindOne(ctx, bson.M{"tenant": tenant, "event_id": eventID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.Event{}, workflow.NotFoundf("event %s", eventID)
	}
	if err != nil {
		return workflow.Event{}, workflow.Transientf("load event %s: %v", eventID, err)
	}
	return doc.toEvent(), nil
}

// ListEvents implements workflow.EventStore.
func (s *Store) ListEvents(ctx context.Context, tenant, executionID string, upTo time.Time) ([]workflow.Event, error) {
	filter := bson.M{"tenant": tenant, "execution_id": executionID}
	if !upTo.IsZero() {
		filter["created_at"] = bson.M{"$lte": upTo}
	}
	cursor, err := s.db.Collection(eventsColl).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "event_id", Value: 1}}))
	if err != nil {
		return nil, workflow.Transientf("list events of %s: %v", executionID, err)
	}
	var docs []evDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, workflow.Transientf("decode events of %s: %v", executionID, err)
	}
	events := make([]workflow.Event, len(docs))
	for i, doc := range docs {
		events[i] = doc.toEvent()
	}
	return events, nil
}

// InsertProcessing implements workflow.ProcessingStore.
func (s *Store) InsertProcessing(ctx context.Context, rec workflow.ProcessingRecord) error {
	if _, err := s.db.Collection(processingColl).InsertOne(ctx, processingDoc(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return workflow.Conflictf("processing record %s already exists", rec.ProcessingID)
		}
		return workflow.Transientf("insert processing record %s: %v", rec.ProcessingID, err)
	}
	return nil
}

// UpdateProcessing implements workflow.ProcessingStore.
func (s *Store) UpdateProcessing(ctx context.Context, rec workflow.ProcessingRecord) error {
	filter := bson.M{"tenant": rec.Tenant, "processing_id": rec.ProcessingID}
	update := bson.M{"$set": bson.M{
		"status":          string(rec.Status),
		"attempt_count":   rec.AttemptCount,
		"worker_id":       rec.WorkerID,
		"last_attempt_at": rec.LastAttemptAt,
		"next_attempt_at": rec.NextAttemptAt,
		"error_message":   rec.ErrorMessage,
		"updated_at":      rec.UpdatedAt,
	}}
	res, err := s.db.Collection(processingColl).UpdateOne(ctx, filter, update)
	if err != nil {
		return workflow.Transientf("update processing record %s: %v", rec.ProcessingID, err)
	}
	if res.MatchedCount == 0 {
		return workflow.NotFoundf("processing record %s", rec.ProcessingID)
	}
	return nil
}

// LoadProcessing implements workflow.ProcessingStore.
func (s *Store) LoadProcessing(ctx context.Context, tenant, processingID string) (workflow.ProcessingRecord, error) {
	return s.findProcessing(ctx, bson.M{"tenant": tenant, "processing_id": processingID},
		workflow.NotFoundf("processing record %s", processingID))
}

// FindProcessingByEvent implements workflow.ProcessingStore.
func (s *Store) FindProcessingByEvent(ctx context.Context, tenant, eventID string) (workflow.ProcessingRecord, error) {
	return s.findProcessing(ctx, bson.M{"tenant": tenant, "event_id": eventID},
		workflow.NotFoundf("processing record for event %s", eventID))
}

func (s *Store) findProcessing(ctx context.Context, filter bson.M, notFound error) (workflow.ProcessingRecord, error) {
	var doc procDoc
	err := s.db.Collection(processingColl).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.ProcessingRecord{}, notFound
	}
	if err != nil {
		return workflow.ProcessingRecord{}, workflow.Transientf("load processing record: %v", err)
	}
	return doc.toRecord(), nil
}

// ListPending implements workflow.ProcessingStore. The scan is cross-tenant:
// workers drain every tenant's queue.
func (s *Store) ListPending(ctx context.Context, limit int) ([]workflow.ProcessingRecord, error) {
	filter := bson.M{"status": bson.M{"$in": []string{
		string(workflow.ProcessingPending), string(workflow.ProcessingPublished),
	}}}
	return s.listProcessing(ctx, filter, limit)
}

// ListRetryable implements workflow.ProcessingStore. Eligible records are
// failed ones whose next attempt is due, plus processing and retrying ones
// abandoned long enough ago that the owning worker's lock has expired.
func (s *Store) ListRetryable(ctx context.Context, limit int, now, staleBefore time.Time) ([]workflow.ProcessingRecord, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{
			"status":          string(workflow.ProcessingFailed),
			"next_attempt_at": bson.M{"$ne": nil, "$lte": now},
		},
		bson.M{
			"status":          string(workflow.ProcessingInFlight),
			"last_attempt_at": bson.M{"$ne": nil, "$lt": staleBefore},
		},
		bson.M{
			"status":     string(workflow.ProcessingRetrying),
			"updated_at": bson.M{"$lt": staleBefore},
		},
	}}
	return s.listProcessing(ctx, filter, limit)
}

func (s *Store) listProcessing(ctx context.Context, filter bson.M, limit int) ([]workflow.ProcessingRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.db.Collection(processingColl).Find(ctx, filter, opts)
	if err != nil {
		return nil, workflow.Transientf("list processing records: %v", err)
	}
	var docs []procDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, workflow.Transientf("decode processing records: %v", err)
	}
	recs := make([]workflow.ProcessingRecord, len(docs))
	for i, doc := range docs {
		recs[i] = doc.toRecord()
	}
	return recs, nil
}

// InsertResult implements workflow.ResultStore.
func (s *Store) InsertResult(ctx context.Context, res workflow.ActionResult) error {
	if _, err := s.db.Collection(resultsColl).InsertOne(ctx, resultDoc(res)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return workflow.Conflictf("action result for key %s already exists", res.IdempotencyKey)
		}
		return workflow.Transientf("insert action result %s: %v", res.ResultID, err)
	}
	return nil
}

// UpdateResult implements workflow.ResultStore.
func (s *Store) UpdateResult(ctx context.Context, res workflow.ActionResult) error {
	filter := bson.M{"tenant": res.Tenant, "result_id": res.ResultID}
	update := bson.M{"$set": bson.M{
		"ready_to_execute": res.ReadyToExecute,
		"success":          res.Success,
		"result":           res.Result,
		"error_message":    res.ErrorMessage,
		"started_at":       res.StartedAt,
		"completed_at":     res.CompletedAt,
	}}
	out, err := s.db.Collection(resultsColl).UpdateOne(ctx, filter, update)
	if err != nil {
		return workflow.Transientf("update action result %s: %v", res.ResultID, err)
	}
	if out.MatchedCount == 0 {
		return workflow.NotFoundf("action result %s", res.ResultID)
	}
	return nil
}

// FindResultByKey implements workflow.ResultStore.
func (s *Store) FindResultByKey(ctx context.Context, tenant, idempotencyKey string) (workflow.ActionResult, error) {
	var doc resDoc
	err := s.db.Collection(resultsColl).
		FindOne(ctx, bson.M{"tenant": tenant, "idempotency_key": idempotencyKey}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.ActionResult{}, workflow.NotFoundf("action result for key %s", idempotencyKey)
	}
	if err != nil {
		return workflow.ActionResult{}, workflow.Transientf("load action result for key %s: %v", idempotencyKey, err)
	}
	return doc.toResult(), nil
}

// CountResultsByEvent implements workflow.ResultStore.
func (s *Store) CountResultsByEvent(ctx context.Context, tenant, eventID string) (int, error) {
	n, err := s.db.Collection(resultsColl).CountDocuments(ctx, bson.M{"tenant": tenant, "event_id": eventID})
	if err != nil {
		return 0, workflow.Transientf("count action results of event %s: %v", eventID, err)
	}
	return int(n), nil
}

// LoadRegistration implements workflow.RegistrationStore.
func (s *Store) LoadRegistration(ctx context.Context, tenant, registrationID string) (workflow.Registration, error) {
	var doc regDoc
	err := s.db.Collection(registrationsColl).
		FindOne(ctx, bson.M{"tenant": tenant, "registration_id": registrationID}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.Registration{}, workflow.NotFoundf("registration %s", registrationID)
	}
	if err != nil {
		return workflow.Registration{}, workflow.Transientf("load registration %s: %v", registrationID, err)
	}
	return doc.toRegistration(), nil
}

// LoadCurrentVersion implements workflow.RegistrationStore.
func (s *Store) LoadCurrentVersion(ctx context.Context, tenant, registrationID string) (workflow.RegistrationVersion, error) {
	var doc verDoc
	err := s.db.Collection(versionsColl).
		FindOne(ctx, bson.M{"tenant": tenant, "registration_id": registrationID, "is_current": true}).
		Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return workflow.RegistrationVersion{}, workflow.NotFoundf("current version of registration %s", registrationID)
	}
	if err != nil {
		return workflow.RegistrationVersion{}, workflow.Transientf("load current version of %s: %v", registrationID, err)
	}
	return doc.toVersion(), nil
}

// ListAttachments implements workflow.RegistrationStore.
func (s *Store) ListAttachments(ctx context.Context, tenant, eventType string) ([]workflow.Attachment, error) {
	cursor, err := s.db.Collection(attachmentsColl).Find(ctx, bson.M{"tenant": tenant, "event_type": eventType})
	if err != nil {
		return nil, workflow.Transientf("list attachments for %s: %v", eventType, err)
	}
	var docs []attDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, workflow.Transientf("decode attachments for %s: %v", eventType, err)
	}
	atts := make([]workflow.Attachment, len(docs))
	for i, doc := range docs {
		atts[i] = doc.toAttachment()
	}
	return atts, nil
}

// ExecuteDistributedTransaction runs fn inside a MongoDB multi-document
// transaction. The key names the logical scope (one execution's queue); the
// session itself provides the atomicity, so the key is recorded for
// observability rather than locking.
func (s *Store) ExecuteDistributedTransaction(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return workflow.Transientf("start session for %s: %v", key, err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}

// InTransaction implements actions.Transactor so transactional actions share
// the store's session machinery. MongoDB transactions are snapshot-isolated;
// the serializable level maps to the same mechanism.
func (s *Store) InTransaction(ctx context.Context, _ actions.IsolationLevel, fn func(ctx context.Context) error) error {
	return s.ExecuteDistributedTransaction(ctx, "action", fn)
}
