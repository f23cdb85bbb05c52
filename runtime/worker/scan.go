package worker

import (
	"context"
	"time"

	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"goa.design/flow/runtime/workflow"
)

// Loop-level error backoff bounds. A failing store keeps the host alive but
// slows the scan down exponentially until it recovers.
const (
	scanBackoffBase = time.Second
	scanBackoffMax  = 30 * time.Second
)

// scanLoop drives the database scanning cycle: dispatch pending/published
// records, claim and dispatch retryable records, sleep when idle. A rate
// limiter caps scan frequency so a busy queue cannot turn the store into a
// hot loop.
func (s *Service) scanLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(s.cfg.PollInterval/4), 1)
	backoff := scanBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		dispatched, err := s.scanOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.stats.recordError(err)
			log.Errorf(ctx, err, "scan cycle failed; backing off %s", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			if backoff *= 2; backoff > scanBackoffMax {
				backoff = scanBackoffMax
			}
			continue
		}
		backoff = scanBackoffBase
		if dispatched == 0 {
			if !sleep(ctx, s.cfg.PollInterval) {
				return
			}
		}
	}
}

// scanOnce runs one cycle and returns the number of records dispatched.
func (s *Service) scanOnce(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	dispatched := 0
	for _, rec := range pending {
		if err := s.dispatchRecord(ctx, rec); err != nil {
			return dispatched, err
		}
		dispatched++
	}

	now := time.Now().UTC()
	staleBefore := now.Add(-2 * s.runtime.LockTTL())
	retryable, err := s.store.ListRetryable(ctx, s.cfg.BatchSize, now, staleBefore)
	if err != nil {
		return dispatched, err
	}
	for _, rec := range retryable {
		if rec.AttemptCount >= s.maxAttemptsFor(rec) {
			s.finalizeExhausted(ctx, rec)
			continue
		}
		rec.Status = workflow.ProcessingRetrying
		rec.WorkerID = s.workerID
		rec.UpdatedAt = now
		if err := s.store.UpdateProcessing(ctx, rec); err != nil {
			return dispatched, err
		}
		if err := s.dispatchRecord(ctx, rec); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

// dispatchRecord hands a record to the runtime under the concurrency gate.
// Acquiring a slot is cancellable; a started attempt runs on a context that
// survives Stop so it can finish within the shutdown grace period.
func (s *Service) dispatchRecord(ctx context.Context, rec workflow.ProcessingRecord) error {
	taskCtx := context.WithoutCancel(ctx)
	return s.gate.run(ctx, func() {
		s.processRecord(taskCtx, rec)
	})
}

// processRecord runs one processing attempt and applies the retry policy to
// the outcome. Errors are caught here so a failing event never takes the
// host down.
func (s *Service) processRecord(ctx context.Context, rec workflow.ProcessingRecord) {
	start := time.Now()
	s.tel.recordStart(ctx)
	result, err := s.runtime.ProcessQueuedEvent(ctx, workflow.ProcessOptions{
		Tenant:       rec.Tenant,
		EventID:      rec.EventID,
		ExecutionID:  rec.ExecutionID,
		ProcessingID: rec.ProcessingID,
		WorkerID:     s.workerID,
	})
	elapsed := time.Since(start)
	switch {
	case err != nil:
		s.tel.recordEnd(ctx, "failed")
		s.stats.recordFailure(elapsed, err)
		s.applyRetryPolicy(ctx, rec, err)
	case !result.Success:
		// Lock contention: another worker owns the event. No side effects.
		s.tel.recordEnd(ctx, "contended")
	default:
		s.tel.recordEnd(ctx, "completed")
		s.stats.recordSuccess(elapsed)
		log.Debugf(ctx, "event %s applied: %s -> %s (%d actions)",
			rec.EventID, result.PreviousState, result.CurrentState, result.ActionsExecuted)
	}
}

// applyRetryPolicy routes the failure cause through the injected classifier.
// Permanent kinds are finalized immediately so the retry scan stops
// considering them; retryable kinds keep the next-attempt schedule the
// runtime recorded.
func (s *Service) applyRetryPolicy(ctx context.Context, rec workflow.ProcessingRecord, cause error) {
	c := s.classifier.Classify(cause)
	if c.Strategy != ManualIntervention && c.Kind != KindPermanent {
		return
	}
	current, err := s.store.LoadProcessing(ctx, rec.Tenant, rec.ProcessingID)
	if err != nil {
		log.Errorf(ctx, err, "load processing %s for finalization", rec.ProcessingID)
		return
	}
	current.Status = workflow.ProcessingFailed
	current.NextAttemptAt = nil
	current.UpdatedAt = time.Now().UTC()
	if current.ErrorMessage == "" {
		current.ErrorMessage = cause.Error()
	}
	if err := s.store.UpdateProcessing(ctx, current); err != nil {
		log.Errorf(ctx, err, "finalize permanent failure of %s", rec.ProcessingID)
	}
}

// finalizeExhausted marks a record failed once its attempt bound is reached.
func (s *Service) finalizeExhausted(ctx context.Context, rec workflow.ProcessingRecord) {
	rec.Status = workflow.ProcessingFailed
	rec.NextAttemptAt = nil
	rec.UpdatedAt = time.Now().UTC()
	if rec.ErrorMessage == "" {
		rec.ErrorMessage = "retry attempts exhausted"
	}
	if err := s.store.UpdateProcessing(ctx, rec); err != nil {
		log.Errorf(ctx, err, "finalize exhausted record %s", rec.ProcessingID)
		return
	}
	log.Printf(ctx, "event %s failed permanently after %d attempts", rec.EventID, rec.AttemptCount)
}

func (s *Service) maxAttemptsFor(rec workflow.ProcessingRecord) int {
	if rec.MaxAttempts > 0 {
		return rec.MaxAttempts
	}
	return s.cfg.MaxRetries
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
