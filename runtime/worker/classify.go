package worker

import (
	"context"
	"errors"
	"net"

	"goa.design/flow/runtime/workflow"
)

type (
	// ErrorKind partitions processing errors for retry handling.
	ErrorKind string

	// RetryStrategy is the recommended handling for an error kind.
	RetryStrategy string

	// Classification pairs an error kind with its strategy.
	Classification struct {
		Kind     ErrorKind
		Strategy RetryStrategy
	}

	// Classifier maps processing errors to classifications. It is an
	// injected dependency; DefaultClassifier is the production default.
	Classifier interface {
		Classify(err error) Classification
	}

	// DefaultClassifier recognizes validation and conflict errors as
	// permanent, transient infrastructure errors as retryable with backoff,
	// and treats everything else as transient with immediate retry.
	DefaultClassifier struct{}

	// ClassifierFunc adapts a function to the Classifier interface.
	ClassifierFunc func(err error) Classification
)

const (
	// KindTransient errors are expected to clear on their own.
	KindTransient ErrorKind = "TRANSIENT"
	// KindRecoverable errors clear after a backing service recovers.
	KindRecoverable ErrorKind = "RECOVERABLE"
	// KindPermanent errors never clear; retrying is wasted work.
	KindPermanent ErrorKind = "PERMANENT"

	// RetryImmediate re-dispatches on the next scan cycle.
	RetryImmediate RetryStrategy = "RETRY_IMMEDIATE"
	// RetryWithBackoff re-dispatches after the record's next-attempt time.
	RetryWithBackoff RetryStrategy = "RETRY_WITH_BACKOFF"
	// ManualIntervention finalizes the record as failed for an operator.
	ManualIntervention RetryStrategy = "MANUAL_INTERVENTION"
)

// Classify implements Classifier.
func (DefaultClassifier) Classify(err error) Classification {
	switch {
	case workflow.IsValidation(err), workflow.IsConflict(err):
		return Classification{Kind: KindPermanent, Strategy: ManualIntervention}
	case workflow.IsNotFound(err):
		return Classification{Kind: KindPermanent, Strategy: ManualIntervention}
	case workflow.IsTransient(err), isNetworkError(err), errors.Is(err, context.DeadlineExceeded):
		return Classification{Kind: KindRecoverable, Strategy: RetryWithBackoff}
	default:
		return Classification{Kind: KindTransient, Strategy: RetryImmediate}
	}
}

// Classify implements Classifier.
func (f ClassifierFunc) Classify(err error) Classification { return f(err) }

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
