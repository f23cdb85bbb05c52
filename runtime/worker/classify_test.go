package worker

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"goa.design/flow/runtime/workflow"
)

func TestDefaultClassifier(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		kind     ErrorKind
		strategy RetryStrategy
	}{
		{
			name:     "validation is permanent",
			err:      workflow.Validationf("bad payload"),
			kind:     KindPermanent,
			strategy: ManualIntervention,
		},
		{
			name:     "conflict is permanent",
			err:      workflow.Conflictf("already applied"),
			kind:     KindPermanent,
			strategy: ManualIntervention,
		},
		{
			name:     "not found is permanent",
			err:      workflow.NotFoundf("event gone"),
			kind:     KindPermanent,
			strategy: ManualIntervention,
		},
		{
			name:     "transient backs off",
			err:      workflow.Transientf("redis unavailable"),
			kind:     KindRecoverable,
			strategy: RetryWithBackoff,
		},
		{
			name:     "network error backs off",
			err:      &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded},
			kind:     KindRecoverable,
			strategy: RetryWithBackoff,
		},
		{
			name:     "deadline exceeded backs off",
			err:      context.DeadlineExceeded,
			kind:     KindRecoverable,
			strategy: RetryWithBackoff,
		},
		{
			name:     "unknown error retries immediately",
			err:      errors.New("wat"),
			kind:     KindTransient,
			strategy: RetryImmediate,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultClassifier{}.Classify(tc.err)
			assert.Equal(t, tc.kind, c.Kind)
			assert.Equal(t, tc.strategy, c.Strategy)
		})
	}
}

func TestClassifierFunc(t *testing.T) {
	f := ClassifierFunc(func(error) Classification {
		return Classification{Kind: KindPermanent, Strategy: ManualIntervention}
	})
	assert.Equal(t, KindPermanent, f.Classify(errors.New("any")).Kind)
}
