package app

import (
	"context"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

// AttemptOutcome is the journaled result of one processing attempt.
type AttemptOutcome string

const (
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptReplayed  AttemptOutcome = "replayed"
	AttemptSkipped   AttemptOutcome = "skipped"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptDead      AttemptOutcome = "dead"
)

// Attempt is one processing attempt of a stream entry.
type Attempt struct {
	EntryID       string
	Stream        string
	Outcome       AttemptOutcome
	DeliveryCount int64
	Error         string
	CreatedAt     time.Time
}

// AttemptRecorder journals processing attempts.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
}

// attemptHistory is implemented by recorders that can read the journal back.
type attemptHistory interface {
	LastError(ctx context.Context, stream, entryID string) (string, error)
}

type attemptStoreRecorder struct {
	store    storage.AttemptStore
	consumer string
}

func newAttemptStoreRecorder(store storage.AttemptStore, consumer string) *attemptStoreRecorder {
	normalizedConsumer := strings.TrimSpace(consumer)
	if normalizedConsumer == "" {
		normalizedConsumer = defaultConsumer
	}
	return &attemptStoreRecorder{store: store, consumer: normalizedConsumer}
}

func (r *attemptStoreRecorder) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.RecordAttempt(ctx, storage.AttemptRecord{
		EntryID:       attempt.EntryID,
		Stream:        attempt.Stream,
		Consumer:      r.consumer,
		Outcome:       canonicalOutcomeValue(attempt.Outcome),
		DeliveryCount: attempt.DeliveryCount,
		LastError:     attempt.Error,
		CreatedAt:     attempt.CreatedAt,
	})
}

// LastError returns the most recent error journaled for an entry, or "".
func (r *attemptStoreRecorder) LastError(ctx context.Context, stream, entryID string) (string, error) {
	if r == nil || r.store == nil {
		return "", nil
	}
	attempts, err := r.store.ListEntryAttempts(ctx, stream, entryID)
	if err != nil {
		return "", err
	}
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].LastError != "" {
			return attempts[i].LastError, nil
		}
	}
	return "", nil
}

func canonicalOutcomeValue(outcome AttemptOutcome) string {
	switch outcome {
	case AttemptSucceeded, AttemptReplayed, AttemptSkipped, AttemptFailed, AttemptDead:
		return string(outcome)
	default:
		return "unknown"
	}
}

// attemptOutcomeFor maps a handler outcome to its journal value.
func attemptOutcomeFor(outcome domain.Outcome) AttemptOutcome {
	switch outcome {
	case domain.OutcomeReplayed:
		return AttemptReplayed
	case domain.OutcomeItemMissing:
		return AttemptSkipped
	default:
		return AttemptSucceeded
	}
}
