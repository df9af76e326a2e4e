package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/louisbranch/orderstream/internal/platform/stream"
	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
)

// Reclaim actions reported to the observer.
const (
	reclaimRecovered    = "recovered"
	reclaimRetained     = "retained"
	reclaimDeadLettered = "dead_lettered"
)

// Dead-letter entry fields added next to the original fields. Delivery to
// the dead-letter stream is at-least-once: when the acknowledgement after the
// copy fails, a later pass copies the entry again. Readers should treat
// sourceStream and sourceId as the key and drop repeats.
const (
	DeadLetterSourceID     = "sourceId"
	DeadLetterSourceStream = "sourceStream"
	DeadLetterError        = "error"
	DeadLetterDeliveries   = "deliveries"
)

var errMaxAttempts = errors.New("max delivery attempts reached")

// ReclaimResult summarizes one reclaim pass.
type ReclaimResult struct {
	Claimed      int
	Recovered    int
	DeadLettered int
}

// RunReclaim runs a reclaim pass every ReclaimInterval until ctx is canceled.
// A non-positive interval disables reclaiming.
func (l *Loop) RunReclaim(ctx context.Context) error {
	if l == nil || l.config.ReclaimInterval <= 0 {
		return nil
	}
	ticker := time.NewTicker(l.config.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := l.Reclaim(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.logger.WarnContext(ctx, "reclaim pass failed", slog.Any("error", err))
				continue
			}
			if result.Claimed > 0 {
				l.logger.InfoContext(ctx, "reclaim pass finished",
					slog.Int("claimed", result.Claimed),
					slog.Int("recovered", result.Recovered),
					slog.Int("dead_lettered", result.DeadLettered),
				)
			}
		}
	}
}

// Reclaim claims pending entries idle for at least ReclaimMinIdle and
// reprocesses them as this loop's consumer. Entries delivered MaxAttempts
// times, or failing permanently, are copied to the dead-letter stream and
// acknowledged. XCLAIM re-checks idleness, so concurrent reclaimers never
// both take the same entry.
func (l *Loop) Reclaim(ctx context.Context) (ReclaimResult, error) {
	var result ReclaimResult
	if l == nil || l.client == nil || l.handler == nil {
		return result, fmt.Errorf("consume loop is not configured")
	}
	pending, err := l.client.Pending(ctx, l.config.Stream, l.config.Group, l.config.ReclaimBatch)
	if err != nil {
		return result, fmt.Errorf("list pending: %w", err)
	}

	for _, p := range pending {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if p.Idle < l.config.ReclaimMinIdle {
			continue
		}
		claimed, err := l.client.Claim(ctx, stream.ClaimArgs{
			Stream:   l.config.Stream,
			Group:    l.config.Group,
			Consumer: l.config.Consumer,
			MinIdle:  l.config.ReclaimMinIdle,
			IDs:      []string{p.ID},
		})
		if err != nil {
			return result, fmt.Errorf("claim %s: %w", p.ID, err)
		}
		if len(claimed) == 0 {
			continue
		}
		result.Claimed++
		entry := claimed[0]
		deliveries := p.Deliveries + 1

		if p.Deliveries >= l.config.MaxAttempts {
			if err := l.deadLetter(ctx, entry, deliveries, l.exhaustedCause(ctx, entry.ID)); err != nil {
				return result, err
			}
			result.DeadLettered++
			continue
		}

		handleErr := l.process(ctx, entry, deliveries)
		switch {
		case handleErr == nil:
			result.Recovered++
			l.observer.ObserveReclaim(l.config.Stream, reclaimRecovered)
		case domain.IsPermanent(handleErr):
			if err := l.deadLetter(ctx, entry, deliveries, handleErr); err != nil {
				return result, err
			}
			result.DeadLettered++
		default:
			l.observer.ObserveReclaim(l.config.Stream, reclaimRetained)
		}
	}
	return result, nil
}

// exhaustedCause explains why an entry ran out of attempts, with the last
// journaled failure when the recorder can read it back.
func (l *Loop) exhaustedCause(ctx context.Context, entryID string) error {
	history, ok := l.recorder.(attemptHistory)
	if !ok {
		return errMaxAttempts
	}
	last, err := history.LastError(ctx, l.config.Stream, entryID)
	if err != nil {
		l.logger.WarnContext(ctx, "read attempt journal failed",
			slog.String("entry_id", entryID),
			slog.Any("error", err),
		)
		return errMaxAttempts
	}
	if last == "" {
		return errMaxAttempts
	}
	return fmt.Errorf("%w: last error: %s", errMaxAttempts, last)
}

// deadLetter copies entry to the dead-letter stream, then acknowledges it. If
// the copy fails the entry stays pending for the next pass; if only the
// acknowledgement fails, the next pass copies it again.
func (l *Loop) deadLetter(ctx context.Context, entry stream.Entry, deliveries int64, cause error) error {
	fields := maps.Clone(entry.Fields)
	if fields == nil {
		fields = make(map[string]string, 4)
	}
	fields[DeadLetterSourceID] = entry.ID
	fields[DeadLetterSourceStream] = l.config.Stream
	fields[DeadLetterError] = truncateError(cause.Error())
	fields[DeadLetterDeliveries] = strconv.FormatInt(deliveries, 10)

	deadID, err := l.client.Add(ctx, DeadLetterStream(l.config.Stream), fields)
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}
	if err := l.ack(ctx, entry.ID); err != nil {
		return fmt.Errorf("ack dead-lettered %s: %w", entry.ID, err)
	}
	l.observer.ObserveReclaim(l.config.Stream, reclaimDeadLettered)
	l.logger.WarnContext(ctx, "entry dead-lettered",
		slog.String("entry_id", entry.ID),
		slog.String("dead_letter_id", deadID),
		slog.Int64("deliveries", deliveries),
		slog.Any("error", cause),
	)
	l.record(ctx, entry.ID, AttemptDead, deliveries, cause)
	return nil
}
