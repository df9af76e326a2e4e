// Package app runs the consumer pipelines: the consume loop that reads,
// handles, and acknowledges stream entries, the reclaim loop that recovers
// entries left pending, and the process runtime around them.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
	"github.com/louisbranch/orderstream/internal/platform/stream"
	"github.com/louisbranch/orderstream/internal/platform/timeouts"
	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/louisbranch/orderstream/internal/services/consumer/app"

// StreamClient is the consumer-group surface the loop needs.
type StreamClient interface {
	EnsureGroup(ctx context.Context, stream, group string) error
	Read(ctx context.Context, args stream.ReadArgs) ([]stream.Entry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) error
	Pending(ctx context.Context, stream, group string, count int64) ([]stream.Pending, error)
	Claim(ctx context.Context, args stream.ClaimArgs) ([]stream.Entry, error)
	Add(ctx context.Context, stream string, fields map[string]string) (string, error)
}

// Observer receives loop metrics.
type Observer interface {
	ObserveEntry(stream, outcome string, elapsed time.Duration)
	ObserveFailure(stream, code string)
	ObserveReadError(stream string)
	ObserveReclaim(stream, action string)
}

type noopObserver struct{}

func (noopObserver) ObserveEntry(string, string, time.Duration) {}
func (noopObserver) ObserveFailure(string, string)              {}
func (noopObserver) ObserveReadError(string)                    {}
func (noopObserver) ObserveReclaim(string, string)              {}

// Loop consumes one stream as one member of a consumer group.
type Loop struct {
	client   StreamClient
	handler  domain.Handler
	recorder AttemptRecorder
	observer Observer
	config   Config
	logger   *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time
}

// New creates a consume loop. recorder, observer, and logger may be nil.
func New(client StreamClient, handler domain.Handler, recorder AttemptRecorder, observer Observer, cfg Config, logger *slog.Logger) *Loop {
	cfg = cfg.normalized()
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Loop{
		client:   client,
		handler:  handler,
		recorder: recorder,
		observer: observer,
		config:   cfg,
		logger: logger.With(
			slog.String("stream", cfg.Stream),
			slog.String("group", cfg.Group),
			slog.String("consumer", cfg.Consumer),
		),
		tracer: otel.Tracer(tracerName),
		clock:  time.Now,
	}
}

// Consumer returns the consumer identity the loop reads as.
func (l *Loop) Consumer() string {
	return l.config.Consumer
}

// Run makes sure the group exists, then reads, handles, and acknowledges
// entries until ctx is canceled. Entries are acknowledged only after the
// handler succeeds; a failed entry stays pending and the loop moves on.
// A group that disappears while running is re-created. Only a failure to
// create the group is returned.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil || l.client == nil || l.handler == nil {
		return fmt.Errorf("consume loop is not configured")
	}
	if l.config.Stream == "" || l.config.Group == "" {
		return fmt.Errorf("stream and group are required")
	}
	if err := l.client.EnsureGroup(ctx, l.config.Stream, l.config.Group); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	l.logger.InfoContext(ctx, "consume loop started")
	defer l.logger.Info("consume loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := l.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, entry := range entries {
			if ctx.Err() != nil {
				return nil
			}
			_ = l.process(ctx, entry, 1)
		}
	}
}

func (l *Loop) read(ctx context.Context) ([]stream.Entry, error) {
	args := stream.ReadArgs{
		Stream:   l.config.Stream,
		Group:    l.config.Group,
		Consumer: l.config.Consumer,
		Count:    l.config.BatchSize,
		Block:    l.config.Block,
	}
	var entries []stream.Entry
	operation := func() error {
		var err error
		entries, err = l.client.Read(ctx, args)
		if err != nil && stream.IsNoGroup(err) {
			l.logger.WarnContext(ctx, "consumer group missing; re-creating")
			if ensureErr := l.client.EnsureGroup(ctx, l.config.Stream, l.config.Group); ensureErr != nil {
				return backoff.Permanent(fmt.Errorf("re-create consumer group: %w", ensureErr))
			}
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if ctx.Err() != nil {
			return
		}
		l.observer.ObserveReadError(l.config.Stream)
		l.logger.WarnContext(ctx, "stream read failed; retrying",
			slog.Any("error", err),
			slog.Duration("retry_in", wait),
		)
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(l.readBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Loop) readBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.config.RetryBackoff
	b.MaxInterval = l.config.RetryMaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// process handles one entry and acknowledges it on success. The returned
// error is the handler's; acknowledgement failures are logged only, since
// the handler is idempotent and the entry will be redelivered.
func (l *Loop) process(ctx context.Context, entry stream.Entry, deliveries int64) error {
	ctx, span := l.tracer.Start(ctx, "consume "+l.config.Stream,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "redis"),
			attribute.String("messaging.destination.name", l.config.Stream),
			attribute.String("messaging.consumer.group.name", l.config.Group),
			attribute.String("messaging.message.id", entry.ID),
			attribute.Int64("messaging.message.delivery_count", deliveries),
		),
	)
	defer span.End()
	logger := l.logger.With(slog.String("entry_id", entry.ID))

	start := l.clock()
	outcome, err := l.handler.Handle(ctx, entry.ID, entry.Fields)
	elapsed := l.clock().Sub(start)
	if err != nil {
		code := apperrors.CodeOf(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code.Label())
		l.observer.ObserveEntry(l.config.Stream, string(AttemptFailed), elapsed)
		l.observer.ObserveFailure(l.config.Stream, code.Label())
		logger.ErrorContext(ctx, "entry handling failed; left pending",
			slog.Any("error", err),
			slog.String("code", string(code)),
			slog.Bool("permanent", domain.IsPermanent(err)),
			slog.Int64("deliveries", deliveries),
		)
		l.record(ctx, entry.ID, AttemptFailed, deliveries, err)
		return err
	}

	span.SetAttributes(attribute.String("orderstream.outcome", string(outcome)))
	if err := l.ack(ctx, entry.ID); err != nil {
		logger.ErrorContext(ctx, "ack failed; entry stays pending", slog.Any("error", err))
	}
	if outcome == domain.OutcomeItemMissing {
		logger.WarnContext(ctx, "entry targets a missing item; acknowledged without change")
	}
	l.observer.ObserveEntry(l.config.Stream, string(outcome), elapsed)
	l.record(ctx, entry.ID, attemptOutcomeFor(outcome), deliveries, nil)
	return nil
}

// ack runs detached from ctx so a committed entry is still acknowledged
// while the process shuts down.
func (l *Loop) ack(ctx context.Context, ids ...string) error {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StreamAck)
	defer cancel()
	return l.client.Ack(ackCtx, l.config.Stream, l.config.Group, ids...)
}

func (l *Loop) record(ctx context.Context, entryID string, outcome AttemptOutcome, deliveries int64, cause error) {
	if l.recorder == nil {
		return
	}
	attempt := Attempt{
		EntryID:       entryID,
		Stream:        l.config.Stream,
		Outcome:       outcome,
		DeliveryCount: deliveries,
		CreatedAt:     l.clock().UTC(),
	}
	if cause != nil {
		attempt.Error = truncateError(cause.Error())
	}
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.StreamAck)
	defer cancel()
	if err := l.recorder.RecordAttempt(recordCtx, attempt); err != nil {
		l.logger.WarnContext(ctx, "record attempt failed",
			slog.String("entry_id", entryID),
			slog.Any("error", err),
		)
	}
}

func truncateError(msg string) string {
	const limit = 1024
	msg = strings.TrimSpace(msg)
	if len(msg) <= limit {
		return msg
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
