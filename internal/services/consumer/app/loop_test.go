package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
	"github.com/louisbranch/orderstream/internal/platform/stream"
	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

func TestLoopAcksAfterSuccess(t *testing.T) {
	client, _, _ := newTestRedis(t)
	handler := &recordingHandler{}
	recorder := &memoryRecorder{}
	loop := New(client, handler, recorder, nil, testConfig("consumer-a"), nil)

	id := addEntry(t, client, map[string]string{"itemId": "1", "count": "1", "version": "1"})
	startLoop(t, loop)

	waitFor(t, "entry acknowledged", func() bool {
		return handler.count() == 1 && len(pendingIDs(t, client)) == 0
	})
	if got := handler.ids(); !slices.Equal(got, []string{id}) {
		t.Fatalf("handled ids = %v, want [%s]", got, id)
	}
	if got := recorder.outcomes(id); !slices.Equal(got, []AttemptOutcome{AttemptSucceeded}) {
		t.Fatalf("attempt outcomes = %v, want [succeeded]", got)
	}
}

func TestLoopLeavesFailedEntryPending(t *testing.T) {
	client, _, _ := newTestRedis(t)
	handler := &recordingHandler{fn: func(int, string) (domain.Outcome, error) {
		return "", apperrors.New(apperrors.CodePersistence, "database is locked")
	}}
	observer := newCountingObserver()
	loop := New(client, handler, nil, observer, testConfig("consumer-a"), nil)

	id := addEntry(t, client, map[string]string{"itemId": "1", "count": "1", "version": "1"})
	startLoop(t, loop)

	waitFor(t, "entry handled", func() bool { return handler.count() == 1 })
	if got := pendingIDs(t, client); !slices.Equal(got, []string{id}) {
		t.Fatalf("pending = %v, want [%s]", got, id)
	}
	waitFor(t, "failure observed", func() bool {
		observer.mu.Lock()
		defer observer.mu.Unlock()
		return observer.failures["persistence"] == 1
	})
}

func TestLoopMalformedEntryIsolation(t *testing.T) {
	client, _, _ := newTestRedis(t)
	store := openTempStore(t)
	seedItem(t, store, storage.Item{ID: 42, StoreID: 1, Count: 100, Version: 6})
	recorder := &memoryRecorder{}
	loop := New(client, domain.NewItemCountHandler(store, nil), recorder, nil, testConfig("consumer-a"), nil)

	malformed := addEntry(t, client, map[string]string{"itemId": "42", "count": "3"})
	wellFormed := addEntry(t, client, map[string]string{"itemId": "42", "count": "3", "version": "7"})
	startLoop(t, loop)

	waitFor(t, "well-formed entry applied", func() bool {
		item, err := store.GetItem(context.Background(), 42)
		return err == nil && item.Version == 7
	})
	item, err := store.GetItem(context.Background(), 42)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Count != 97 {
		t.Fatalf("count = %d, want 97", item.Count)
	}
	waitFor(t, "well-formed entry acknowledged", func() bool {
		return slices.Equal(pendingIDs(t, client), []string{malformed})
	})
	if got := recorder.outcomes(malformed); !slices.Equal(got, []AttemptOutcome{AttemptFailed}) {
		t.Fatalf("malformed outcomes = %v, want [failed]", got)
	}
	if got := recorder.outcomes(wellFormed); !slices.Equal(got, []AttemptOutcome{AttemptSucceeded}) {
		t.Fatalf("well-formed outcomes = %v, want [succeeded]", got)
	}
}

func TestLoopReplayedEntryIsAcknowledged(t *testing.T) {
	client, _, _ := newTestRedis(t)
	store := openTempStore(t)
	seedItem(t, store, storage.Item{ID: 1, StoreID: 1, Count: 10, Version: 0})
	recorder := &memoryRecorder{}
	loop := New(client, domain.NewItemCountHandler(store, nil), recorder, nil, testConfig("consumer-a"), nil)

	first := addEntry(t, client, map[string]string{"itemId": "1", "count": "2", "version": "1"})
	second := addEntry(t, client, map[string]string{"itemId": "1", "count": "2", "version": "1"})
	missing := addEntry(t, client, map[string]string{"itemId": "404", "count": "1", "version": "1"})
	startLoop(t, loop)

	waitFor(t, "all entries acknowledged", func() bool {
		return len(recorder.outcomes(missing)) == 1 && len(pendingIDs(t, client)) == 0
	})
	item, err := store.GetItem(context.Background(), 1)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Count != 8 || item.Version != 1 {
		t.Fatalf("item = {count %d, version %d}, want {8, 1}", item.Count, item.Version)
	}
	if got := recorder.outcomes(first); !slices.Equal(got, []AttemptOutcome{AttemptSucceeded}) {
		t.Fatalf("first outcomes = %v, want [succeeded]", got)
	}
	if got := recorder.outcomes(second); !slices.Equal(got, []AttemptOutcome{AttemptReplayed}) {
		t.Fatalf("second outcomes = %v, want [replayed]", got)
	}
	if got := recorder.outcomes(missing); !slices.Equal(got, []AttemptOutcome{AttemptSkipped}) {
		t.Fatalf("missing item outcomes = %v, want [skipped]", got)
	}
}

func TestLoopConcurrentConsumersReceiveDisjointEntries(t *testing.T) {
	client, _, _ := newTestRedis(t)
	if err := client.EnsureGroup(context.Background(), testStream, testGroup); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	var mu sync.Mutex
	seen := make(map[string][]string)
	handlerFor := func(consumer string) domain.Handler {
		return domain.HandlerFunc(func(_ context.Context, entryID string, _ map[string]string) (domain.Outcome, error) {
			mu.Lock()
			defer mu.Unlock()
			seen[entryID] = append(seen[entryID], consumer)
			return domain.OutcomeApplied, nil
		})
	}
	startLoop(t, New(client, handlerFor("consumer-a"), nil, nil, testConfig("consumer-a"), nil))
	startLoop(t, New(client, handlerFor("consumer-b"), nil, nil, testConfig("consumer-b"), nil))

	const total = 30
	for i := 0; i < total; i++ {
		addEntry(t, client, map[string]string{"itemId": fmt.Sprint(i), "count": "1", "version": "1"})
	}

	waitFor(t, "all entries handled", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	})
	mu.Lock()
	defer mu.Unlock()
	for id, consumers := range seen {
		if len(consumers) != 1 {
			t.Fatalf("entry %s delivered to %v, want exactly one consumer", id, consumers)
		}
	}
}

func TestLoopRunFailsWhenGroupCannotBeCreated(t *testing.T) {
	client := &fakeStreamClient{ensureErr: errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")}
	loop := New(client, &recordingHandler{}, nil, nil, testConfig("consumer-a"), nil)

	err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected group creation error")
	}
	if !strings.Contains(err.Error(), "ensure consumer group") {
		t.Fatalf("error = %v, want ensure consumer group context", err)
	}
}

func TestLoopRunRequiresStreamAndGroup(t *testing.T) {
	loop := New(&fakeStreamClient{}, &recordingHandler{}, nil, nil, Config{Consumer: "c"}, nil)
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing stream and group")
	}
	var nilLoop *Loop
	if err := nilLoop.Run(context.Background()); err == nil {
		t.Fatal("expected error for nil loop")
	}
}

func TestLoopRetriesReadErrors(t *testing.T) {
	transport := apperrors.Wrap(apperrors.CodeTransport, "read group", errors.New("connection refused"))
	client := &fakeStreamClient{reads: []fakeRead{
		{err: transport},
		{err: transport},
		{entries: []stream.Entry{{ID: "1-0", Fields: map[string]string{"k": "v"}}}},
	}}
	handler := &recordingHandler{}
	observer := newCountingObserver()
	loop := New(client, handler, nil, observer, testConfig("consumer-a"), nil)
	startLoop(t, loop)

	waitFor(t, "entry handled after read errors", func() bool {
		return handler.count() == 1 && len(client.ackedIDs()) == 1
	})
	if got := observer.readErrorCount(); got != 2 {
		t.Fatalf("read errors = %d, want 2", got)
	}
}

func TestLoopContinuesAfterAckFailure(t *testing.T) {
	client := &fakeStreamClient{
		ackErr: errors.New("connection reset"),
		reads: []fakeRead{
			{entries: []stream.Entry{{ID: "1-0"}}},
			{entries: []stream.Entry{{ID: "2-0"}}},
		},
	}
	handler := &recordingHandler{}
	loop := New(client, handler, nil, nil, testConfig("consumer-a"), nil)
	startLoop(t, loop)

	waitFor(t, "both entries handled", func() bool { return handler.count() == 2 })
}

func TestLoopStopsOnCancel(t *testing.T) {
	client, _, _ := newTestRedis(t)
	loop := New(client, &recordingHandler{}, nil, nil, testConfig("consumer-a"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopDefaultsConsumerIdentity(t *testing.T) {
	t.Setenv("HOST", "pod-7")
	loop := New(&fakeStreamClient{}, &recordingHandler{}, nil, nil, Config{Stream: testStream, Group: testGroup}, nil)
	if got := loop.Consumer(); got != "pod-7" {
		t.Fatalf("consumer = %q, want %q", got, "pod-7")
	}
}

func TestTruncateErrorKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("a", 1023) + "日本"
	got := truncateError(msg)
	if !utf8.ValidString(got) {
		t.Fatalf("truncateError produced invalid UTF-8")
	}
	if got != strings.Repeat("a", 1023) {
		t.Fatalf("truncateError len = %d, want 1023", len(got))
	}
}

func TestLoopRecreatesGroupLostWhileRunning(t *testing.T) {
	client, rdb, _ := newTestRedis(t)
	handler := &recordingHandler{}
	loop := New(client, handler, nil, nil, testConfig("consumer-a"), nil)

	addEntry(t, client, map[string]string{"itemId": "1", "count": "1", "version": "1"})
	startLoop(t, loop)
	waitFor(t, "first entry handled", func() bool { return handler.count() == 1 })

	if err := rdb.XGroupDestroy(context.Background(), testStream, testGroup).Err(); err != nil {
		t.Fatalf("destroy group: %v", err)
	}
	second := addEntry(t, client, map[string]string{"itemId": "1", "count": "1", "version": "2"})

	waitFor(t, "entry after group loss handled", func() bool {
		return slices.Contains(handler.ids(), second)
	})
}

func TestLoopRunFailsWhenLostGroupCannotBeRecreated(t *testing.T) {
	client := &fakeStreamClient{
		ensureFn: func(call int) error {
			if call == 1 {
				return nil
			}
			return errors.New("READONLY You can't write against a read only replica")
		},
		reads: []fakeRead{{err: apperrors.Wrap(apperrors.CodeTransport, "read group", redisReply("NOGROUP No such key or consumer group"))}},
	}
	loop := New(client, &recordingHandler{}, nil, nil, testConfig("consumer-a"), nil)

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "re-create consumer group") {
			t.Fatalf("run = %v, want re-create consumer group error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop kept running after the group could not be re-created")
	}
}
