package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/louisbranch/orderstream/internal/platform/stream"
	"github.com/louisbranch/orderstream/internal/services/consumer/domain"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage/sqlite"
	"github.com/redis/go-redis/v9"
)

const (
	testStream  = "updateItemCountStream"
	testGroup   = "updateItemGroup"
	testMinIdle = 10 * time.Millisecond
)

func newTestRedis(t *testing.T) (*stream.Client, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	client := stream.New(rdb)
	t.Cleanup(func() { _ = client.Close() })
	return client, rdb, srv
}

func testConfig(consumer string) Config {
	return Config{
		Stream:         testStream,
		Group:          testGroup,
		Consumer:       consumer,
		Block:          50 * time.Millisecond,
		RetryBackoff:   5 * time.Millisecond,
		RetryMaxDelay:  20 * time.Millisecond,
		ReclaimMinIdle: testMinIdle,
		MaxAttempts:    3,
	}
}

// startLoop runs loop.Run in the background and stops it at cleanup.
func startLoop(t *testing.T, loop *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("loop run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop after cancel")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func addEntry(t *testing.T, client *stream.Client, fields map[string]string) string {
	t.Helper()
	id, err := client.Add(context.Background(), testStream, fields)
	if err != nil {
		t.Fatalf("add entry: %v", err)
	}
	return id
}

func pendingIDs(t *testing.T, client *stream.Client) []string {
	t.Helper()
	pending, err := client.Pending(context.Background(), testStream, testGroup, 100)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	return ids
}

func openTempStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "orders.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openTempAttemptStore(t *testing.T) *sqlite.AttemptStore {
	t.Helper()
	store, err := sqlite.OpenAttempts(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("open attempt store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close attempt store: %v", err)
		}
	})
	return store
}

func seedItem(t *testing.T, store storage.ItemStore, item storage.Item) {
	t.Helper()
	if item.Name == "" {
		item.Name = "item"
	}
	if _, err := store.CreateItem(context.Background(), item); err != nil {
		t.Fatalf("seed item: %v", err)
	}
}

type handledEntry struct {
	id     string
	fields map[string]string
}

// recordingHandler records every call and delegates to fn when set.
type recordingHandler struct {
	mu    sync.Mutex
	calls []handledEntry
	fn    func(calls int, entryID string) (domain.Outcome, error)
}

func (h *recordingHandler) Handle(_ context.Context, entryID string, fields map[string]string) (domain.Outcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, handledEntry{id: entryID, fields: fields})
	if h.fn != nil {
		return h.fn(len(h.calls), entryID)
	}
	return domain.OutcomeApplied, nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func (h *recordingHandler) ids() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.calls))
	for _, c := range h.calls {
		out = append(out, c.id)
	}
	return out
}

type memoryRecorder struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *memoryRecorder) RecordAttempt(_ context.Context, attempt Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, attempt)
	return nil
}

func (r *memoryRecorder) outcomes(entryID string) []AttemptOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []AttemptOutcome
	for _, a := range r.attempts {
		if a.EntryID == entryID {
			out = append(out, a.Outcome)
		}
	}
	return out
}

type countingObserver struct {
	mu         sync.Mutex
	entries    map[string]int
	failures   map[string]int
	readErrors int
	reclaims   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		entries:  make(map[string]int),
		failures: make(map[string]int),
		reclaims: make(map[string]int),
	}
}

func (o *countingObserver) ObserveEntry(_, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[outcome]++
}

func (o *countingObserver) ObserveFailure(_, code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[code]++
}

func (o *countingObserver) ObserveReadError(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.readErrors++
}

func (o *countingObserver) ObserveReclaim(_, action string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reclaims[action]++
}

func (o *countingObserver) readErrorCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readErrors
}

// fakeStreamClient scripts transport behavior the real server cannot produce.
type fakeStreamClient struct {
	mu          sync.Mutex
	ensureErr   error
	ensureFn    func(call int) error
	ensureCalls int
	reads       []fakeRead
	ackErr      error
	acked       []string
	pending     []stream.Pending
	claimable   map[string]stream.Entry
	added       []map[string]string
}

type fakeRead struct {
	entries []stream.Entry
	err     error
}

func (c *fakeStreamClient) EnsureGroup(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureCalls++
	if c.ensureFn != nil {
		return c.ensureFn(c.ensureCalls)
	}
	return c.ensureErr
}

func (c *fakeStreamClient) Read(ctx context.Context, _ stream.ReadArgs) ([]stream.Entry, error) {
	c.mu.Lock()
	if len(c.reads) > 0 {
		next := c.reads[0]
		c.reads = c.reads[1:]
		c.mu.Unlock()
		return next.entries, next.err
	}
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (c *fakeStreamClient) Ack(_ context.Context, _, _ string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	c.acked = append(c.acked, ids...)
	return nil
}

func (c *fakeStreamClient) ackedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acked...)
}

func (c *fakeStreamClient) Pending(context.Context, string, string, int64) ([]stream.Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]stream.Pending(nil), c.pending...), nil
}

func (c *fakeStreamClient) Claim(_ context.Context, args stream.ClaimArgs) ([]stream.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []stream.Entry
	for _, id := range args.IDs {
		if entry, ok := c.claimable[id]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c *fakeStreamClient) Add(_ context.Context, streamName string, fields map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.claimable == nil && c.pending == nil {
		return "", errors.New("not supported")
	}
	c.added = append(c.added, fields)
	return fmt.Sprintf("%d-0", len(c.added)), nil
}

func (c *fakeStreamClient) addedFields() []map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]string(nil), c.added...)
}

// redisReply is an error reply as the redis client reports it.
type redisReply string

func (e redisReply) Error() string { return string(e) }

func (redisReply) RedisError() {}
