// Package stream wraps Redis Streams consumer-group commands behind a small,
// typed client. Every call maps to one Redis command; retry policy belongs to
// the caller.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
	"github.com/louisbranch/orderstream/internal/platform/timeouts"
	"github.com/redis/go-redis/v9"
)

// Entry is one stream record: its ID and flat field map.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Pending describes an entry delivered to a consumer but not yet acknowledged.
type Pending struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// ReadArgs selects never-delivered entries for one consumer of a group.
type ReadArgs struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// ClaimArgs transfers ownership of pending entries idle for at least MinIdle.
type ClaimArgs struct {
	Stream   string
	Group    string
	Consumer string
	MinIdle  time.Duration
	IDs      []string
}

// Options configures a Redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Client issues consumer-group commands against one Redis instance.
type Client struct {
	rdb redis.UniversalClient
}

// Open connects to Redis and verifies the connection with PING.
func Open(ctx context.Context, opts Options) (*Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = timeouts.RedisDial
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:                  addr,
		Password:              opts.Password,
		DB:                    opts.DB,
		DialTimeout:           dialTimeout,
		ContextTimeoutEnabled: true,
	})
	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, transportError("ping redis "+addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// New wraps an existing go-redis client.
func New(rdb redis.UniversalClient) *Client {
	return &Client{rdb: rdb}
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// EnsureGroup creates group on stream (and the stream itself) starting from
// the first entry. An existing group is left untouched.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if err := c.ready(); err != nil {
		return err
	}
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return transportError("create group "+group+" on "+stream, err)
	}
	return nil
}

// Read blocks up to args.Block for entries never delivered to the group. A
// timeout yields no entries and no error.
func (c *Client) Read(ctx context.Context, args ReadArgs) ([]Entry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	count := args.Count
	if count <= 0 {
		count = 1
	}
	block := args.Block
	if block <= 0 {
		block = timeouts.StreamBlock
	}
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  []string{args.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, transportError("read group "+args.Group+" on "+args.Stream, err)
	}
	var entries []Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			entries = append(entries, toEntry(msg))
		}
	}
	return entries, nil
}

// Ack removes ids from the group's pending entries list.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return transportError("ack "+strings.Join(ids, ","), err)
	}
	return nil
}

// Pending lists up to count pending entries of group, oldest first.
func (c *Client) Pending(ctx context.Context, stream, group string, count int64) ([]Pending, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 100
	}
	rows, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, transportError("list pending of "+group+" on "+stream, err)
	}
	out := make([]Pending, 0, len(rows))
	for _, row := range rows {
		out = append(out, Pending{
			ID:         row.ID,
			Consumer:   row.Consumer,
			Idle:       row.Idle,
			Deliveries: row.RetryCount,
		})
	}
	return out, nil
}

// Claim takes ownership of the listed entries that are still idle for at
// least MinIdle. Entries claimed by someone else in the meantime are not
// returned.
func (c *Client) Claim(ctx context.Context, args ClaimArgs) ([]Entry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if len(args.IDs) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   args.Stream,
		Group:    args.Group,
		Consumer: args.Consumer,
		MinIdle:  args.MinIdle,
		Messages: args.IDs,
	}).Result()
	if err != nil {
		return nil, transportError("claim "+strings.Join(args.IDs, ","), err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, toEntry(msg))
	}
	return entries, nil
}

// Add appends fields to stream and returns the new entry ID.
func (c *Client) Add(ctx context.Context, stream string, fields map[string]string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if len(fields) == 0 {
		return "", fmt.Errorf("stream entry needs at least one field")
	}
	// XADD keeps field order; sort for a stable layout.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := make([]any, 0, len(fields)*2)
	for _, k := range keys {
		values = append(values, k, fields[k])
	}
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", transportError("append to "+stream, err)
	}
	return id, nil
}

func (c *Client) ready() error {
	if c == nil || c.rdb == nil {
		return apperrors.New(apperrors.CodeTransport, "redis client is not configured")
	}
	return nil
}

func toEntry(msg redis.XMessage) Entry {
	fields := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		switch value := v.(type) {
		case string:
			fields[k] = value
		case nil:
			fields[k] = ""
		default:
			fields[k] = fmt.Sprint(value)
		}
	}
	return Entry{ID: msg.ID, Fields: fields}
}

// IsNoGroup reports whether err is Redis rejecting a command because the
// consumer group (or its stream) no longer exists.
func IsNoGroup(err error) bool {
	var redisErr redis.Error
	if !errors.As(err, &redisErr) {
		return false
	}
	return strings.HasPrefix(redisErr.Error(), "NOGROUP")
}

func transportError(op string, err error) error {
	return apperrors.Wrap(apperrors.CodeTransport, op, err)
}
