package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
	"github.com/redis/go-redis/v9"
)

func TestReadAckRoundTrip(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.EnsureGroup(ctx, "updateItemCountStream", "updateItemGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	id, err := client.Add(ctx, "updateItemCountStream", map[string]string{"itemId": "42", "count": "3", "version": "7"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	entries, err := client.Read(ctx, ReadArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "host-a", Block: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries len = %d, want 1", len(entries))
	}
	if entries[0].ID != id {
		t.Fatalf("entry id = %q, want %q", entries[0].ID, id)
	}
	if entries[0].Fields["itemId"] != "42" || entries[0].Fields["version"] != "7" {
		t.Fatalf("fields = %v", entries[0].Fields)
	}

	pending, err := client.Pending(ctx, "updateItemCountStream", "updateItemGroup", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "host-a" || pending[0].Deliveries != 1 {
		t.Fatalf("pending = %+v", pending)
	}

	if err := client.Ack(ctx, "updateItemCountStream", "updateItemGroup", id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err = client.Pending(ctx, "updateItemCountStream", "updateItemGroup", 10)
	if err != nil {
		t.Fatalf("pending after ack: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after ack = %+v, want empty", pending)
	}
}

func TestReadTimeoutReturnsNoEntries(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.EnsureGroup(ctx, "createOrderStream", "createOrderGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	entries, err := client.Read(ctx, ReadArgs{Stream: "createOrderStream", Group: "createOrderGroup", Consumer: "host-a", Block: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("entries = %v, want none", entries)
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := client.EnsureGroup(ctx, "createOrderStream", "createOrderGroup"); err != nil {
			t.Fatalf("ensure group #%d: %v", i+1, err)
		}
	}
}

func TestEnsureGroupConsumesBacklog(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if _, err := client.Add(ctx, "createOrderStream", map[string]string{"userId": "1"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := client.EnsureGroup(ctx, "createOrderStream", "createOrderGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	entries, err := client.Read(ctx, ReadArgs{Stream: "createOrderStream", Group: "createOrderGroup", Consumer: "host-a", Block: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries len = %d, want entry appended before the group", len(entries))
	}
}

func TestDisjointDeliveryAcrossConsumers(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.EnsureGroup(ctx, "updateItemCountStream", "updateItemGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := client.Add(ctx, "updateItemCountStream", map[string]string{"itemId": "1"}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	a, err := client.Read(ctx, ReadArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "host-a", Block: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("read a: %v", err)
	}
	b, err := client.Read(ctx, ReadArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "host-b", Block: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("read b: %v", err)
	}
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("deliveries a=%d b=%d, want 1 each", len(a), len(b))
	}
	if a[0].ID == b[0].ID {
		t.Fatalf("both consumers received %s", a[0].ID)
	}
}

func TestClaimTransfersOwnership(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.EnsureGroup(ctx, "updateItemCountStream", "updateItemGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	id, err := client.Add(ctx, "updateItemCountStream", map[string]string{"itemId": "9"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := client.Read(ctx, ReadArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "crashed", Block: 20 * time.Millisecond}); err != nil {
		t.Fatalf("read: %v", err)
	}

	claimed, err := client.Claim(ctx, ClaimArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "rescuer", IDs: []string{id}})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id || claimed[0].Fields["itemId"] != "9" {
		t.Fatalf("claimed = %+v", claimed)
	}

	pending, err := client.Pending(ctx, "updateItemCountStream", "updateItemGroup", 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Consumer != "rescuer" {
		t.Fatalf("pending = %+v, want owned by rescuer", pending)
	}
	if pending[0].Deliveries != 2 {
		t.Fatalf("deliveries = %d, want 2", pending[0].Deliveries)
	}
}

func TestClaimWithoutIDsIsNoop(t *testing.T) {
	client, _ := newTestClient(t)
	entries, err := client.Claim(context.Background(), ClaimArgs{Stream: "s", Group: "g", Consumer: "c"})
	if err != nil || entries != nil {
		t.Fatalf("claim = %v, %v; want nil, nil", entries, err)
	}
}

func TestAddRejectsEmptyFields(t *testing.T) {
	client, _ := newTestClient(t)
	if _, err := client.Add(context.Background(), "s", nil); err == nil {
		t.Fatal("expected error for empty fields")
	}
}

func TestTransportErrorsCarryCode(t *testing.T) {
	client, srv := newTestClient(t)
	srv.Close()

	_, err := client.Read(context.Background(), ReadArgs{Stream: "s", Group: "g", Consumer: "c", Block: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected read error against a closed server")
	}
	if !apperrors.HasCode(err, apperrors.CodeTransport) {
		t.Fatalf("error %v does not carry %s", err, apperrors.CodeTransport)
	}
}

func TestReadReportsMissingGroup(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	if err := client.EnsureGroup(ctx, "updateItemCountStream", "updateItemGroup"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := client.rdb.XGroupDestroy(ctx, "updateItemCountStream", "updateItemGroup").Err(); err != nil {
		t.Fatalf("destroy group: %v", err)
	}

	_, err := client.Read(ctx, ReadArgs{Stream: "updateItemCountStream", Group: "updateItemGroup", Consumer: "host-a", Block: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected read error for a destroyed group")
	}
	if !IsNoGroup(err) {
		t.Fatalf("IsNoGroup(%v) = false, want true", err)
	}
	if IsNoGroup(errors.New("NOGROUP lookalike")) {
		t.Fatal("IsNoGroup matched an error that did not come from redis")
	}
}

func TestOpenRejectsEmptyAddr(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestOpenPingsServer(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := Open(context.Background(), Options{Addr: srv.Addr()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNilClientIsNotConfigured(t *testing.T) {
	var client *Client
	if err := client.EnsureGroup(context.Background(), "s", "g"); err == nil {
		t.Fatal("expected error for nil client")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close nil client: %v", err)
	}
}

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	client := New(rdb)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}
