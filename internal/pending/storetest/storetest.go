// Package storetest provides a behaviour suite shared by every pending.Store
// implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/pending"
)

// Epoch is the instant every suite clock starts at.
var Epoch = time.UnixMilli(1_700_000_000_000)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at Epoch.
func NewClock() *Clock { return &Clock{now: Epoch} }

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds a fresh, empty store bound to the given clock.
type Factory func(t *testing.T, clock pending.Clock) pending.Store

// NewRecord builds a valid record created at the clock's current instant.
func NewRecord(clock *Clock, network string, payload []byte, ttl time.Duration) *pending.Record {
	hash := pending.Hash(payload)
	created := clock.Now().UnixMilli()
	return &pending.Record{
		ID:          pending.NewID("evm", network, hash),
		Network:     network,
		TxBytes:     payload,
		ContentHash: hash,
		CreatedAt:   created,
		UpdatedAt:   created,
		ExpiresAt:   created + ttl.Milliseconds(),
		SourceTool:  "evm_transfer_native",
		Summary: pending.Summary{
			Kind:             "transfer",
			ApprovalStatus:   pending.ApprovalNormal,
			ExpectedPrograms: []string{"0x000000000000000000000000000000000000dEaD"},
			Extra:            map[string]any{"note": "suite"},
		},
		Status: pending.StatusPending,
	}
}

// Corrupter flips the stored bytes of id behind the store's back.
type Corrupter func(t *testing.T, store pending.Store, id string)

// RunIntegrity checks that a record whose stored bytes no longer match its
// content hash is reported as a storage failure rather than returned.
func RunIntegrity(t *testing.T, factory Factory, corrupt Corrupter) {
	t.Helper()

	t.Run("get refuses records whose bytes drifted from the hash", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		rec := NewRecord(clock, "sepolia", []byte("integrity"), time.Minute)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		corrupt(t, store, rec.ID)

		got, err := store.Get(ctx, rec.ID)
		if got != nil || !xerrors.IsCode(err, xerrors.CodeStorageFailure) {
			t.Fatalf("expected STORAGE_FAILURE, got %+v %v", got, err)
		}
		if pending.IsNotFound(err) {
			t.Fatal("corruption must not read as not found")
		}
	})
}

// Run executes the suite against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("insert then get returns unchanged bytes and hash", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		rec := NewRecord(clock, "sepolia", []byte{0x02, 0xf8, 0x6b, 0x00, 0xff}, 5*time.Second)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := store.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if string(got.TxBytes) != string(rec.TxBytes) {
			t.Fatalf("bytes changed: %x vs %x", got.TxBytes, rec.TxBytes)
		}
		if got.ContentHash != rec.ContentHash || pending.Hash(got.TxBytes) != rec.ContentHash {
			t.Fatalf("hash changed: %s", got.ContentHash)
		}
		if got.Summary.Kind != "transfer" || len(got.Summary.ExpectedPrograms) != 1 {
			t.Fatalf("summary not preserved: %+v", got.Summary)
		}
		if got.Status != pending.StatusPending || got.Network != "sepolia" || got.SourceTool != rec.SourceTool {
			t.Fatalf("unexpected record: %+v", got)
		}
	})

	t.Run("ttl boundary before and after cleanup", func(t *testing.T) {
		for _, cleanupFirst := range []bool{false, true} {
			t.Run(fmt.Sprintf("cleanup=%v", cleanupFirst), func(t *testing.T) {
				clock := NewClock()
				store := factory(t, clock.Now)
				ctx := context.Background()

				ttl := 5 * time.Second
				rec := NewRecord(clock, "sepolia", []byte("ttl-boundary"), ttl)
				if err := store.Insert(ctx, rec); err != nil {
					t.Fatalf("insert: %v", err)
				}

				clock.Advance(ttl - time.Millisecond)
				if cleanupFirst {
					if _, err := store.Cleanup(ctx, clock.Now(), 0); err != nil {
						t.Fatalf("cleanup: %v", err)
					}
				}
				if _, err := store.Get(ctx, rec.ID); err != nil {
					t.Fatalf("expected record at ttl-1ms: %v", err)
				}

				clock.Advance(time.Millisecond)
				if _, err := store.Get(ctx, rec.ID); !pending.IsNotFound(err) {
					t.Fatalf("expected not found at ttl, got %v", err)
				}
				if cleanupFirst {
					if _, err := store.Cleanup(ctx, clock.Now(), 0); err != nil {
						t.Fatalf("cleanup: %v", err)
					}
					if _, err := store.Get(ctx, rec.ID); !pending.IsNotFound(err) {
						t.Fatalf("expected not found after cleanup, got %v", err)
					}
				}
			})
		}
	})

	t.Run("reinsert with same id overwrites", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		rec := NewRecord(clock, "sepolia", []byte("upsert"), time.Second)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		again := NewRecord(clock, "sepolia", []byte("upsert"), time.Minute)
		again.SourceTool = "evm_retry"
		if err := store.Insert(ctx, again); err != nil {
			t.Fatalf("reinsert: %v", err)
		}
		clock.Advance(2 * time.Second)
		got, err := store.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("expected refreshed record: %v", err)
		}
		if got.SourceTool != "evm_retry" {
			t.Fatalf("expected last writer to win, got %q", got.SourceTool)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		rec := NewRecord(clock, "sepolia", []byte("remove"), time.Minute)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := store.Remove(ctx, rec.ID); err != nil {
				t.Fatalf("remove #%d: %v", i, err)
			}
		}
		if _, err := store.Get(ctx, rec.ID); !pending.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
		if err := store.Remove(ctx, "evm_confirm_missing"); err != nil {
			t.Fatalf("remove missing: %v", err)
		}
	})

	t.Run("list is newest first and filtered", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 3; i++ {
			rec := NewRecord(clock, "sepolia", []byte(fmt.Sprintf("list-%d", i)), time.Minute)
			if i == 2 {
				rec.Network = "mainnet"
				rec.ID = pending.NewID("evm", "mainnet", rec.ContentHash)
			}
			if err := store.Insert(ctx, rec); err != nil {
				t.Fatalf("insert: %v", err)
			}
			ids = append(ids, rec.ID)
			clock.Advance(10 * time.Millisecond)
		}
		short := NewRecord(clock, "sepolia", []byte("list-short"), 5*time.Millisecond)
		if err := store.Insert(ctx, short); err != nil {
			t.Fatalf("insert short: %v", err)
		}
		clock.Advance(5 * time.Millisecond)

		entries, err := store.List(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 live entries, got %d", len(entries))
		}
		if entries[0].ID != ids[2] || entries[2].ID != ids[0] {
			t.Fatalf("unexpected order: %s, %s, %s", entries[0].ID, entries[1].ID, entries[2].ID)
		}

		entries, err = store.List(ctx, pending.WithNetwork("sepolia"), pending.WithLimit(1))
		if err != nil {
			t.Fatalf("list filtered: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != ids[1] {
			t.Fatalf("unexpected filtered entries: %+v", entries)
		}

		if err := store.UpdateStatus(ctx, ids[0], pending.StatusUpdate{Status: pending.StatusTimedOut, TxHash: "0xabc"}); err != nil {
			t.Fatalf("update: %v", err)
		}
		entries, err = store.List(ctx, pending.WithStatuses(pending.StatusTimedOut))
		if err != nil {
			t.Fatalf("list by status: %v", err)
		}
		if len(entries) != 1 || entries[0].ID != ids[0] || entries[0].TxHash != "0xabc" {
			t.Fatalf("unexpected status entries: %+v", entries)
		}
	})

	t.Run("cleanup removes expired and aged records", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		old := NewRecord(clock, "sepolia", []byte("aged"), time.Hour)
		if err := store.Insert(ctx, old); err != nil {
			t.Fatalf("insert: %v", err)
		}
		clock.Advance(time.Minute)
		expiring := NewRecord(clock, "sepolia", []byte("expiring"), time.Second)
		fresh := NewRecord(clock, "sepolia", []byte("fresh"), time.Hour)
		for _, rec := range []*pending.Record{expiring, fresh} {
			if err := store.Insert(ctx, rec); err != nil {
				t.Fatalf("insert: %v", err)
			}
		}
		clock.Advance(2 * time.Second)

		result, err := store.Cleanup(ctx, clock.Now(), 0)
		if err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		if result.Removed != 1 || result.Kept != 2 {
			t.Fatalf("unexpected cleanup result: %+v", result)
		}

		result, err = store.Cleanup(ctx, clock.Now(), 30*time.Second)
		if err != nil {
			t.Fatalf("cleanup by age: %v", err)
		}
		if result.Removed != 1 || result.Kept != 1 {
			t.Fatalf("unexpected aged cleanup result: %+v", result)
		}
		if _, err := store.Get(ctx, fresh.ID); err != nil {
			t.Fatalf("fresh record should survive: %v", err)
		}
	})

	t.Run("update status", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)
		ctx := context.Background()

		rec := NewRecord(clock, "sepolia", []byte("status"), time.Minute)
		if err := store.Insert(ctx, rec); err != nil {
			t.Fatalf("insert: %v", err)
		}
		clock.Advance(time.Second)
		if err := store.UpdateStatus(ctx, rec.ID, pending.StatusUpdate{Status: pending.StatusSending, TxHash: "0x01", Attempted: true}); err != nil {
			t.Fatalf("mark sending: %v", err)
		}
		if err := store.UpdateStatus(ctx, rec.ID, pending.StatusUpdate{Status: pending.StatusFailed, LastError: "INSUFFICIENT_FUNDS"}); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		got, err := store.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status != pending.StatusFailed || got.TxHash != "0x01" || got.LastError != "INSUFFICIENT_FUNDS" || got.Attempts != 1 {
			t.Fatalf("unexpected record after updates: %+v", got)
		}
		if got.UpdatedAt != clock.Now().UnixMilli() {
			t.Fatalf("updated_at not refreshed: %d", got.UpdatedAt)
		}
		if string(got.TxBytes) != "status" || got.ContentHash != rec.ContentHash {
			t.Fatal("status updates must not touch bytes or hash")
		}

		err = store.UpdateStatus(ctx, "evm_confirm_missing", pending.StatusUpdate{Status: pending.StatusSending})
		if !pending.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("insert rejects inconsistent hash", func(t *testing.T) {
		clock := NewClock()
		store := factory(t, clock.Now)

		rec := NewRecord(clock, "sepolia", []byte("tamper"), time.Minute)
		rec.ContentHash = pending.Hash([]byte("other"))
		if err := store.Insert(context.Background(), rec); err == nil {
			t.Fatal("expected integrity error")
		}
	})
}
