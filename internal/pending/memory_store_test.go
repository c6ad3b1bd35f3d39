package pending_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/pending/storetest"
)

func TestMemoryStoreSuite(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock pending.Clock) pending.Store {
		return pending.NewMemoryStore(clock)
	})
}

func TestMemoryStoreVerifiesIntegrity(t *testing.T) {
	storetest.RunIntegrity(t, func(t *testing.T, clock pending.Clock) pending.Store {
		return pending.NewMemoryStore(clock)
	}, func(t *testing.T, store pending.Store, id string) {
		pending.CorruptBytes(store.(*pending.MemoryStore), id)
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	clock := storetest.NewClock()
	store := pending.NewMemoryStore(clock.Now)
	ctx := context.Background()

	rec := storetest.NewRecord(clock, "sepolia", []byte("copy"), time.Minute)
	if err := store.Insert(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rec.TxBytes[0] = 'X'

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.TxBytes) != "copy" {
		t.Fatalf("store shares caller buffer: %q", got.TxBytes)
	}
	got.Summary.ExpectedPrograms[0] = "mutated"
	again, _ := store.Get(ctx, rec.ID)
	if again.Summary.ExpectedPrograms[0] == "mutated" {
		t.Fatal("store returned shared summary slice")
	}
}

func TestMemoryStoreConcurrentUpserts(t *testing.T) {
	clock := storetest.NewClock()
	store := pending.NewMemoryStore(clock.Now)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := storetest.NewRecord(clock, "sepolia", []byte("same-bytes"), time.Minute)
			if err := store.Insert(ctx, rec); err != nil {
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("identical bytes should converge on one id, got %d entries", len(entries))
	}
}
