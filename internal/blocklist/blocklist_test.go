package blocklist

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemory_BlockKeepsFirstReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	blocked, err := m.IsBlocked(ctx, "evil.example")
	if err != nil || blocked {
		t.Fatalf("IsBlocked before = %v, %v", blocked, err)
	}
	if err := m.Block(ctx, "evil.example", "case 1"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	if err := m.Block(ctx, "evil.example", "case 2"); err != nil {
		t.Fatalf("Block again: %v", err)
	}

	e, ok, err := m.Lookup(ctx, "evil.example")
	if err != nil || !ok {
		t.Fatalf("Lookup = %v, %v", ok, err)
	}
	if e.Reason != "case 1" || !e.BlockedAt.Equal(at) {
		t.Errorf("entry = %+v", e)
	}
	if blocked, _ := m.IsBlocked(ctx, "evil.example"); !blocked {
		t.Error("expected blocked")
	}
	if _, ok, _ := m.Lookup(ctx, "other"); ok {
		t.Error("unexpected entry for other")
	}
}

func TestMemory_Concurrent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := NewMemory()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Block(ctx, "v", "r")
			if i%2 == 0 {
				_, _ = m.IsBlocked(ctx, "v")
			}
		}()
	}
	wg.Wait()
	if blocked, _ := m.IsBlocked(ctx, "v"); !blocked {
		t.Error("expected blocked")
	}
}
