package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewMemoryWithClock(func() time.Time { return now })
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)

	if val, ok := m.Get(ctx, "k"); !ok || string(val) != "v" {
		t.Fatalf("expected hit, got %q ok=%v", val, ok)
	}

	now = now.Add(61 * time.Second)
	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("entry should have expired")
	}
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("v"), time.Minute)
	m.Delete(ctx, "k")

	if _, ok := m.Get(ctx, "k"); ok {
		t.Error("deleted entry should miss")
	}
}

func TestMemoryOverwrite(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Set(ctx, "k", []byte("old"), time.Minute)
	m.Set(ctx, "k", []byte("new"), time.Minute)

	if val, _ := m.Get(ctx, "k"); string(val) != "new" {
		t.Errorf("expected overwrite, got %q", val)
	}
}
