package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestAppendAndPendingKeepOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, p := range []string{"one", "two", "three"} {
		if _, err := s.Append(ctx, "c1", []byte(p)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := s.Append(ctx, "c2", []byte("other")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	frames, err := s.Pending(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, want := range []string{"one", "two", "three"} {
		if string(frames[i].Payload) != want {
			t.Fatalf("frame %d: expected %q, got %q", i, want, frames[i].Payload)
		}
	}

	limited, err := s.Pending(ctx, "c1", 2)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestAckAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var last int64
	for i := 0; i < 3; i++ {
		seq, err := s.Append(ctx, "c1", []byte("x"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if i == 1 {
			last = seq
		}
	}

	if err := s.Ack(ctx, "c1", last); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	n, err := s.Count(ctx, "c1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 frame after ack, got %d", n)
	}

	if err := s.Clear(ctx, "c1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n, _ := s.Count(ctx, "c1"); n != 0 {
		t.Fatalf("expected empty buffer, got %d", n)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if _, err := s.Append(ctx, "c1", []byte("old")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := s.Append(ctx, "c1", []byte("new")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	removed, err := s.Sweep(ctx, base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}

	frames, err := s.Pending(ctx, "c1", 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(frames) != 1 || string(frames[0].Payload) != "new" {
		t.Fatalf("unexpected frames after sweep: %+v", frames)
	}
}
