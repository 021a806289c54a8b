package memory

import (
	"context"
	"testing"
)

func TestStorePushPopFIFO(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	if err := s.Push(ctx, "k", []byte("a"), []byte("b"), []byte("c")); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	got, err := s.Pop(ctx, "k", 2)
	if err != nil {
		t.Fatalf("Pop() error = %v", err)
	}
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Fatalf("unexpected pop result %q", got)
	}
	n, err := s.Len(ctx, "k")
	if err != nil || n != 1 {
		t.Fatalf("expected depth 1, got %d (%v)", n, err)
	}
	got, err = s.Pop(ctx, "k", 10)
	if err != nil || len(got) != 1 || string(got[0]) != "c" {
		t.Fatalf("expected remaining item c, got %q (%v)", got, err)
	}
	got, err = s.Pop(ctx, "k", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty pop, got %q (%v)", got, err)
	}
}

func TestStorePushCopiesPayload(t *testing.T) {
	t.Parallel()

	s := NewStore()
	payload := []byte("content")
	if err := s.Push(context.Background(), "k", payload); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	payload[0] = 'C'
	got, _ := s.Pop(context.Background(), "k", 1)
	if string(got[0]) != "content" {
		t.Fatalf("expected stored copy to be immutable, got %q", got[0])
	}
}

func TestStoreClearAndKeysAreIndependent(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx := context.Background()
	_ = s.Push(ctx, "a", []byte("1"))
	_ = s.Push(ctx, "b", []byte("2"))
	if err := s.Clear(ctx, "a"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if n, _ := s.Len(ctx, "a"); n != 0 {
		t.Fatalf("expected a to be empty, got %d", n)
	}
	if n, _ := s.Len(ctx, "b"); n != 1 {
		t.Fatalf("expected b untouched, got %d", n)
	}
}

func TestStoreClose(t *testing.T) {
	t.Parallel()

	s := NewStore()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.Pop(context.Background(), "k", 1); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Closing twice should be safe.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestStoreCanceledContext(t *testing.T) {
	t.Parallel()

	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Push(ctx, "k", []byte("x")); err == nil {
		t.Fatal("expected push to fail on canceled context")
	}
	if _, err := s.Pop(ctx, "k", 1); err == nil {
		t.Fatal("expected pop to fail on canceled context")
	}
}
