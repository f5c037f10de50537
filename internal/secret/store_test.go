package secret

import (
	"context"
	"errors"
	"strings"
	"testing"

	"agent-trader/internal/store"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	s, err := NewStore(st, testMasterKey, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	return s
}

func TestRevealZeroesPlaintextAfterCallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Seal(ctx, "agent:1", []byte("4c0883a69102937d6231471b5dbb6204fe512961708279f3a3e1b1b6d1b2e6f3")); err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	var leaked Plaintext
	err := s.Reveal(ctx, "agent:1", func(p Plaintext) error {
		if !strings.HasPrefix(string(p), "4c0883") {
			t.Errorf("unexpected plaintext prefix")
		}
		leaked = p
		return nil
	})
	if err != nil {
		t.Fatalf("Reveal returned error: %v", err)
	}

	for i, b := range leaked {
		if b != 0 {
			t.Fatalf("byte %d not zeroed after Reveal", i)
		}
	}
}

func TestRevealPropagatesCallbackError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Seal(ctx, "cex:1", []byte(`{"api_key":"k","api_secret":"s"}`)); err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	sentinel := errors.New("boom")
	if err := s.Reveal(ctx, "cex:1", func(Plaintext) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestRevealUnknownRef(t *testing.T) {
	s := newTestStore(t)
	err := s.Reveal(context.Background(), "missing", func(Plaintext) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPlaintextStringIsRedacted(t *testing.T) {
	p := Plaintext("super-secret")
	if p.String() != "[redacted]" {
		t.Fatalf("plaintext formatted as %q", p.String())
	}
}

func TestNewStoreRejectsShortKey(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer st.Close()

	if _, err := NewStore(st, "abcd", nil); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}

func TestRevealUnderRotatedMasterKeyIsUndecryptable(t *testing.T) {
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	original, err := NewStore(st, testMasterKey, nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	if err := original.Seal(ctx, "agent:1", []byte("key material")); err != nil {
		t.Fatalf("Seal returned error: %v", err)
	}

	rotated, err := NewStore(st, strings.Repeat("ab", 32), nil)
	if err != nil {
		t.Fatalf("NewStore returned error: %v", err)
	}
	called := false
	err = rotated.Reveal(ctx, "agent:1", func(Plaintext) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrUndecryptable) {
		t.Fatalf("expected ErrUndecryptable, got %v", err)
	}
	if called {
		t.Fatal("callback must not run when decryption fails")
	}
}
