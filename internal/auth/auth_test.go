package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/termlink/internal/db"
)

func newTestAuthority(t *testing.T, opts Options) (*Authority, *time.Time) {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opts.Now = func() time.Time { return now }
	return New(database.Tokens(), opts), &now
}

func TestPairIssuesSingleUseToken(t *testing.T) {
	a, _ := newTestAuthority(t, Options{})
	ctx := context.Background()

	code, _, err := a.PairingCode()
	if err != nil {
		t.Fatalf("PairingCode: %v", err)
	}
	if len(code) != 6 {
		t.Fatalf("code %q is not 6 digits", code)
	}
	again, _, _ := a.PairingCode()
	if again != code {
		t.Fatalf("active code changed: %q -> %q", code, again)
	}

	tok, err := a.Pair(ctx, code, "phone")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	if !a.Validate(ctx, tok.Value) {
		t.Fatal("issued token does not validate")
	}

	if _, err := a.Pair(ctx, code, "phone"); !errors.Is(err, ErrInvalidPairingCode) {
		t.Fatalf("reused code err = %v, want ErrInvalidPairingCode", err)
	}
}

func TestPairingCodeExpires(t *testing.T) {
	a, now := newTestAuthority(t, Options{PairingTTL: time.Minute})
	code, _, _ := a.PairingCode()

	*now = now.Add(2 * time.Minute)
	if _, err := a.Pair(context.Background(), code, ""); !errors.Is(err, ErrInvalidPairingCode) {
		t.Fatalf("expired code err = %v", err)
	}
	fresh, _, _ := a.PairingCode()
	if fresh == "" {
		t.Fatal("expected new code after expiry")
	}
}

func TestPairingCodeRotatesAfterFailures(t *testing.T) {
	a, _ := newTestAuthority(t, Options{})
	code, _, _ := a.PairingCode()

	for i := 0; i < maxPairingFailures; i++ {
		_, _ = a.Pair(context.Background(), "not-it", "")
	}
	if _, err := a.Pair(context.Background(), code, ""); !errors.Is(err, ErrInvalidPairingCode) {
		t.Fatalf("code still valid after %d failures", maxPairingFailures)
	}
}

func TestValidate(t *testing.T) {
	a, now := newTestAuthority(t, Options{StaticToken: "static-secret", TokenTTL: time.Hour})
	ctx := context.Background()

	if !a.Validate(ctx, "static-secret") {
		t.Fatal("static token rejected")
	}
	if a.Validate(ctx, "") || a.Validate(ctx, "unknown") {
		t.Fatal("bogus token accepted")
	}

	code, _, _ := a.PairingCode()
	tok, err := a.Pair(ctx, code, "")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	*now = now.Add(2 * time.Hour)
	if a.Validate(ctx, tok.Value) {
		t.Fatal("expired token accepted")
	}
	if !a.Validate(ctx, "static-secret") {
		t.Fatal("static token should not expire")
	}
}

func TestRefreshRevokesOldToken(t *testing.T) {
	a, _ := newTestAuthority(t, Options{})
	ctx := context.Background()

	code, _, _ := a.PairingCode()
	old, err := a.Pair(ctx, code, "laptop")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	fresh, err := a.Refresh(ctx, old.Value)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fresh.Value == old.Value {
		t.Fatal("refresh returned the same token")
	}
	if fresh.Label != "laptop" {
		t.Fatalf("label = %q, want laptop", fresh.Label)
	}
	if a.Validate(ctx, old.Value) {
		t.Fatal("old token still valid")
	}
	if !a.Validate(ctx, fresh.Value) {
		t.Fatal("fresh token invalid")
	}

	if _, err := a.Refresh(ctx, old.Value); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("refreshing revoked token err = %v", err)
	}
}

func TestPruneDropsExpiredTokens(t *testing.T) {
	a, now := newTestAuthority(t, Options{TokenTTL: time.Hour})
	ctx := context.Background()

	code, _, _ := a.PairingCode()
	tok, err := a.Pair(ctx, code, "laptop")
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}

	if n, err := a.Prune(ctx, 0); err != nil || n != 0 {
		t.Fatalf("Prune() before expiry = %d, %v", n, err)
	}

	*now = now.Add(2 * time.Hour)
	if n, err := a.Prune(ctx, 30*time.Minute); err != nil || n != 1 {
		t.Fatalf("Prune() after expiry = %d, %v", n, err)
	}
	if a.Validate(ctx, tok.Value) {
		t.Fatal("pruned token still valid")
	}
}
