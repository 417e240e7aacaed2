// Package auth issues and checks the bearer tokens clients use on both the
// streaming connection and the side-channel API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/user/termlink/internal/db"
)

const (
	DefaultTokenTTL   = 30 * 24 * time.Hour
	DefaultPairingTTL = 10 * time.Minute

	// maxPairingFailures rotates the pairing code after this many wrong
	// guesses.
	maxPairingFailures = 5
)

var (
	ErrInvalidPairingCode = errors.New("auth: invalid or expired pairing code")
	ErrInvalidToken       = errors.New("auth: invalid or expired token")
)

// TokenStore persists issued tokens.
type TokenStore interface {
	Create(ctx context.Context, t *db.Token) error
	Get(ctx context.Context, value string) (*db.Token, error)
	Revoke(ctx context.Context, value string, at time.Time) error
	Touch(ctx context.Context, value string, at time.Time) error
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

type Options struct {
	TokenTTL   time.Duration
	PairingTTL time.Duration
	// StaticToken, when set, is always accepted. It never expires.
	StaticToken string
	Now         func() time.Time
	Logger      *slog.Logger
}

// Authority owns the current pairing code and validates tokens.
type Authority struct {
	store  TokenStore
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	code        string
	codeExpires time.Time
	failures    int
}

func New(store TokenStore, opts Options) *Authority {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = DefaultPairingTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Authority{store: store, opts: opts, logger: logger}
}

// GenerateToken returns 32 random hex characters.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// PairingCode returns the active one-time code, creating a new one when none
// is active.
func (a *Authority) PairingCode() (string, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.opts.Now()
	if a.code != "" && now.Before(a.codeExpires) {
		return a.code, a.codeExpires, nil
	}
	if err := a.rotateLocked(now); err != nil {
		return "", time.Time{}, err
	}
	return a.code, a.codeExpires, nil
}

func (a *Authority) rotateLocked(now time.Time) error {
	code, err := generateCode()
	if err != nil {
		return err
	}
	a.code = code
	a.codeExpires = now.Add(a.opts.PairingTTL)
	a.failures = 0
	return nil
}

// Pair exchanges a valid pairing code for a new token. Codes are single use.
func (a *Authority) Pair(ctx context.Context, code, label string) (*db.Token, error) {
	code = strings.TrimSpace(code)

	a.mu.Lock()
	now := a.opts.Now()
	valid := a.code != "" && now.Before(a.codeExpires) &&
		subtle.ConstantTimeCompare([]byte(code), []byte(a.code)) == 1
	if !valid {
		a.failures++
		if a.failures >= maxPairingFailures {
			a.code = ""
			a.failures = 0
			a.logger.Warn("pairing code discarded after repeated failures")
		}
		a.mu.Unlock()
		return nil, ErrInvalidPairingCode
	}
	a.code = ""
	a.failures = 0
	a.mu.Unlock()

	return a.issue(ctx, label, now)
}

// Validate reports whether token may authenticate right now.
func (a *Authority) Validate(ctx context.Context, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if a.opts.StaticToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.opts.StaticToken)) == 1 {
		return true
	}

	t, err := a.store.Get(ctx, token)
	if err != nil {
		a.logger.Error("token lookup failed", "error", err)
		return false
	}
	now := a.opts.Now()
	if !t.Valid(now) {
		return false
	}
	if err := a.store.Touch(ctx, token, now); err != nil {
		a.logger.Warn("token touch failed", "error", err)
	}
	return true
}

// Refresh swaps a valid token for a new one and revokes the old one. The
// static token cannot be refreshed.
func (a *Authority) Refresh(ctx context.Context, token string) (*db.Token, error) {
	token = strings.TrimSpace(token)
	now := a.opts.Now()

	old, err := a.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if !old.Valid(now) {
		return nil, ErrInvalidToken
	}

	fresh, err := a.issue(ctx, old.Label, now)
	if err != nil {
		return nil, err
	}
	if err := a.store.Revoke(ctx, token, now); err != nil {
		return nil, err
	}
	return fresh, nil
}

// Prune deletes tokens that expired or were revoked more than grace ago.
func (a *Authority) Prune(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := a.store.DeleteExpired(ctx, a.opts.Now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("prune tokens: %w", err)
	}
	if n > 0 {
		a.logger.Info("pruned tokens", "count", n)
	}
	return n, nil
}

func (a *Authority) issue(ctx context.Context, label string, now time.Time) (*db.Token, error) {
	value, err := GenerateToken()
	if err != nil {
		return nil, err
	}
	t := &db.Token{
		Value:     value,
		Label:     label,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(a.opts.TokenTTL).UTC(),
	}
	if err := a.store.Create(ctx, t); err != nil {
		return nil, err
	}
	a.logger.Info("token issued", "label", label, "expires_at", t.ExpiresAt)
	return t, nil
}
