// Package oauthstate issues and redeems the signed state tokens that tie a
// provider OAuth callback back to the store that started the linking flow.
// A state is HMAC-signed so the callback endpoint can reject forgeries
// before touching the database, persisted so it can be claimed exactly
// once, and paired with a PKCE verifier that never leaves the server.
package oauthstate

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/oauth2"

	"shopmetrics-backend/models"
)

const (
	// DefaultTTL is how long a pending linking attempt stays redeemable.
	DefaultTTL = 10 * time.Minute

	nonceBytes    = 8
	sigHexLen     = 16
	verifierBytes = 32
)

// ErrStateInvalid covers every way a state can fail redemption: forged
// signature, unknown, expired, or already used. Callers get one opaque
// error so responses never reveal which check failed.
var ErrStateInvalid = errors.New("oauth state invalid or expired")

// StateStore persists pending linking attempts.
type StateStore interface {
	Create(ctx context.Context, rec *models.OAuthState) error
	// Claim atomically removes the live row for state and returns it.
	// A miss, because the row never existed, expired, or was already
	// claimed, returns (nil, nil).
	Claim(ctx context.Context, state string, now time.Time) (*models.OAuthState, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// Exchanger is the slice of the platform client the manager needs.
type Exchanger interface {
	AuthorizeURL(state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, verifier string) (*oauth2.Token, error)
}

type Manager struct {
	secret    []byte
	ttl       time.Duration
	store     StateStore
	exchanger Exchanger
	clock     clockwork.Clock
}

type Option func(*Manager)

// WithClock swaps the wall clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

func NewManager(secret []byte, store StateStore, exchanger Exchanger, opts ...Option) *Manager {
	m := &Manager{
		secret:    secret,
		ttl:       DefaultTTL,
		store:     store,
		exchanger: exchanger,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IssueAuthURL starts a linking attempt for storeID: it mints a signed
// state, generates a PKCE verifier/challenge pair, persists both with a
// TTL, and returns the consent URL to redirect the operator to.
func (m *Manager) IssueAuthURL(ctx context.Context, storeID string) (string, error) {
	raw := make([]byte, nonceBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate state nonce: %w", err)
	}
	nonce := hex.EncodeToString(raw)
	state := storeID + "_" + nonce + "_" + m.sign(storeID, nonce)

	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", err
	}

	rec := &models.OAuthState{
		State:     state,
		StoreID:   storeID,
		Verifier:  verifier,
		ExpiresAt: m.clock.Now().Add(m.ttl),
	}
	if err := m.store.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("persist oauth state: %w", err)
	}

	return m.exchanger.AuthorizeURL(state, challenge), nil
}

// Validate checks a state's shape and signature without touching the
// database. It returns the embedded store id, or "" when the state is not
// one we signed. Validate alone says nothing about expiry or reuse; only
// Exchange settles those.
func (m *Manager) Validate(state string) string {
	storeID, nonce, sig, ok := splitState(state)
	if !ok {
		return ""
	}
	expected := m.sign(storeID, nonce)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return ""
	}
	return storeID
}

// Exchange redeems a callback: it verifies the state signature, claims the
// persisted row (each state works exactly once, even under concurrent
// replay), and trades the authorization code for a token bundle using the
// stored PKCE verifier. The claim happens before the provider call, so a
// failed exchange still burns the state and the operator must restart the
// flow.
func (m *Manager) Exchange(ctx context.Context, code, state string) (*oauth2.Token, string, error) {
	if m.Validate(state) == "" {
		return nil, "", ErrStateInvalid
	}

	rec, err := m.store.Claim(ctx, state, m.clock.Now())
	if err != nil {
		return nil, "", fmt.Errorf("claim oauth state: %w", err)
	}
	if rec == nil {
		return nil, "", ErrStateInvalid
	}

	token, err := m.exchanger.ExchangeCode(ctx, code, rec.Verifier)
	if err != nil {
		return nil, "", fmt.Errorf("exchange authorization code: %w", err)
	}
	return token, rec.StoreID, nil
}

// PurgeExpired drops linking attempts that ran out their TTL. Called from
// the scheduler's housekeeping tick.
func (m *Manager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.store.DeleteExpired(ctx, m.clock.Now())
}

func (m *Manager) sign(storeID, nonce string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(storeID + ":" + nonce))
	return hex.EncodeToString(mac.Sum(nil))[:sigHexLen]
}

// splitState breaks state into its three parts. Store ids are UUIDs and
// never contain underscores, so the separators are unambiguous.
func splitState(state string) (storeID, nonce, sig string, ok bool) {
	parts := strings.Split(state, "_")
	if len(parts) != 3 {
		return "", "", "", false
	}
	storeID, nonce, sig = parts[0], parts[1], parts[2]
	if storeID == "" || len(nonce) != nonceBytes*2 || len(sig) != sigHexLen {
		return "", "", "", false
	}
	return storeID, nonce, sig, true
}

// generatePKCE returns a 256-bit base64url verifier and its S256
// challenge.
func generatePKCE() (verifier, challenge string, err error) {
	raw := make([]byte, verifierBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return verifier, challenge, nil
}
