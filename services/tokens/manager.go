package tokens

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
)

// TokenPair holds the two-tier credentials for one source. The refresh token
// mints access tokens; the access token authorizes individual calls.
type TokenPair struct {
	RefreshValue  string
	RefreshExpiry time.Time
	AccessValue   string
	AccessExpiry  time.Time
}

// entry is the per-source token state. Its mutex is the single-flight lock:
// whichever caller wins performs the refresh, the rest wait and reuse it.
type entry struct {
	mu   sync.Mutex
	pair TokenPair
}

// Manager owns the token pair for every source and refreshes transparently.
// It is the only component that touches provider credential endpoints.
type Manager struct {
	creds CredentialStore

	mu      sync.Mutex
	entries map[uint]*entry

	// transient-failure retry budget for credential calls
	retries     int
	backoffBase time.Duration
}

// NewManager creates a token lifecycle manager backed by the given
// credential store.
func NewManager(creds CredentialStore) *Manager {
	return &Manager{
		creds:       creds,
		entries:     make(map[uint]*entry),
		retries:     3,
		backoffBase: 500 * time.Millisecond,
	}
}

// GetAccessToken returns a currently valid access token for the source,
// refreshing or fully re-authenticating as needed. The per-source lock
// guarantees at most one in-flight refresh per expiry cycle.
func (m *Manager) GetAccessToken(ctx context.Context, source *models.DataSource, prov provider.Provider) (string, error) {
	e := m.entry(source.ID)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	lead := source.RefreshLeadTime()

	// Access token still valid and not inside the refresh lead window
	if e.pair.AccessValue != "" && now.Add(lead).Before(e.pair.AccessExpiry) {
		return e.pair.AccessValue, nil
	}

	// Refresh token still valid: mint a new access token
	if e.pair.RefreshValue != "" && now.Before(e.pair.RefreshExpiry) {
		grant, err := m.withRetry(ctx, func() (*provider.TokenGrant, error) {
			return prov.RefreshAccess(ctx, e.pair.RefreshValue)
		})
		if err != nil {
			if provider.IsAuth(err) {
				// Force full re-authentication on the next call
				log.Printf("Refresh rejected for source %s, clearing cached refresh token", source.Code)
				e.pair = TokenPair{}
			}
			return "", err
		}
		e.pair.AccessValue = grant.Value
		e.pair.AccessExpiry = grant.ExpiresAt
		return e.pair.AccessValue, nil
	}

	// Full re-authentication: secret -> refresh token -> access token
	secret, err := m.creds.GetSecret(ctx, source.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load credential for source %s: %w", source.Code, err)
	}

	refreshGrant, err := m.withRetry(ctx, func() (*provider.TokenGrant, error) {
		return prov.Authenticate(ctx, secret)
	})
	if err != nil {
		return "", err
	}

	accessGrant, err := m.withRetry(ctx, func() (*provider.TokenGrant, error) {
		return prov.RefreshAccess(ctx, refreshGrant.Value)
	})
	if err != nil {
		// The old pair stays untouched until the new one is confirmed
		return "", err
	}

	e.pair = TokenPair{
		RefreshValue:  refreshGrant.Value,
		RefreshExpiry: refreshGrant.ExpiresAt,
		AccessValue:   accessGrant.Value,
		AccessExpiry:  accessGrant.ExpiresAt,
	}
	log.Printf("Authenticated source %s, access token valid until %s", source.Code, accessGrant.ExpiresAt.Format(time.RFC3339))
	return e.pair.AccessValue, nil
}

// Invalidate clears all cached tokens for the source. The next call
// performs a full re-authentication.
func (m *Manager) Invalidate(sourceID uint) {
	e := m.entry(sourceID)
	e.mu.Lock()
	e.pair = TokenPair{}
	e.mu.Unlock()
}

// entry returns the per-source state, creating it on first use.
func (m *Manager) entry(sourceID uint) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sourceID]
	if !ok {
		e = &entry{}
		m.entries[sourceID] = e
	}
	return e
}

// withRetry retries transient failures with doubling backoff. Auth failures
// and malformed responses surface immediately.
func (m *Manager) withRetry(ctx context.Context, fn func() (*provider.TokenGrant, error)) (*provider.TokenGrant, error) {
	var lastErr error
	backoff := m.backoffBase
	for attempt := 0; attempt <= m.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		grant, err := fn()
		if err == nil {
			return grant, nil
		}
		if !provider.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("credential call failed after %d retries: %w", m.retries, lastErr)
}
