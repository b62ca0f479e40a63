package tokens

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_sync_backend/models"
	"market_sync_backend/services/provider"
)

type fakeCredStore struct {
	secret string
	calls  int32
}

func (f *fakeCredStore) GetSecret(ctx context.Context, sourceID uint) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.secret, nil
}

type fakeProvider struct {
	mu sync.Mutex

	authCalls    int
	refreshCalls int

	authErr          error
	authErrRemaining int
	refreshErr       error

	refreshTTL time.Duration
	accessTTL  time.Duration

	seq int
}

func (f *fakeProvider) Authenticate(ctx context.Context, secret string) (*provider.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authCalls++
	if f.authErr != nil {
		err := f.authErr
		if f.authErrRemaining > 0 {
			f.authErrRemaining--
			if f.authErrRemaining == 0 {
				f.authErr = nil
			}
		}
		return nil, err
	}
	f.seq++
	return &provider.TokenGrant{Value: "refresh-" + itoa(f.seq), ExpiresAt: time.Now().Add(f.refreshTTL)}, nil
}

func (f *fakeProvider) RefreshAccess(ctx context.Context, refreshToken string) (*provider.TokenGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.seq++
	return &provider.TokenGrant{Value: "access-" + itoa(f.seq), ExpiresAt: time.Now().Add(f.accessTTL)}, nil
}

func (f *fakeProvider) FetchPage(ctx context.Context, accessToken, endpoint string, params map[string]string, cursor string) (*provider.Page, error) {
	return nil, errors.New("not implemented")
}

func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	return string(rune('0'+n/10)) + string(rune('0'+n%10))
}

func testSource() *models.DataSource {
	return &models.DataSource{
		ID:                 1,
		Code:               "SSI",
		RefreshLeadTimeSec: 300,
	}
}

func TestGetAccessTokenFullAuthentication(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})

	token, err := m.GetAccessToken(context.Background(), testSource(), prov)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 1, prov.authCalls)
	assert.Equal(t, 1, prov.refreshCalls)
}

func TestGetAccessTokenCachedUntilLeadWindow(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	src := testSource()

	first, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)

	second, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, prov.authCalls, "cached token must not trigger a second authentication")
}

func TestGetAccessTokenRefreshInsideLeadWindow(t *testing.T) {
	// Access token has 30s left but the lead window is 60s: a refresh must
	// happen even though the token is technically still valid.
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	src := testSource()
	src.RefreshLeadTimeSec = 60

	_, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)

	e := m.entry(src.ID)
	e.mu.Lock()
	e.pair.AccessExpiry = time.Now().Add(30 * time.Second)
	e.mu.Unlock()

	refreshesBefore := prov.refreshCalls
	token, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, refreshesBefore+1, prov.refreshCalls)
	assert.Equal(t, 1, prov.authCalls, "refresh token was still valid, no re-authentication expected")
}

func TestGetAccessTokenSingleFlight(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	src := testSource()

	const goroutines = 20
	var wg sync.WaitGroup
	tokensSeen := make([]string, goroutines)
	errs := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokensSeen[i], errs[i] = m.GetAccessToken(context.Background(), src, prov)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, prov.authCalls, "concurrent callers must share one authentication")
	assert.Equal(t, 1, prov.refreshCalls)
	for _, tok := range tokensSeen {
		assert.Equal(t, tokensSeen[0], tok)
	}
}

func TestGetAccessTokenRejectedRefreshClearsPair(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	src := testSource()

	_, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)

	// Expire the access token and make the provider reject the refresh
	e := m.entry(src.ID)
	e.mu.Lock()
	e.pair.AccessExpiry = time.Now().Add(-time.Minute)
	e.mu.Unlock()
	prov.refreshErr = &provider.AuthError{Status: 401, Message: "refresh token revoked"}

	_, err = m.GetAccessToken(context.Background(), src, prov)
	require.Error(t, err)
	assert.True(t, provider.IsAuth(err))

	// The failed refresh invalidated the cached pair: the next call goes
	// through full authentication.
	prov.refreshErr = nil
	authBefore := prov.authCalls
	_, err = m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)
	assert.Equal(t, authBefore+1, prov.authCalls)
}

func TestGetAccessTokenTransientRetry(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	m.backoffBase = time.Millisecond
	src := testSource()

	// First two authentication attempts fail transiently, the third succeeds
	prov.authErr = &provider.TransientError{Status: 503, Err: errors.New("upstream busy")}
	prov.authErrRemaining = 2

	token, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, 3, prov.authCalls)
}

func TestInvalidateForcesReauthentication(t *testing.T) {
	prov := &fakeProvider{refreshTTL: 168 * time.Hour, accessTTL: 24 * time.Hour}
	m := NewManager(&fakeCredStore{secret: "s3cret"})
	src := testSource()

	_, err := m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)

	m.Invalidate(src.ID)

	_, err = m.GetAccessToken(context.Background(), src, prov)
	require.NoError(t, err)
	assert.Equal(t, 2, prov.authCalls)
}
