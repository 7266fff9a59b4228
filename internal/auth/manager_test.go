package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"broker-auth-service/internal/interfaces"
	"broker-auth-service/internal/types"
	"broker-auth-service/internal/vault"
)

// memStore is an in-memory ConfigStore + TokenStore.
type memStore struct {
	mu      sync.Mutex
	configs map[string]*types.BrokerConfig
	byUser  map[string]string
	tokens  map[string]*types.TokenRecord
}

func newMemStore() *memStore {
	return &memStore{
		configs: make(map[string]*types.BrokerConfig),
		byUser:  make(map[string]string),
		tokens:  make(map[string]*types.TokenRecord),
	}
}

func (s *memStore) SaveConfig(_ context.Context, cfg *types.BrokerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cfg
	s.configs[cfg.ID] = &cp
	s.byUser[cfg.UserID+"|"+cfg.BrokerName] = cfg.ID
	return nil
}

func (s *memStore) GetConfig(_ context.Context, id string) (*types.BrokerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, types.ErrConfigNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *memStore) FindConfig(_ context.Context, userID, brokerName string) (*types.BrokerConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUser[userID+"|"+brokerName]
	if !ok {
		return nil, types.ErrConfigNotFound
	}
	cp := *s.configs[id]
	return &cp, nil
}

func (s *memStore) SaveToken(_ context.Context, rec *types.TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.tokens[rec.ConfigID] = &cp
	return nil
}

func (s *memStore) LoadToken(_ context.Context, configID string) (*types.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[configID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) DeleteToken(_ context.Context, configID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, configID)
	return nil
}

// fakeAdapter is a programmable broker adapter.
type fakeAdapter struct {
	mu            sync.Mutex
	lastState     string
	exchangeCalls int
	refreshCalls  int
	revokeCalls   int

	exchangeErr    error
	refreshErrs    []error // consumed per call; nil entry means success
	revokeErr      error
	refreshDelay   time.Duration
	grantExpiresIn time.Duration
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) BuildAuthorizeURL(apiKey, redirectURI, state string) string {
	f.mu.Lock()
	f.lastState = state
	f.mu.Unlock()
	return "https://fake.broker/login?api_key=" + apiKey + "&state=" + state
}

func (f *fakeAdapter) ExchangeCode(_ context.Context, code, apiKey, apiSecret string) (types.TokenGrant, error) {
	f.mu.Lock()
	f.exchangeCalls++
	err := f.exchangeErr
	f.mu.Unlock()
	if err != nil {
		return types.TokenGrant{}, err
	}
	return types.TokenGrant{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "token",
		ExpiresAt:    time.Now().Add(f.expiresIn()),
	}, nil
}

func (f *fakeAdapter) RefreshToken(_ context.Context, refreshToken, apiKey, apiSecret string) (types.TokenGrant, error) {
	f.mu.Lock()
	f.refreshCalls++
	n := f.refreshCalls
	var err error
	if len(f.refreshErrs) > 0 {
		err = f.refreshErrs[0]
		f.refreshErrs = f.refreshErrs[1:]
	}
	delay := f.refreshDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return types.TokenGrant{}, err
	}
	return types.TokenGrant{
		AccessToken:  fmt.Sprintf("refreshed-%d", n),
		RefreshToken: refreshToken,
		TokenType:    "token",
		ExpiresAt:    time.Now().Add(f.expiresIn()),
	}, nil
}

func (f *fakeAdapter) RevokeSession(_ context.Context, accessToken, apiKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	return f.revokeErr
}

func (f *fakeAdapter) expiresIn() time.Duration {
	if f.grantExpiresIn != 0 {
		return f.grantExpiresIn
	}
	return 8 * time.Hour
}

func (f *fakeAdapter) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, vault.KeySize)
	for i := range key {
		key[i] = byte(i + 1)
	}
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

func newTestManager(t *testing.T, adapter *fakeAdapter) (*Manager, *memStore) {
	t.Helper()
	st := newMemStore()
	m := NewManager(Options{
		Configs: st,
		Tokens:  st,
		Vault:   testVault(t),
		Adapters: func(name string) (interfaces.Adapter, error) {
			return adapter, nil
		},
		RedirectURI:     "http://localhost:8080/broker/callback",
		BackoffBase:     time.Millisecond,
		BackoffFactor:   2,
		BackoffAttempts: 3,
		FlightTimeout:   2 * time.Second,
	})
	return m, st
}

const validCode = "valid-request-token-abc123"

func connect(t *testing.T, m *Manager, adapter *fakeAdapter) *types.BrokerConfig {
	t.Helper()
	ctx := context.Background()
	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)

	url, err := m.StartAuthorization(ctx, cfg.ID)
	require.NoError(t, err)
	require.Contains(t, url, "state="+adapter.lastState)

	_, err = m.CompleteAuthorization(ctx, adapter.lastState, validCode)
	require.NoError(t, err)
	return cfg
}

func TestAuthorizationFlow(t *testing.T) {
	adapter := &fakeAdapter{}
	m, st := newTestManager(t, adapter)
	ctx := context.Background()

	cfg := connect(t, m, adapter)

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, status.State)

	rec, err := st.LoadToken(ctx, cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.True(t, rec.ExpiresAt.After(time.Now()), "token record must not be expired")
	require.NotContains(t, rec.AccessTokenEnc, "access-", "access token must be stored encrypted")
}

func TestCompleteAuthorizationReplay(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)
	_, err = m.StartAuthorization(ctx, cfg.ID)
	require.NoError(t, err)

	corr := adapter.lastState
	_, err = m.CompleteAuthorization(ctx, corr, validCode)
	require.NoError(t, err)

	// Same correlation and code again: rejected, even though both were
	// valid moments ago.
	_, err = m.CompleteAuthorization(ctx, corr, validCode)
	require.ErrorIs(t, err, types.ErrInvalidCorrelation)
}

func TestCompleteAuthorizationExpiredCorrelation(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	m.corr = NewCorrelationRegistry(time.Nanosecond)
	ctx := context.Background()

	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)
	_, err = m.StartAuthorization(ctx, cfg.ID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond)
	_, err = m.CompleteAuthorization(ctx, adapter.lastState, validCode)
	require.ErrorIs(t, err, types.ErrInvalidCorrelation)
	require.Zero(t, adapter.exchangeCalls, "exchange must not run on expired correlation")
}

func TestCompleteAuthorizationRejectsShortCode(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)
	_, err = m.StartAuthorization(ctx, cfg.ID)
	require.NoError(t, err)

	_, err = m.CompleteAuthorization(ctx, adapter.lastState, "tiny")
	require.ErrorIs(t, err, types.ErrExchangeRejected)
	require.Zero(t, adapter.exchangeCalls)
}

func TestEnsureFreshTokenReturnsCached(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)

	token, err := m.EnsureFreshToken(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "access-"+validCode, token)
	require.Zero(t, adapter.refreshCount(), "fresh token must not trigger a refresh")
}

func TestEnsureFreshTokenRefreshesExpired(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute}
	m, _ := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)

	// The stored token is already expired; a refresh is mandatory.
	adapter.grantExpiresIn = 8 * time.Hour
	token, err := m.EnsureFreshToken(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "refreshed-"))
	require.Equal(t, 1, adapter.refreshCount())
}

func TestEnsureFreshTokenSingleFlight(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute, refreshDelay: 50 * time.Millisecond}
	m, _ := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)
	adapter.grantExpiresIn = 8 * time.Hour

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.EnsureFreshToken(context.Background(), cfg.ID)
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, adapter.refreshCount(), "concurrent callers must share one refresh")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, tokens[0], tokens[i], "all callers must observe the same outcome")
	}
}

func TestRefreshInvalidGrant(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute}
	m, st := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)
	ctx := context.Background()

	adapter.mu.Lock()
	adapter.refreshErrs = []error{fmt.Errorf("refresh: kite 401 invalid_grant: %w", types.ErrReauthorizationRequired)}
	adapter.mu.Unlock()

	_, err := m.EnsureFreshToken(ctx, cfg.ID)
	require.ErrorIs(t, err, types.ErrReauthorizationRequired)
	require.Equal(t, 1, adapter.refreshCount(), "auth rejections are never retried")

	rec, err := st.LoadToken(ctx, cfg.ID)
	require.NoError(t, err)
	require.Nil(t, rec, "token record must be destroyed on irrecoverable refresh failure")

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateExpired, status.State)

	_, err = m.EnsureFreshToken(ctx, cfg.ID)
	require.ErrorIs(t, err, types.ErrReauthorizationRequired)
}

func TestRefreshUnsupportedWithoutRefreshToken(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute}
	m, st := newTestManager(t, adapter)
	ctx := context.Background()
	cfg := connect(t, m, adapter)

	// Strip the refresh token, as a broker without refresh support
	// would leave it.
	rec, err := st.LoadToken(ctx, cfg.ID)
	require.NoError(t, err)
	rec.RefreshTokenEnc = ""
	require.NoError(t, st.SaveToken(ctx, rec))

	_, err = m.EnsureFreshToken(ctx, cfg.ID)
	require.ErrorIs(t, err, types.ErrReauthorizationRequired)
	require.Zero(t, adapter.refreshCount())

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateExpired, status.State)
}

func TestRefreshRetriesTransientFailures(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute}
	m, _ := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)
	adapter.grantExpiresIn = 8 * time.Hour

	adapter.mu.Lock()
	adapter.refreshErrs = []error{
		fmt.Errorf("refresh: %w", types.ErrUpstreamUnavailable),
		fmt.Errorf("refresh: %w", types.ErrUpstreamUnavailable),
		nil,
	}
	adapter.mu.Unlock()

	token, err := m.EnsureFreshToken(context.Background(), cfg.ID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "refreshed-"))
	require.Equal(t, 3, adapter.refreshCount())
}

func TestRefreshGivesUpAfterMaxAttempts(t *testing.T) {
	adapter := &fakeAdapter{grantExpiresIn: -time.Minute}
	m, _ := newTestManager(t, adapter)
	cfg := connect(t, m, adapter)

	adapter.mu.Lock()
	adapter.refreshErrs = []error{
		fmt.Errorf("refresh: %w", types.ErrUpstreamUnavailable),
		fmt.Errorf("refresh: %w", types.ErrUpstreamUnavailable),
		fmt.Errorf("refresh: %w", types.ErrUpstreamUnavailable),
	}
	adapter.mu.Unlock()

	_, err := m.EnsureFreshToken(context.Background(), cfg.ID)
	require.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	require.Equal(t, 3, adapter.refreshCount())
}

func TestDisconnectAlwaysCleansUpLocally(t *testing.T) {
	adapter := &fakeAdapter{revokeErr: errors.New("upstream revoke exploded")}
	m, st := newTestManager(t, adapter)
	ctx := context.Background()
	cfg := connect(t, m, adapter)

	// Upstream revocation failure must not block disconnection.
	require.NoError(t, m.Disconnect(ctx, cfg.ID))
	require.Equal(t, 1, adapter.revokeCalls)

	rec, err := st.LoadToken(ctx, cfg.ID)
	require.NoError(t, err)
	require.Nil(t, rec)

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateDisconnected, status.State)
}

func TestCredentialRotationInvalidatesSession(t *testing.T) {
	adapter := &fakeAdapter{}
	m, st := newTestManager(t, adapter)
	ctx := context.Background()
	cfg := connect(t, m, adapter)

	rotated, err := m.SetupConfig(ctx, "U1", "fake", "K2-apikey", "S2-apisecret")
	require.NoError(t, err)
	require.Equal(t, cfg.ID, rotated.ID, "rotation must reuse the existing config")

	rec, err := st.LoadToken(ctx, cfg.ID)
	require.NoError(t, err)
	require.Nil(t, rec, "old tokens were minted against the old secret")

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StatePendingAuthorization, status.State)
}

func TestReauthorizationAfterDisconnect(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()
	cfg := connect(t, m, adapter)

	require.NoError(t, m.Disconnect(ctx, cfg.ID))

	_, err := m.StartAuthorization(ctx, cfg.ID)
	require.NoError(t, err)
	_, err = m.CompleteAuthorization(ctx, adapter.lastState, validCode)
	require.NoError(t, err)

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, status.State)
}

func TestSetupConfigValidation(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	cases := []struct{ userID, apiKey, apiSecret string }{
		{"", "K1-apikey", "S1-apisecret"},
		{"U1", "", "S1-apisecret"},
		{"U1", "K1-apikey", ""},
		{"U1", "k", "s"},
	}
	for _, c := range cases {
		_, err := m.SetupConfig(ctx, c.userID, "fake", c.apiKey, c.apiSecret)
		require.ErrorIs(t, err, types.ErrInvalidCredentialsFormat)
	}
}

func TestStartAuthorizationUnknownConfig(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)

	_, err := m.StartAuthorization(context.Background(), "no-such-config")
	require.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestUpdateTokenFromExternalSource(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)

	rec, err := m.UpdateToken(ctx, cfg.ID, "externally-minted-token-123456", time.Now().Add(6*time.Hour), "automation")
	require.NoError(t, err)
	require.Equal(t, cfg.ID, rec.ConfigID)

	status, err := m.Status(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, status.State)

	token, err := m.EnsureFreshToken(ctx, cfg.ID)
	require.NoError(t, err)
	require.Equal(t, "externally-minted-token-123456", token)
}

func TestUpdateTokenValidation(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	cfg, err := m.SetupConfig(ctx, "U1", "fake", "K1-apikey", "S1-apisecret")
	require.NoError(t, err)

	_, err = m.UpdateToken(ctx, cfg.ID, "short", time.Now().Add(time.Hour), "automation")
	require.ErrorIs(t, err, types.ErrInvalidCredentialsFormat)

	_, err = m.UpdateToken(ctx, cfg.ID, "externally-minted-token-123456", time.Now().Add(-time.Hour), "automation")
	require.ErrorIs(t, err, types.ErrInvalidCredentialsFormat)

	_, err = m.UpdateToken(ctx, cfg.ID, "externally-minted-token-123456", time.Time{}, "automation")
	require.ErrorIs(t, err, types.ErrInvalidCredentialsFormat)
}

func TestStatusByUser(t *testing.T) {
	adapter := &fakeAdapter{}
	m, _ := newTestManager(t, adapter)
	ctx := context.Background()

	status, err := m.StatusByUser(ctx, "nobody", "fake")
	require.NoError(t, err)
	require.Equal(t, types.StateUnconfigured, status.State)

	connect(t, m, adapter)
	status, err = m.StatusByUser(ctx, "U1", "fake")
	require.NoError(t, err)
	require.Equal(t, types.StateConnected, status.State)
}
