package token

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/events"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/settings"
)

type fakeProvider struct {
	mu sync.Mutex

	exchangeErr error
	longLived   instagram.LongLivedToken
	refreshed   instagram.LongLivedToken
	refreshErr  error
	profile     map[string]string
	profileErr  error

	refreshCalls int
	profileCalls int
	lastState    string
}

func (f *fakeProvider) LoginURL(state string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastState = state
	return "https://api.instagram.com/oauth/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (*instagram.ShortLivedToken, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &instagram.ShortLivedToken{AccessToken: "short-" + code}, nil
}

func (f *fakeProvider) LongLivedToken(context.Context, string) (*instagram.LongLivedToken, error) {
	token := f.longLived
	return &token, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string) (*instagram.LongLivedToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	token := f.refreshed
	return &token, nil
}

func (f *fakeProvider) Profile(context.Context, string) (*instagram.ProfileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profileCalls++
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	fields := make(map[string]string, len(f.profile))
	for k, v := range f.profile {
		fields[k] = v
	}
	return &instagram.ProfileResponse{Fields: fields}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

type fixture struct {
	manager  Manager
	options  *repository.MemoryOptionRepo
	nonces   *repository.MemoryNonceStore
	provider *fakeProvider
	events   *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	options := repository.NewMemoryOptionRepo()
	sites := repository.NewMemorySiteRepo(
		domain.Site{ID: 1, URL: "https://network.test"},
		domain.Site{ID: 7, URL: "https://seven.network.test"},
	)
	nonces := repository.NewMemoryNonceStore()
	provider := &fakeProvider{
		longLived: instagram.LongLivedToken{AccessToken: "T", ExpiresIn: 5184000},
		refreshed: instagram.LongLivedToken{AccessToken: "T2", ExpiresIn: 5184000},
		profile:   map[string]string{"id": "42", "username": "bob", "account_type": "PERSONAL"},
	}
	rec := &recorder{}
	cfg := config.Config{RefreshThreshold: 72 * time.Hour, NonceTTL: time.Hour}
	return &fixture{
		manager:  NewManager(options, sites, nonces, provider, rec, cfg, zap.NewNop()),
		options:  options,
		nonces:   nonces,
		provider: provider,
		events:   rec,
	}
}

func (f *fixture) seedToken(t *testing.T, siteID int64, token string, expiresOn time.Time) {
	t.Helper()
	require.NoError(t, f.manager.Store(context.Background(), siteID, token, expiresOn))
}

func TestAuthorizeStoresTokenAndProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	profile, err := f.manager.Authorize(ctx, 7, "abc", now)
	require.NoError(t, err)
	require.Equal(t, "42", profile.ID)
	require.Equal(t, "bob", profile.Username)

	values, err := f.options.GetOptions(ctx, 7, settings.Keys(settings.All())...)
	require.NoError(t, err)
	require.Equal(t, "T", values["instagram_access_token"])
	require.Equal(t, strconv.FormatInt(now.Unix()+5184000, 10), values["instagram_expires_on"])
	require.Equal(t, "42", values["instagram_user_id"])
	require.Equal(t, "bob", values["instagram_user_username"])
	require.Equal(t, "PERSONAL", values["instagram_user_account_type"])

	require.Equal(t, []events.Event{events.ProfileUpdated{SiteID: 7, UserID: "42"}}, f.events.events)
}

func TestAuthorizeMissingCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Authorize(context.Background(), 7, " ", time.Now())
	require.ErrorIs(t, err, instagram.ErrMissingCode)
}

func TestAuthorizeExchangeFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	f.provider.exchangeErr = &instagram.ProviderError{Type: "OAuthException", Message: "Invalid authorization code"}

	_, err := f.manager.Authorize(context.Background(), 7, "bad", time.Now())
	require.ErrorIs(t, err, instagram.ErrOAuthExchangeFailed)
	require.Equal(t, "Invalid authorization code", instagram.ProviderMessage(err))

	values, err := f.options.GetOptions(context.Background(), 7, settings.Keys(settings.All())...)
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestAuthorizeProfileFailureDeletesData(t *testing.T) {
	f := newFixture(t)
	f.provider.profileErr = &instagram.ProviderError{Type: "OAuthException", Message: "Unsupported request", Code: 100}

	_, err := f.manager.Authorize(context.Background(), 7, "abc", time.Now())
	require.ErrorIs(t, err, instagram.ErrProviderProfile)
	require.Equal(t, "Unsupported request", instagram.ProviderMessage(err))

	current, err := f.manager.Token(context.Background(), 7)
	require.NoError(t, err)
	require.False(t, current.Valid())
}

func TestRefreshSkippedBeforeThreshold(t *testing.T) {
	f := newFixture(t)
	expiry := time.Unix(1800000000, 0)
	f.seedToken(t, 7, "T", expiry)

	refreshed, err := f.manager.RefreshIfNeeded(context.Background(), 7, expiry.Add(-4*24*time.Hour))
	require.NoError(t, err)
	require.False(t, refreshed)
	require.Zero(t, f.provider.refreshCalls)

	current, err := f.manager.Token(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "T", current.Token)
}

func TestRefreshWithinThreshold(t *testing.T) {
	f := newFixture(t)
	expiry := time.Unix(1800000000, 0)
	now := expiry.Add(-2 * 24 * time.Hour)
	f.seedToken(t, 7, "T", expiry)

	refreshed, err := f.manager.RefreshIfNeeded(context.Background(), 7, now)
	require.NoError(t, err)
	require.True(t, refreshed)
	require.Equal(t, 1, f.provider.refreshCalls)

	current, err := f.manager.Token(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "T2", current.Token)
	require.Equal(t, now.Unix()+5184000, current.ExpiresOn.Unix())
}

func TestRefreshWithoutExpiry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.options.SetOptions(context.Background(), 7, map[string]string{"instagram_access_token": "T"}))

	refreshed, err := f.manager.RefreshIfNeeded(context.Background(), 7, time.Now())
	require.NoError(t, err)
	require.True(t, refreshed)
}

func TestRefreshFailureKeepsToken(t *testing.T) {
	f := newFixture(t)
	expiry := time.Unix(1800000000, 0)
	f.seedToken(t, 7, "T", expiry)
	f.provider.refreshErr = errors.New("connection reset")

	_, err := f.manager.RefreshIfNeeded(context.Background(), 7, expiry.Add(-time.Hour))
	require.Error(t, err)

	current, err := f.manager.Token(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "T", current.Token)
	require.Equal(t, expiry.Unix(), current.ExpiresOn.Unix())
}

func TestRefreshWithoutTokenIsNoop(t *testing.T) {
	f := newFixture(t)
	refreshed, err := f.manager.RefreshIfNeeded(context.Background(), 7, time.Now())
	require.NoError(t, err)
	require.False(t, refreshed)
	require.Zero(t, f.provider.refreshCalls)
	require.Zero(t, f.provider.profileCalls)
}

func TestRefreshProfileFailureKeepsProfile(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1700000000, 0)
	_, err := f.manager.Authorize(context.Background(), 7, "abc", now)
	require.NoError(t, err)

	f.provider.profileErr = errors.New("timeout")
	_, err = f.manager.RefreshIfNeeded(context.Background(), 7, now)
	require.NoError(t, err)

	profile, err := f.manager.Profile(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, "bob", profile.Username)
}

func TestRefreshAllContinuesAfterFailure(t *testing.T) {
	f := newFixture(t)
	now := time.Unix(1700000000, 0)
	f.seedToken(t, 1, "T", now.Add(time.Hour))
	f.seedToken(t, 7, "T", now.Add(time.Hour))
	f.provider.refreshErr = errors.New("boom")

	report, err := f.manager.RefreshAll(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, RefreshReport{Checked: 2, Failed: 2}, report)
	require.Equal(t, 2, f.provider.refreshCalls)
}

func TestDeleteAllIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Authorize(ctx, 7, "abc", time.Now())
	require.NoError(t, err)
	f.events.events = nil

	require.NoError(t, f.manager.DeleteAll(ctx, 7))
	require.NoError(t, f.manager.DeleteAll(ctx, 7))

	values, err := f.options.GetOptions(ctx, 7, settings.Keys(settings.All())...)
	require.NoError(t, err)
	require.Empty(t, values)
	require.Equal(t, []events.Event{events.ProfileDeleted{SiteID: 7, UserID: "42"}}, f.events.events)
}

func TestSaveProfileDropsUnknownFields(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.manager.SaveProfile(ctx, 7, map[string]string{"id": "42", "media_count": "9"}))

	values, err := f.options.GetOptions(ctx, 7, "instagram_user_media_count", "instagram_user_id")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"instagram_user_id": "42"}, values)

	require.NoError(t, f.manager.SaveProfile(ctx, 7, map[string]string{"id": "43"}))
	require.Equal(t, events.ProfileUpdated{SiteID: 7, PreviousUserID: "42", UserID: "43"}, f.events.events[1])
}

func TestLoginURLAndVerifyState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loginURL, err := f.manager.LoginURL(ctx, 7)
	require.NoError(t, err)
	require.Contains(t, loginURL, "state=7%3A")
	require.True(t, strings.HasPrefix(f.provider.lastState, "7:"))

	siteID, err := f.manager.VerifyState(ctx, f.provider.lastState)
	require.NoError(t, err)
	require.Equal(t, int64(7), siteID)

	_, err = f.manager.VerifyState(ctx, f.provider.lastState)
	require.ErrorIs(t, err, instagram.ErrInvalidState)
}

func TestVerifyStateRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.nonces.SaveNonce(ctx, "n-bad-id", 7, time.Hour))
	require.NoError(t, f.nonces.SaveNonce(ctx, "n-other", 7, time.Hour))
	require.NoError(t, f.nonces.SaveNonce(ctx, "n-missing", 99, time.Hour))

	_, err := f.manager.VerifyState(ctx, "7")
	require.ErrorIs(t, err, instagram.ErrInvalidState)
	_, err = f.manager.VerifyState(ctx, "7:")
	require.ErrorIs(t, err, instagram.ErrInvalidState)
	_, err = f.manager.VerifyState(ctx, "7:unknown")
	require.ErrorIs(t, err, instagram.ErrInvalidState)
	_, err = f.manager.VerifyState(ctx, "abc:n-bad-id")
	require.ErrorIs(t, err, instagram.ErrInvalidBlogID)
	_, err = f.manager.VerifyState(ctx, "1:n-other")
	require.ErrorIs(t, err, instagram.ErrInvalidState)
	_, err = f.manager.VerifyState(ctx, "99:n-missing")
	require.ErrorIs(t, err, instagram.ErrInvalidBlogID)
}

func TestVerifyOrClear(t *testing.T) {
	ctx := context.Background()

	t.Run("no token", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.manager.SaveProfile(ctx, 7, map[string]string{"username": "stale"}))
		notice, err := f.manager.VerifyOrClear(ctx, 7)
		require.NoError(t, err)
		require.Nil(t, notice)
		profile, err := f.manager.Profile(ctx, 7)
		require.NoError(t, err)
		require.True(t, profile.Empty())
	})

	t.Run("auth error clears", func(t *testing.T) {
		f := newFixture(t)
		f.seedToken(t, 7, "T", time.Now().Add(time.Hour))
		f.provider.profileErr = &instagram.ProviderError{Type: "OAuthException", Message: "Error validating access token", Code: 190}
		notice, err := f.manager.VerifyOrClear(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, &Notice{Type: "OAuthException", Message: "Error validating access token"}, notice)
		current, err := f.manager.Token(ctx, 7)
		require.NoError(t, err)
		require.False(t, current.Valid())
	})

	t.Run("transport error keeps token", func(t *testing.T) {
		f := newFixture(t)
		f.seedToken(t, 7, "T", time.Now().Add(time.Hour))
		f.provider.profileErr = errors.New("dial tcp: timeout")
		notice, err := f.manager.VerifyOrClear(ctx, 7)
		require.NoError(t, err)
		require.NotNil(t, notice)
		require.Equal(t, "ProviderProfileError", notice.Type)
		current, err := f.manager.Token(ctx, 7)
		require.NoError(t, err)
		require.True(t, current.Valid())
	})

	t.Run("success saves profile", func(t *testing.T) {
		f := newFixture(t)
		f.seedToken(t, 7, "T", time.Now().Add(time.Hour))
		notice, err := f.manager.VerifyOrClear(ctx, 7)
		require.NoError(t, err)
		require.Nil(t, notice)
		profile, err := f.manager.Profile(ctx, 7)
		require.NoError(t, err)
		require.Equal(t, "bob", profile.Username)
	})
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiry := time.Unix(1800000000, 0)

	status, err := f.manager.Status(ctx, 7, expiry)
	require.NoError(t, err)
	require.Equal(t, domain.StateUnauthenticated, status.State)

	f.seedToken(t, 7, "T", expiry)
	for _, tc := range []struct {
		now  time.Time
		want domain.AuthState
	}{
		{expiry.Add(-10 * 24 * time.Hour), domain.StateAuthenticated},
		{expiry.Add(-2 * 24 * time.Hour), domain.StateExpiring},
		{expiry.Add(time.Second), domain.StateRevoked},
	} {
		status, err := f.manager.Status(ctx, 7, tc.now)
		require.NoError(t, err)
		require.Equal(t, tc.want, status.State)
	}
}

func TestStoreRequiresExpiry(t *testing.T) {
	f := newFixture(t)
	require.Error(t, f.manager.Store(context.Background(), 7, "T", time.Time{}))
	require.NoError(t, f.manager.Store(context.Background(), 7, "", time.Time{}))
}

func TestStoreBlankTokenClearsInsteadOfWriting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	expiry := time.Unix(1800000000, 0)
	require.NoError(t, f.manager.Store(ctx, 7, "T", expiry))

	require.NoError(t, f.manager.Store(ctx, 7, " \t ", expiry))

	values, err := f.options.GetOptions(ctx, 7, settings.AccessToken.Key(), settings.ExpiresOn.Key())
	require.NoError(t, err)
	require.Empty(t, values)
}
