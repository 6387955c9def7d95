package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/adapter/relay"
	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/events"
	"github.com/smallbiznis/instagram-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/service/appsite"
	"github.com/smallbiznis/instagram-connect/internal/service/deauth"
	"github.com/smallbiznis/instagram-connect/internal/service/token"
	"github.com/smallbiznis/instagram-connect/internal/signedrequest"
	"github.com/smallbiznis/instagram-connect/internal/site"
	"github.com/smallbiznis/instagram-connect/internal/storage"
)

const testSecret = "app-secret"

type fakeProvider struct {
	exchangeErr error
	profileErr  error
}

func (f *fakeProvider) LoginURL(state string) string {
	return "https://api.instagram.test/oauth/authorize?state=" + url.QueryEscape(state)
}

func (f *fakeProvider) ExchangeCode(_ context.Context, code string) (*instagram.ShortLivedToken, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &instagram.ShortLivedToken{AccessToken: "short-" + code, UserID: "42"}, nil
}

func (f *fakeProvider) LongLivedToken(context.Context, string) (*instagram.LongLivedToken, error) {
	return &instagram.LongLivedToken{AccessToken: "IGQVJlong-lived-token", TokenType: "bearer", ExpiresIn: 5184000}, nil
}

func (f *fakeProvider) RefreshToken(context.Context, string) (*instagram.LongLivedToken, error) {
	return &instagram.LongLivedToken{AccessToken: "IGQVJrefreshed", TokenType: "bearer", ExpiresIn: 5184000}, nil
}

func (f *fakeProvider) Profile(context.Context, string) (*instagram.ProfileResponse, error) {
	if f.profileErr != nil {
		return nil, f.profileErr
	}
	return &instagram.ProfileResponse{Fields: map[string]string{"id": "42", "username": "bob", "account_type": "PERSONAL"}}, nil
}

type fakeSender struct {
	mu       sync.Mutex
	requests []relay.Request
}

func (f *fakeSender) Dispatch(req relay.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

type fixture struct {
	engine    *gin.Engine
	cfg       config.Config
	tokens    token.Manager
	options   *repository.MemoryOptionRepo
	nonces    *repository.MemoryNonceStore
	registry  appsite.Registry
	store     *storage.MemoryStorage
	generator *jwt.Generator
	provider  *fakeProvider
}

func testConfig() config.Config {
	return config.Config{
		HomeURL:          "https://network.test",
		Multisite:        true,
		ClientSecret:     testSecret,
		Endpoint:         "instagram",
		RESTNamespace:    "innocode/v1",
		RESTBase:         "instagram",
		NonceTTL:         time.Hour,
		RefreshThreshold: 72 * time.Hour,
		ServiceName:      "instagram-connect-test",
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sites := repository.NewMemorySiteRepo(
		domain.Site{ID: 1, URL: "https://network.test", Name: "Network"},
		domain.Site{ID: 7, URL: "https://seven.network.test", Name: "Seven"},
	)
	f := &fixture{
		cfg:      cfg,
		options:  repository.NewMemoryOptionRepo(),
		nonces:   repository.NewMemoryNonceStore(),
		store:    storage.NewMemoryStorage(storage.SitesStorage),
		provider: &fakeProvider{},
	}
	bus := events.NewBus()
	sender := &fakeSender{}
	f.tokens = token.NewManager(f.options, sites, f.nonces, f.provider, bus, cfg, zap.NewNop())
	f.registry = appsite.NewRegistry(f.store, sender, cfg, zap.NewNop())
	appsite.NewNotifier(f.registry, sites, zap.NewNop()).Subscribe(bus)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	f.generator = jwt.NewGenerator(jwt.NewKeyManager(repository.NewMemoryKeyRepo(), node), time.Hour)

	query := handler.NewQueryHandler(f.tokens, sites, cfg.Endpoint)
	handlers := Handlers{
		Query: query,
		REST:  handler.NewRESTHandler(deauth.NewDispatcher(f.tokens, f.registry, f.options, sites, sender, cfg, zap.NewNop()), f.registry),
		Admin: handler.NewAdminHandler(f.tokens, f.options, query.Query),
	}
	capability := &httpmiddleware.Capability{Tokens: f.generator, Issuer: cfg.HomeURL}
	f.engine = NewRouter(cfg, handlers, capability, site.NewResolver(sites, cfg.Multisite), f.registry, nil)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func (f *fixture) connect(t *testing.T, siteID int64, userID string) {
	t.Helper()
	require.NoError(t, f.options.SetOptions(context.Background(), siteID, map[string]string{
		"instagram_access_token": "IGQVJstored-token",
		"instagram_expires_on":   strconv.FormatInt(time.Now().Add(30*24*time.Hour).Unix(), 10),
		"instagram_user_id":      userID,
	}))
}

func (f *fixture) capabilityToken(t *testing.T, siteID int64, capabilities ...string) string {
	t.Helper()
	tok, _, err := f.generator.Issue(context.Background(), "admin", f.cfg.HomeURL, capabilities, siteID)
	require.NoError(t, err)
	return tok
}

func (f *fixture) state(t *testing.T, siteID int64) string {
	t.Helper()
	loginURL, err := f.tokens.LoginURL(context.Background(), siteID)
	require.NoError(t, err)
	parsed, err := url.Parse(loginURL)
	require.NoError(t, err)
	return parsed.Query().Get("state")
}

func restCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
		Data struct {
			Status int `json:"status"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, w.Code, body.Data.Status)
	return body.Code
}

func formRequest(method, target string, form url.Values) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func signed(t *testing.T, payload signedrequest.Payload) string {
	t.Helper()
	envelope, err := signedrequest.Encode(payload, testSecret, time.Now())
	require.NoError(t, err)
	return envelope
}

func TestAuthCallbackConnectsSite(t *testing.T) {
	f := newFixture(t, testConfig())
	state := f.state(t, 7)

	w := f.do(httptest.NewRequest(http.MethodGet, "https://network.test/instagram/auth/?code=abc&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://seven.network.test/admin/options/instagram", w.Header().Get("Location"))

	values, err := f.options.GetOptions(context.Background(), 7, "instagram_access_token", "instagram_user_id", "instagram_user_username")
	require.NoError(t, err)
	require.Equal(t, "IGQVJlong-lived-token", values["instagram_access_token"])
	require.Equal(t, "42", values["instagram_user_id"])
	require.Equal(t, "bob", values["instagram_user_username"])

	// The nonce is single use.
	w = f.do(httptest.NewRequest(http.MethodGet, "https://network.test/instagram/auth/?code=abc&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthCallbackErrors(t *testing.T) {
	f := newFixture(t, testConfig())
	require.NoError(t, f.nonces.SaveNonce(context.Background(), "orphan", 99, time.Hour))

	cases := []struct {
		name   string
		query  func() string
		setup  func()
		status int
		body   string
	}{
		{
			name:   "provider denied",
			query:  func() string { return "error=access_denied&error_description=User+denied" },
			status: http.StatusForbidden,
			body:   "User denied",
		},
		{
			name:   "provider error without description",
			query:  func() string { return "error=access_denied" },
			status: http.StatusForbidden,
			body:   "Unknown error.",
		},
		{
			name:   "unknown nonce",
			query:  func() string { return "code=abc&state=7:bogus" },
			status: http.StatusForbidden,
			body:   "This link has expired.",
		},
		{
			name:   "missing nonce",
			query:  func() string { return "code=abc&state=7" },
			status: http.StatusForbidden,
			body:   "Please try again.",
		},
		{
			name:   "unknown site",
			query:  func() string { return "code=abc&state=99:orphan" },
			status: http.StatusBadRequest,
			body:   "Invalid blog ID.",
		},
		{
			name:   "missing code",
			query:  func() string { return "state=" + url.QueryEscape(f.state(t, 7)) },
			status: http.StatusBadRequest,
			body:   "Return to Seven",
		},
		{
			name:  "exchange failure",
			query: func() string { return "code=abc&state=" + url.QueryEscape(f.state(t, 7)) },
			setup: func() {
				f.provider.exchangeErr = &instagram.ProviderError{Type: "OAuthException", Message: "Invalid authorization code", Code: 400}
			},
			status: http.StatusInternalServerError,
			body:   "Invalid authorization code",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			w := f.do(httptest.NewRequest(http.MethodGet, "https://network.test/instagram/auth/?"+tc.query(), nil))
			require.Equal(t, tc.status, w.Code)
			require.Contains(t, w.Header().Get("Content-Type"), "text/html")
			require.Contains(t, w.Body.String(), tc.body)
		})
	}
}

func TestQueryDeauthRequiresCapability(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t, 1, "42")
	target := "https://network.test/instagram/deauth/"

	w := f.do(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+f.capabilityToken(t, 7, jwt.CapabilityManageOptions))
	w = f.do(req)
	require.Equal(t, http.StatusNotFound, w.Code)

	values, err := f.options.GetOptions(context.Background(), 1, "instagram_access_token")
	require.NoError(t, err)
	require.NotEmpty(t, values)

	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.AddCookie(&http.Cookie{Name: httpmiddleware.CapabilityCookie, Value: f.capabilityToken(t, 0, jwt.CapabilityManageOptions)})
	w = f.do(req)
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://network.test/admin/options/instagram", w.Header().Get("Location"))

	values, err = f.options.GetOptions(context.Background(), 1, "instagram_access_token")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestUnknownQueryRoute(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(httptest.NewRequest(http.MethodGet, "https://network.test/instagram/other/", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Contains(t, w.Body.String(), "Not Found")
}

func TestUnknownSite(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(httptest.NewRequest(http.MethodGet, "https://elsewhere.test/instagram/auth/", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "rest_site_invalid", restCode(t, w))
}

func TestRESTDeauth(t *testing.T) {
	f := newFixture(t, testConfig())
	target := "https://network.test" + f.cfg.RESTPath(deauth.Route)

	w := f.do(formRequest(http.MethodPost, target, url.Values{}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, handler.CodeMissingParam, restCode(t, w))

	w = f.do(formRequest(http.MethodPost, target, url.Values{"signed_request": {"abcXYZ"}}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, handler.CodeInvalidParam, restCode(t, w))

	forged, err := signedrequest.Encode(signedrequest.Payload{"user_id": "42"}, "other-secret", time.Now())
	require.NoError(t, err)
	w = f.do(formRequest(http.MethodPost, target, url.Values{"signed_request": {forged}}))
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, handler.CodeInvalidSignature, restCode(t, w))

	w = f.do(formRequest(http.MethodPost, target, url.Values{"signed_request": {signed(t, signedrequest.Payload{"issued_at": 1})}}))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, handler.CodeInvalidSignedRequest, restCode(t, w))

	f.connect(t, 7, "42")
	w = f.do(formRequest(http.MethodPost, target, url.Values{"signed_request": {signed(t, signedrequest.Payload{"user_id": "42"})}}))
	require.Equal(t, http.StatusOK, w.Code)

	var result deauth.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Equal(t, "42", result.UserID)
	require.Equal(t, map[int64]string{7: "https://seven.network.test"}, result.Sites)

	values, err := f.options.GetOptions(context.Background(), 7, "instagram_access_token")
	require.NoError(t, err)
	require.Empty(t, values)
}

func TestRESTDeauthAcceptsJSON(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t, 1, "42")

	body, err := json.Marshal(map[string]string{"signed_request": signed(t, signedrequest.Payload{"user_id": "42"})})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "https://network.test"+f.cfg.RESTPath(deauth.Route), strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")

	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"1":"https://network.test"`)
}

func TestMissingSecret(t *testing.T) {
	cfg := testConfig()
	cfg.ClientSecret = ""
	f := newFixture(t, cfg)

	w := f.do(formRequest(http.MethodPost, "https://network.test"+cfg.RESTPath(deauth.Route), url.Values{"signed_request": {"abc.XYZ"}}))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, handler.CodeInvalidSecret, restCode(t, w))
}

func TestRelaySiteRoutes(t *testing.T) {
	cfg := testConfig()
	cfg.AppSiteURL = cfg.HomeURL
	f := newFixture(t, cfg)
	target := "https://network.test" + cfg.RESTPath(appsite.SiteRoute)
	envelope := signed(t, signedrequest.Payload{"user_id": "42", "url": "https://satellite.test/"})

	w := f.do(formRequest(http.MethodPut, target, url.Values{"signed_request": {envelope}}))
	require.Equal(t, http.StatusOK, w.Code)
	urls, err := f.registry.Sites(context.Background(), "42")
	require.NoError(t, err)
	require.Equal(t, []string{"https://satellite.test"}, urls)

	w = f.do(formRequest(http.MethodDelete, target, url.Values{"signed_request": {envelope}}))
	require.Equal(t, http.StatusOK, w.Code)
	urls, err = f.registry.Sites(context.Background(), "42")
	require.NoError(t, err)
	require.Empty(t, urls)
}

func TestSiteRoutesOnlyOnRelay(t *testing.T) {
	f := newFixture(t, testConfig())
	envelope := signed(t, signedrequest.Payload{"user_id": "42", "url": "https://satellite.test"})

	w := f.do(formRequest(http.MethodPut, "https://network.test"+f.cfg.RESTPath(appsite.SiteRoute), url.Values{"signed_request": {envelope}}))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestOptionsPage(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t, 7, "42")
	target := "https://seven.network.test/admin/options/instagram"

	w := f.do(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+f.capabilityToken(t, 7, "read"))
	w = f.do(req)
	require.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+f.capabilityToken(t, 7, jwt.CapabilityManageOptions))
	w = f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		LoginURL  string `json:"login_url"`
		DeauthURL string `json:"deauth_url"`
		Status    struct {
			State   string         `json:"state"`
			Profile map[string]any `json:"profile"`
		} `json:"status"`
		Settings []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"settings"`
		Notices []token.Notice `json:"notices"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Contains(t, page.LoginURL, "state=7%3A")
	require.Equal(t, "https://seven.network.test/instagram/deauth/", page.DeauthURL)
	require.Equal(t, string(domain.StateAuthenticated), page.Status.State)
	require.Equal(t, "42", page.Status.Profile["id"])
	require.Equal(t, "bob", page.Status.Profile["username"])
	require.NotContains(t, page.Status.Profile, "ID")
	require.Empty(t, page.Notices)

	values := map[string]string{}
	for _, s := range page.Settings {
		values[s.Key] = s.Value
	}
	require.Equal(t, "IGQV********", values["instagram_access_token"])
	require.Equal(t, "bob", values["instagram_user_username"])
}

func TestOptionsPageClearsRevokedToken(t *testing.T) {
	f := newFixture(t, testConfig())
	f.connect(t, 7, "42")
	f.provider.profileErr = &instagram.ProviderError{Type: "OAuthException", Message: "Error validating access token", Code: 190}

	req := httptest.NewRequest(http.MethodGet, "https://seven.network.test/admin/options/instagram", nil)
	req.Header.Set("Authorization", "Bearer "+f.capabilityToken(t, 0, jwt.CapabilityManageOptions))
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Error validating access token")
	require.Contains(t, w.Body.String(), `"state":"unauthenticated"`)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, testConfig())

	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "instagram_http_requests_total")
}

func TestPreflightReachesSiteCORS(t *testing.T) {
	f := newFixture(t, testConfig())
	f.engine.HandleMethodNotAllowed = true

	req := httptest.NewRequest(http.MethodOptions, "https://seven.network.test"+f.cfg.RESTPath("deauth"), nil)
	req.Header.Set("Origin", "https://seven.network.test")
	w := f.do(req)
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "https://seven.network.test", w.Header().Get("Access-Control-Allow-Origin"))
}
