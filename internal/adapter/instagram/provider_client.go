package instagram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	domain "github.com/smallbiznis/instagram-connect/internal/domain/instagram"
)

const (
	DefaultAuthURL  = "https://api.instagram.com/oauth/authorize"
	DefaultTokenURL = "https://api.instagram.com/oauth/access_token"
	DefaultGraphURL = "https://graph.instagram.com"
)

// DefaultProfileFields are requested from the profile endpoint.
var DefaultProfileFields = []string{"account_type", "id", "username"}

// ProviderClient encapsulates outbound HTTP calls to Instagram.
type ProviderClient interface {
	LoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*domain.ShortLivedToken, error)
	LongLivedToken(ctx context.Context, shortLived string) (*domain.LongLivedToken, error)
	RefreshToken(ctx context.Context, accessToken string) (*domain.LongLivedToken, error)
	Profile(ctx context.Context, accessToken string) (*domain.ProfileResponse, error)
}

// HTTPProviderClient is the default HTTP implementation.
type HTTPProviderClient struct {
	cfg        domain.ProviderConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient. Empty endpoint
// fields fall back to the public Instagram endpoints.
func NewHTTPProviderClient(cfg domain.ProviderConfig, client *http.Client) *HTTPProviderClient {
	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	cfg.GraphURL = strings.TrimRight(cfg.GraphURL, "/")
	if len(cfg.ProfileFields) == 0 {
		cfg.ProfileFields = DefaultProfileFields
	}
	if client == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPProviderClient{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: client,
	}
}

// LoginURL returns the authorize URL. Instagram expects comma separated scopes.
func (c *HTTPProviderClient) LoginURL(state string) string {
	return c.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("scope", strings.Join(c.cfg.Scopes, ",")),
	)
}

// ExchangeCode trades the authorization code for a short-lived token.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, code string) (*domain.ShortLivedToken, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) {
			status := http.StatusBadRequest
			if rerr.Response != nil {
				status = rerr.Response.StatusCode
			}
			if perr := parseProviderError(rerr.Body, status); perr != nil {
				return nil, perr
			}
		}
		return nil, fmt.Errorf("token exchange request: %w", err)
	}
	return &domain.ShortLivedToken{
		AccessToken: token.AccessToken,
		UserID:      stringValue(token.Extra("user_id")),
	}, nil
}

// LongLivedToken upgrades a short-lived token.
func (c *HTTPProviderClient) LongLivedToken(ctx context.Context, shortLived string) (*domain.LongLivedToken, error) {
	raw, err := c.get(ctx, "/access_token", url.Values{
		"grant_type":    {"ig_exchange_token"},
		"client_secret": {c.cfg.ClientSecret},
		"access_token":  {shortLived},
	})
	if err != nil {
		return nil, fmt.Errorf("long-lived token: %w", err)
	}
	return longLivedToken(raw)
}

// RefreshToken extends a long-lived token that is at least 24 hours old.
func (c *HTTPProviderClient) RefreshToken(ctx context.Context, accessToken string) (*domain.LongLivedToken, error) {
	raw, err := c.get(ctx, "/refresh_access_token", url.Values{
		"grant_type":   {"ig_refresh_token"},
		"access_token": {accessToken},
	})
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return longLivedToken(raw)
}

// Profile loads the profile of the token owner.
func (c *HTTPProviderClient) Profile(ctx context.Context, accessToken string) (*domain.ProfileResponse, error) {
	raw, err := c.get(ctx, "/me", url.Values{
		"fields":       {strings.Join(c.cfg.ProfileFields, ",")},
		"access_token": {accessToken},
	})
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		if s := stringValue(v); s != "" {
			fields[k] = s
		}
	}
	return &domain.ProfileResponse{Fields: fields, Raw: raw}, nil
}

func (c *HTTPProviderClient) get(ctx context.Context, path string, params url.Values) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.GraphURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if perr := parseProviderError(body, resp.StatusCode); perr != nil {
		return nil, perr
	}

	raw, err := decodeObject(body)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}

func longLivedToken(raw map[string]any) (*domain.LongLivedToken, error) {
	token := &domain.LongLivedToken{
		AccessToken: stringValue(raw["access_token"]),
		TokenType:   stringValue(raw["token_type"]),
		ExpiresIn:   int64Value(raw["expires_in"]),
	}
	if token.AccessToken == "" {
		return nil, &domain.ProviderError{Message: "missing access_token in response"}
	}
	return token, nil
}

// parseProviderError understands both the graph shape
// {"error":{"type","message","code"}} and the OAuth shape
// {"error_type","error_message","code"}. Non-2xx responses without a
// recognizable body still yield an error.
func parseProviderError(body []byte, status int) *domain.ProviderError {
	raw, _ := decodeObject(body)
	if nested, ok := raw["error"].(map[string]any); ok {
		return &domain.ProviderError{
			Type:    stringValue(nested["type"]),
			Message: stringValue(nested["message"]),
			Code:    int(int64Value(nested["code"])),
		}
	}
	if msg := stringValue(raw["error_message"]); msg != "" {
		return &domain.ProviderError{
			Type:    stringValue(raw["error_type"]),
			Message: msg,
			Code:    int(int64Value(raw["code"])),
		}
	}
	if status >= 300 {
		return &domain.ProviderError{
			Message: fmt.Sprintf("unexpected status=%d", status),
			Code:    status,
		}
	}
	return nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case fmt.Stringer:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
