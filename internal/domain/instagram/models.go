package instagram

import "time"

// ProviderConfig holds the provider endpoints and app credentials.
type ProviderConfig struct {
	ClientID       string
	ClientSecret   string
	RedirectURI    string
	Scopes         []string
	AuthURL        string
	TokenURL       string
	GraphURL       string
	ProfileFields  []string
	RequestTimeout time.Duration
}

// ShortLivedToken is returned by the authorization code exchange.
type ShortLivedToken struct {
	AccessToken string
	UserID      string
}

// LongLivedToken is returned by the long-lived upgrade and refresh endpoints.
type LongLivedToken struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
}

// ExpiresAt converts the relative lifetime into an absolute expiry.
func (t LongLivedToken) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// ProfileResponse is the raw profile returned by the graph endpoint. Unknown
// fields are kept in Raw and never persisted.
type ProfileResponse struct {
	Fields map[string]string
	Raw    map[string]any
}
