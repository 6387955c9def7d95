package domain

import "time"

// AccessToken is the long-lived provider token stored for one site.
type AccessToken struct {
	SiteID    int64
	Token     string
	ExpiresOn time.Time
}

// Valid reports whether a token is present. Empty strings are never a credential.
func (t AccessToken) Valid() bool {
	return t.Token != ""
}

// HasExpiry reports whether an expiry was stored alongside the token.
func (t AccessToken) HasExpiry() bool {
	return !t.ExpiresOn.IsZero()
}

// Profile is the subset of the provider profile persisted per site.
type Profile struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	AccountType    string `json:"account_type,omitempty"`
	FullName       string `json:"full_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
}

// Empty reports whether no profile data is present.
func (p Profile) Empty() bool {
	return p == Profile{}
}

// AuthState is the token lifecycle state of a site.
type AuthState string

const (
	StateUnauthenticated AuthState = "unauthenticated"
	StateAuthenticated   AuthState = "authenticated"
	StateExpiring        AuthState = "expiring"
	StateRevoked         AuthState = "revoked"
)
