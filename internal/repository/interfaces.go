package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/instagram-connect/internal/domain"
)

// OptionRepository persists per-site options.
type OptionRepository interface {
	// GetOptions reads names for one site in a single statement. Missing names are absent from the map.
	GetOptions(ctx context.Context, siteID int64, names ...string) (map[string]string, error)
	// SetOptions writes every value as one unit.
	SetOptions(ctx context.Context, siteID int64, values map[string]string) error
	// DeleteOptions removes names. Missing names are ignored.
	DeleteOptions(ctx context.Context, siteID int64, names ...string) error
	// FindSiteIDs lists the sites whose option name equals value exactly.
	FindSiteIDs(ctx context.Context, name, value string) ([]int64, error)
}

// SiteRepository exposes the sites of the network.
type SiteRepository interface {
	GetSite(ctx context.Context, siteID int64) (domain.Site, error)
	GetSiteByHost(ctx context.Context, host string) (domain.Site, error)
	ListSites(ctx context.Context) ([]domain.Site, error)
	CreateSite(ctx context.Context, site domain.Site) (domain.Site, error)
}

// KeyRepository stores capability token signing keys.
type KeyRepository interface {
	GetActiveKey(ctx context.Context) (domain.SigningKey, error)
	CreateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	// RotateKey deactivates every key and stores key as the active one.
	RotateKey(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
}

// NonceStore persists the nonces embedded in the OAuth state parameter.
type NonceStore interface {
	SaveNonce(ctx context.Context, nonce string, siteID int64, ttl time.Duration) error
	// ConsumeNonce returns the site bound to nonce and invalidates it. ok is false for unknown or expired nonces.
	ConsumeNonce(ctx context.Context, nonce string) (siteID int64, ok bool, err error)
}
