package domain

import (
	"strings"
	"time"
)

// MainSiteID identifies the main site of a network. Single-site installs only have this one.
const MainSiteID int64 = 1

// Site is one blog of a (possibly single-site) network.
type Site struct {
	ID        int64
	URL       string
	Name      string
	CreatedAt time.Time
}

// BaseURL returns the site URL without a trailing slash.
func (s Site) BaseURL() string {
	return strings.TrimRight(s.URL, "/")
}

// Host returns the host portion of the site URL.
func (s Site) Host() string {
	host := s.BaseURL()
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	if idx := strings.IndexAny(host, "/:"); idx >= 0 {
		host = host[:idx]
	}
	return strings.ToLower(host)
}

// SigningKey stores the HMAC key used for admin capability tokens.
type SigningKey struct {
	ID        int64
	KID       string
	Secret    []byte
	Algorithm string
	IsActive  bool
	CreatedAt time.Time
}
