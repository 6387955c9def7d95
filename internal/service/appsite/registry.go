// Package appsite keeps the relay's registry of which site URLs are connected
// to which Instagram user, and propagates local changes to it.
package appsite

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/adapter/relay"
	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/metrics"
	"github.com/smallbiznis/instagram-connect/internal/signedrequest"
	"github.com/smallbiznis/instagram-connect/internal/storage"
)

// Payload fields of registry envelopes.
const (
	FieldUserID         = "user_id"
	FieldPreviousUserID = "previous_user_id"
	FieldURL            = "url"

	// SiteRoute is the REST route of registry mutations on the relay.
	SiteRoute = "site"
)

// SiteChange is a verified registry mutation.
type SiteChange struct {
	UserID         string `json:"user_id"`
	PreviousUserID string `json:"previous_user_id,omitempty"`
	URL            string `json:"url"`
}

// Registry is both the client and the relay side of the site registry.
type Registry interface {
	// IsRelay reports whether this node stores the registry.
	IsRelay() bool
	AddCurrentSite(ctx context.Context, userID, siteURL string) error
	UpdateCurrentSite(ctx context.Context, previousUserID, userID, siteURL string) error
	DeleteCurrentSite(ctx context.Context, userID, siteURL string) error
	UpdateSite(ctx context.Context, envelope string) (SiteChange, error)
	DeleteSite(ctx context.Context, envelope string) (SiteChange, error)
	Sites(ctx context.Context, userID string) ([]string, error)
}

type registry struct {
	store  storage.Storage
	sender relay.Sender
	cfg    config.Config
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry wires the registry. store is only read on the relay.
func NewRegistry(store storage.Storage, sender relay.Sender, cfg config.Config, logger *zap.Logger) Registry {
	return &registry{store: store, sender: sender, cfg: cfg, logger: logger, now: time.Now}
}

func (r *registry) IsRelay() bool {
	return r.cfg.IsAppSite()
}

func (r *registry) AddCurrentSite(ctx context.Context, userID, siteURL string) error {
	return r.send(ctx, http.MethodPut, SiteChange{UserID: userID, URL: normalizeURL(siteURL)})
}

func (r *registry) UpdateCurrentSite(ctx context.Context, previousUserID, userID, siteURL string) error {
	return r.send(ctx, http.MethodPut, SiteChange{UserID: userID, PreviousUserID: previousUserID, URL: normalizeURL(siteURL)})
}

func (r *registry) DeleteCurrentSite(ctx context.Context, userID, siteURL string) error {
	return r.send(ctx, http.MethodDelete, SiteChange{UserID: userID, URL: normalizeURL(siteURL)})
}

// send applies change locally on the relay and ships it there otherwise.
func (r *registry) send(ctx context.Context, method string, change SiteChange) error {
	if !r.cfg.HasAppSite() || change.UserID == "" || change.URL == "" {
		return nil
	}
	if r.IsRelay() {
		return r.apply(ctx, method, change)
	}
	if r.cfg.ClientSecret == "" {
		return instagram.ErrMissingSecret
	}

	payload := signedrequest.Payload{FieldUserID: change.UserID, FieldURL: change.URL}
	if change.PreviousUserID != "" {
		payload[FieldPreviousUserID] = change.PreviousUserID
	}
	envelope, err := signedrequest.Encode(payload, r.cfg.ClientSecret, r.now())
	if err != nil {
		return fmt.Errorf("sign site change: %w", err)
	}

	r.sender.Dispatch(relay.Request{
		Method: method,
		URL:    r.cfg.AppSiteURL + r.cfg.RESTPath(SiteRoute),
		Form:   url.Values{"signed_request": {envelope}},
	})
	r.log().Debug("site change sent to relay", zap.String("method", method), zap.String("user_id", change.UserID), zap.String("url", change.URL))
	return nil
}

func (r *registry) UpdateSite(ctx context.Context, envelope string) (SiteChange, error) {
	change, err := r.decode(envelope)
	if err != nil {
		return SiteChange{}, err
	}
	return change, r.apply(ctx, http.MethodPut, change)
}

func (r *registry) DeleteSite(ctx context.Context, envelope string) (SiteChange, error) {
	change, err := r.decode(envelope)
	if err != nil {
		return SiteChange{}, err
	}
	return change, r.apply(ctx, http.MethodDelete, change)
}

func (r *registry) Sites(ctx context.Context, userID string) ([]string, error) {
	if userID == "" {
		return nil, nil
	}
	return r.store.Get(ctx, userID)
}

func (r *registry) decode(envelope string) (SiteChange, error) {
	if r.cfg.ClientSecret == "" {
		return SiteChange{}, instagram.ErrMissingSecret
	}
	payload, err := signedrequest.Decode(envelope, r.cfg.ClientSecret)
	if err != nil {
		return SiteChange{}, err
	}
	change := SiteChange{
		UserID:         payload.String(FieldUserID),
		PreviousUserID: payload.String(FieldPreviousUserID),
		URL:            normalizeURL(payload.String(FieldURL)),
	}
	if change.UserID == "" || change.URL == "" {
		return SiteChange{}, instagram.ErrInvalidSignedRequest
	}
	return change, nil
}

func (r *registry) apply(ctx context.Context, method string, change SiteChange) error {
	var (
		op  string
		err error
	)
	switch {
	case method == http.MethodDelete:
		op = "remove"
		err = r.store.Remove(ctx, change.UserID, change.URL)
	case change.PreviousUserID != "" && change.PreviousUserID != change.UserID:
		op = "move"
		err = r.store.Move(ctx, change.PreviousUserID, change.UserID, change.URL)
	default:
		op = "add"
		err = r.store.Add(ctx, change.UserID, change.URL)
	}
	if err != nil {
		return fmt.Errorf("registry %s: %w", op, err)
	}
	metrics.RegistryMutations.WithLabelValues(op).Inc()
	r.log().Info("site registry updated", zap.String("op", op), zap.String("user_id", change.UserID), zap.String("url", change.URL))
	return nil
}

func (r *registry) log() *zap.Logger {
	if r.logger != nil {
		return r.logger
	}
	return zap.L()
}

func normalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}
