// Package deauth handles Instagram's data deletion callback.
package deauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/adapter/relay"
	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/metrics"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/service/appsite"
	"github.com/smallbiznis/instagram-connect/internal/service/token"
	"github.com/smallbiznis/instagram-connect/internal/settings"
	"github.com/smallbiznis/instagram-connect/internal/signedrequest"
)

// Route is the REST route receiving deauthorization callbacks.
const Route = "deauth"

// Result lists what a deauthorization touched. The relay reports URLs,
// satellites report their own URL.
type Result struct {
	UserID string           `json:"user_id"`
	URLs   []string         `json:"urls,omitempty"`
	URL    string           `json:"url,omitempty"`
	Sites  map[int64]string `json:"sites"`
}

// Dispatcher deletes the data of a deauthorized user everywhere it is stored.
type Dispatcher interface {
	Deauth(ctx context.Context, envelope string) (*Result, error)
}

type dispatcher struct {
	tokens   token.Manager
	registry appsite.Registry
	options  repository.OptionRepository
	sites    repository.SiteRepository
	sender   relay.Sender
	cfg      config.Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher wires the deauthorization dispatcher.
func NewDispatcher(
	tokens token.Manager,
	registry appsite.Registry,
	options repository.OptionRepository,
	sites repository.SiteRepository,
	sender relay.Sender,
	cfg config.Config,
	logger *zap.Logger,
) Dispatcher {
	if logger == nil {
		logger = zap.L()
	}
	return &dispatcher{
		tokens:   tokens,
		registry: registry,
		options:  options,
		sites:    sites,
		sender:   sender,
		cfg:      cfg,
		logger:   logger,
		tracer:   otel.Tracer("github.com/smallbiznis/instagram-connect/internal/service/deauth"),
	}
}

func (d *dispatcher) Deauth(ctx context.Context, envelope string) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "deauth.Deauth")
	defer span.End()

	result, err := d.deauth(ctx, envelope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.DeauthRequests.WithLabelValues(resultLabel(err)).Inc()
		return nil, err
	}
	span.SetAttributes(attribute.Int("deauth.sites", len(result.Sites)), attribute.Int("deauth.urls", len(result.URLs)))
	metrics.DeauthRequests.WithLabelValues("ok").Inc()
	return result, nil
}

func (d *dispatcher) deauth(ctx context.Context, envelope string) (*Result, error) {
	if d.cfg.ClientSecret == "" {
		return nil, instagram.ErrMissingSecret
	}
	payload, err := signedrequest.Decode(envelope, d.cfg.ClientSecret)
	if err != nil {
		return nil, err
	}
	userID := payload.String("user_id")
	if userID == "" {
		return nil, instagram.ErrInvalidSignedRequest
	}

	// Registry entries are read first: local deletes notify the registry,
	// which drops the URLs of this user.
	var registered []string
	if d.registry.IsRelay() {
		if registered, err = d.registry.Sites(ctx, userID); err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	}

	local, err := d.localSites(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &Result{UserID: userID, Sites: make(map[int64]string, len(local))}
	for _, site := range local {
		if err := d.tokens.DeleteAll(ctx, site.ID); err != nil {
			return nil, fmt.Errorf("delete site %d: %w", site.ID, err)
		}
		result.Sites[site.ID] = site.BaseURL()
	}

	if !d.registry.IsRelay() {
		result.URL = d.cfg.HomeURL
		d.logger.Info("deauthorized", zap.String("user_id", userID), zap.Int("sites", len(result.Sites)))
		return result, nil
	}

	own, err := d.ownURLs(ctx)
	if err != nil {
		return nil, err
	}
	urls := make(map[string]struct{}, len(registered)+len(result.Sites))
	for _, siteURL := range result.Sites {
		urls[siteURL] = struct{}{}
	}
	for _, siteURL := range registered {
		urls[siteURL] = struct{}{}
		if _, mine := own[siteURL]; mine {
			continue
		}
		d.sender.Dispatch(relay.Request{
			Method: http.MethodPost,
			URL:    siteURL + d.cfg.RESTPath(Route),
			Form:   url.Values{"signed_request": {envelope}},
		})
	}
	for siteURL := range urls {
		result.URLs = append(result.URLs, siteURL)
	}
	sort.Strings(result.URLs)

	d.logger.Info("deauthorized on relay",
		zap.String("user_id", userID),
		zap.Int("sites", len(result.Sites)),
		zap.Int("urls", len(result.URLs)),
	)
	return result, nil
}

// localSites returns the sites of this network connected to userID.
func (d *dispatcher) localSites(ctx context.Context, userID string) ([]domain.Site, error) {
	if !d.cfg.Multisite {
		profile, err := d.tokens.Profile(ctx, domain.MainSiteID)
		if err != nil {
			return nil, err
		}
		if profile.ID != userID {
			return nil, nil
		}
		site, err := d.sites.GetSite(ctx, domain.MainSiteID)
		if err != nil {
			return nil, err
		}
		return []domain.Site{site}, nil
	}

	ids, err := d.options.FindSiteIDs(ctx, settings.UserID.Key(), userID)
	if err != nil {
		return nil, fmt.Errorf("find sites: %w", err)
	}
	sites := make([]domain.Site, 0, len(ids))
	for _, id := range ids {
		site, err := d.sites.GetSite(ctx, id)
		if err != nil {
			if errors.Is(err, instagram.ErrSiteNotFound) {
				continue
			}
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func (d *dispatcher) ownURLs(ctx context.Context) (map[string]struct{}, error) {
	sites, err := d.sites.ListSites(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	own := make(map[string]struct{}, len(sites)+1)
	own[d.cfg.HomeURL] = struct{}{}
	for _, site := range sites {
		own[site.BaseURL()] = struct{}{}
	}
	return own, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, instagram.ErrMissingSecret):
		return "missing_secret"
	case errors.Is(err, instagram.ErrInvalidSignature),
		errors.Is(err, instagram.ErrMalformedEnvelope),
		errors.Is(err, instagram.ErrMalformedPayload):
		return "forbidden"
	case errors.Is(err, instagram.ErrInvalidSignedRequest):
		return "invalid"
	default:
		return "error"
	}
}
