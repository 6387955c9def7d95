// Package token manages the Instagram access token and profile stored for each site.
package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	igadapter "github.com/smallbiznis/instagram-connect/internal/adapter/instagram"
	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/events"
	"github.com/smallbiznis/instagram-connect/internal/metrics"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/settings"
)

// StateSeparator splits the site id from the nonce in the OAuth state parameter.
const StateSeparator = ":"

// Manager owns the token lifecycle of every site.
type Manager interface {
	LoginURL(ctx context.Context, siteID int64) (string, error)
	VerifyState(ctx context.Context, state string) (int64, error)
	ExchangeCode(ctx context.Context, code string) (*instagram.LongLivedToken, error)
	Store(ctx context.Context, siteID int64, token string, expiresOn time.Time) error
	Authorize(ctx context.Context, siteID int64, code string, now time.Time) (domain.Profile, error)
	Token(ctx context.Context, siteID int64) (domain.AccessToken, error)
	Profile(ctx context.Context, siteID int64) (domain.Profile, error)
	SaveProfile(ctx context.Context, siteID int64, fields map[string]string) error
	RefreshIfNeeded(ctx context.Context, siteID int64, now time.Time) (bool, error)
	RefreshAll(ctx context.Context, now time.Time) (RefreshReport, error)
	VerifyOrClear(ctx context.Context, siteID int64) (*Notice, error)
	DeleteAll(ctx context.Context, siteID int64) error
	Status(ctx context.Context, siteID int64, now time.Time) (Status, error)
}

// Notice is an admin-facing message produced while verifying a stored token.
type Notice struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Status projects the stored options onto the token lifecycle.
type Status struct {
	State     domain.AuthState `json:"state"`
	ExpiresOn time.Time        `json:"expires_on,omitempty"`
	Profile   domain.Profile   `json:"profile"`
}

// RefreshReport summarizes one RefreshAll run.
type RefreshReport struct {
	Checked   int `json:"checked"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

type manager struct {
	options   repository.OptionRepository
	sites     repository.SiteRepository
	nonces    repository.NonceStore
	provider  igadapter.ProviderClient
	publisher events.Publisher
	cfg       config.Config
	logger    *zap.Logger
	tracer    trace.Tracer
}

// NewManager wires the token manager implementation.
func NewManager(
	options repository.OptionRepository,
	sites repository.SiteRepository,
	nonces repository.NonceStore,
	provider igadapter.ProviderClient,
	publisher events.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) Manager {
	return &manager{
		options:   options,
		sites:     sites,
		nonces:    nonces,
		provider:  provider,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("github.com/smallbiznis/instagram-connect/internal/service/token"),
	}
}

func (m *manager) LoginURL(ctx context.Context, siteID int64) (string, error) {
	if _, err := m.sites.GetSite(ctx, siteID); err != nil {
		return "", fmt.Errorf("login url: %w", err)
	}
	nonce := uuid.NewString()
	if err := m.nonces.SaveNonce(ctx, nonce, siteID, m.cfg.NonceTTL); err != nil {
		return "", fmt.Errorf("login url: %w", err)
	}
	return m.provider.LoginURL(strconv.FormatInt(siteID, 10) + StateSeparator + nonce), nil
}

func (m *manager) VerifyState(ctx context.Context, state string) (int64, error) {
	rawID, nonce, ok := strings.Cut(state, StateSeparator)
	if !ok || nonce == "" {
		return 0, instagram.ErrInvalidState
	}

	boundID, found, err := m.nonces.ConsumeNonce(ctx, nonce)
	if err != nil {
		return 0, fmt.Errorf("verify state: %w", err)
	}
	if !found {
		return 0, instagram.ErrInvalidState
	}

	siteID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || siteID <= 0 {
		return 0, instagram.ErrInvalidBlogID
	}
	if siteID != boundID {
		return 0, instagram.ErrInvalidState
	}

	if _, err := m.sites.GetSite(ctx, siteID); err != nil {
		if errors.Is(err, instagram.ErrSiteNotFound) {
			return 0, instagram.ErrInvalidBlogID
		}
		return 0, fmt.Errorf("verify state: %w", err)
	}
	return siteID, nil
}

func (m *manager) ExchangeCode(ctx context.Context, code string) (*instagram.LongLivedToken, error) {
	ctx, span := m.tracer.Start(ctx, "token.ExchangeCode")
	defer span.End()

	short, err := m.provider.ExchangeCode(ctx, code)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("%w: %w", instagram.ErrOAuthExchangeFailed, err)
	}
	long, err := m.provider.LongLivedToken(ctx, short.AccessToken)
	if err != nil {
		recordError(span, err)
		return nil, fmt.Errorf("%w: %w", instagram.ErrOAuthExchangeFailed, err)
	}
	return long, nil
}

// Store writes the token and its expiry as one unit. An empty token clears both.
func (m *manager) Store(ctx context.Context, siteID int64, token string, expiresOn time.Time) error {
	value := settings.AccessToken.Value(token)
	if value == "" {
		return m.options.DeleteOptions(ctx, siteID, settings.AccessToken.Key(), settings.ExpiresOn.Key())
	}
	if expiresOn.IsZero() {
		return fmt.Errorf("store token for site %d: missing expiry", siteID)
	}
	return m.options.SetOptions(ctx, siteID, map[string]string{
		settings.AccessToken.Key(): value,
		settings.ExpiresOn.Key():   strconv.FormatInt(expiresOn.Unix(), 10),
	})
}

func (m *manager) Authorize(ctx context.Context, siteID int64, code string, now time.Time) (domain.Profile, error) {
	ctx, span := m.tracer.Start(ctx, "token.Authorize", trace.WithAttributes(attribute.Int64("site.id", siteID)))
	defer span.End()

	if strings.TrimSpace(code) == "" {
		return domain.Profile{}, instagram.ErrMissingCode
	}

	long, err := m.ExchangeCode(ctx, code)
	if err != nil {
		return domain.Profile{}, err
	}
	if err := m.Store(ctx, siteID, long.AccessToken, long.ExpiresAt(now)); err != nil {
		recordError(span, err)
		return domain.Profile{}, err
	}

	resp, err := m.provider.Profile(ctx, long.AccessToken)
	if err != nil {
		recordError(span, err)
		m.log().Warn("profile fetch failed after authorization", zap.Int64("site_id", siteID), zap.Error(err))
		if delErr := m.DeleteAll(ctx, siteID); delErr != nil {
			m.log().Error("failed to delete site data", zap.Int64("site_id", siteID), zap.Error(delErr))
		}
		return domain.Profile{}, fmt.Errorf("%w: %w", instagram.ErrProviderProfile, err)
	}
	if err := m.SaveProfile(ctx, siteID, resp.Fields); err != nil {
		recordError(span, err)
		return domain.Profile{}, err
	}

	m.log().Info("site connected", zap.Int64("site_id", siteID), zap.String("user_id", resp.Fields[settings.UserID.Name]))
	return m.Profile(ctx, siteID)
}

func (m *manager) Token(ctx context.Context, siteID int64) (domain.AccessToken, error) {
	values, err := m.options.GetOptions(ctx, siteID, settings.AccessToken.Key(), settings.ExpiresOn.Key())
	if err != nil {
		return domain.AccessToken{}, fmt.Errorf("load token: %w", err)
	}
	token := domain.AccessToken{SiteID: siteID, Token: values[settings.AccessToken.Key()]}
	if raw := values[settings.ExpiresOn.Key()]; raw != "" {
		if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
			token.ExpiresOn = time.Unix(sec, 0)
		}
	}
	return token, nil
}

func (m *manager) Profile(ctx context.Context, siteID int64) (domain.Profile, error) {
	values, err := m.options.GetOptions(ctx, siteID, settings.Keys(settings.User())...)
	if err != nil {
		return domain.Profile{}, fmt.Errorf("load profile: %w", err)
	}
	return domain.Profile{
		ID:             values[settings.UserID.Key()],
		Username:       values[settings.Username.Key()],
		AccountType:    values[settings.AccountType.Key()],
		FullName:       values[settings.FullName.Key()],
		ProfilePicture: values[settings.ProfilePicture.Key()],
	}, nil
}

// SaveProfile persists the known profile fields. Unknown fields are dropped.
func (m *manager) SaveProfile(ctx context.Context, siteID int64, fields map[string]string) error {
	values := make(map[string]string, len(fields))
	for name, raw := range fields {
		setting, ok := settings.UserField(name)
		if !ok {
			continue
		}
		if v := setting.Value(raw); v != "" {
			values[setting.Key()] = v
		}
	}
	if len(values) == 0 {
		return nil
	}

	previous, err := m.options.GetOptions(ctx, siteID, settings.UserID.Key())
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if err := m.options.SetOptions(ctx, siteID, values); err != nil {
		return fmt.Errorf("save profile: %w", err)
	}

	prevID := previous[settings.UserID.Key()]
	if userID, ok := values[settings.UserID.Key()]; ok && userID != prevID {
		m.publisher.Publish(ctx, events.ProfileUpdated{SiteID: siteID, PreviousUserID: prevID, UserID: userID})
	}
	return nil
}

func (m *manager) RefreshIfNeeded(ctx context.Context, siteID int64, now time.Time) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "token.RefreshIfNeeded", trace.WithAttributes(attribute.Int64("site.id", siteID)))
	defer span.End()

	current, err := m.Token(ctx, siteID)
	if err != nil {
		recordError(span, err)
		return false, err
	}
	if !current.Valid() {
		return false, nil
	}

	accessToken := current.Token
	refreshed := false
	if !current.HasExpiry() || current.ExpiresOn.Sub(now) < m.threshold() {
		long, err := m.provider.RefreshToken(ctx, current.Token)
		if err != nil {
			recordError(span, err)
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return false, fmt.Errorf("refresh token for site %d: %w", siteID, err)
		}
		if err := m.Store(ctx, siteID, long.AccessToken, long.ExpiresAt(now)); err != nil {
			recordError(span, err)
			return false, err
		}
		accessToken = long.AccessToken
		refreshed = true
		metrics.TokenRefreshes.WithLabelValues("refreshed").Inc()
	} else {
		metrics.TokenRefreshes.WithLabelValues("skipped").Inc()
	}

	resp, err := m.provider.Profile(ctx, accessToken)
	if err != nil {
		m.log().Warn("profile refresh failed", zap.Int64("site_id", siteID), zap.Error(err))
		return refreshed, nil
	}
	if err := m.SaveProfile(ctx, siteID, resp.Fields); err != nil {
		return refreshed, err
	}
	return refreshed, nil
}

func (m *manager) RefreshAll(ctx context.Context, now time.Time) (RefreshReport, error) {
	ctx, span := m.tracer.Start(ctx, "token.RefreshAll")
	defer span.End()

	sites, err := m.sites.ListSites(ctx)
	if err != nil {
		recordError(span, err)
		return RefreshReport{}, fmt.Errorf("refresh all: %w", err)
	}

	var report RefreshReport
	for _, site := range sites {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		refreshed, err := m.RefreshIfNeeded(ctx, site.ID, now)
		if err != nil {
			report.Failed++
			m.log().Error("token refresh failed", zap.Int64("site_id", site.ID), zap.Error(err))
			continue
		}
		if refreshed {
			report.Refreshed++
		}
	}

	span.SetAttributes(
		attribute.Int("refresh.checked", report.Checked),
		attribute.Int("refresh.refreshed", report.Refreshed),
		attribute.Int("refresh.failed", report.Failed),
	)
	return report, nil
}

func (m *manager) VerifyOrClear(ctx context.Context, siteID int64) (*Notice, error) {
	current, err := m.Token(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if !current.Valid() {
		return nil, m.DeleteAll(ctx, siteID)
	}

	resp, err := m.provider.Profile(ctx, current.Token)
	if err != nil {
		var perr *instagram.ProviderError
		if errors.As(err, &perr) {
			notice := &Notice{Type: perr.Type, Message: perr.Message}
			if perr.IsAuthError() {
				if delErr := m.DeleteAll(ctx, siteID); delErr != nil {
					return notice, delErr
				}
			}
			return notice, nil
		}
		return &Notice{Type: "ProviderProfileError", Message: err.Error()}, nil
	}
	return nil, m.SaveProfile(ctx, siteID, resp.Fields)
}

// DeleteAll removes every setting of the site. Calling it again is a no-op.
func (m *manager) DeleteAll(ctx context.Context, siteID int64) error {
	previous, err := m.options.GetOptions(ctx, siteID, settings.Keys(settings.All())...)
	if err != nil {
		return fmt.Errorf("delete all: %w", err)
	}
	if len(previous) == 0 {
		return nil
	}
	if err := m.options.DeleteOptions(ctx, siteID, settings.Keys(settings.All())...); err != nil {
		return fmt.Errorf("delete all: %w", err)
	}

	metrics.TokenDeletes.Inc()
	m.log().Info("site data deleted", zap.Int64("site_id", siteID))
	if userID := previous[settings.UserID.Key()]; userID != "" {
		m.publisher.Publish(ctx, events.ProfileDeleted{SiteID: siteID, UserID: userID})
	}
	return nil
}

func (m *manager) Status(ctx context.Context, siteID int64, now time.Time) (Status, error) {
	current, err := m.Token(ctx, siteID)
	if err != nil {
		return Status{}, err
	}
	profile, err := m.Profile(ctx, siteID)
	if err != nil {
		return Status{}, err
	}

	status := Status{State: domain.StateUnauthenticated, ExpiresOn: current.ExpiresOn, Profile: profile}
	switch {
	case !current.Valid():
	case current.HasExpiry() && !now.Before(current.ExpiresOn):
		status.State = domain.StateRevoked
	case !current.HasExpiry() || current.ExpiresOn.Sub(now) < m.threshold():
		status.State = domain.StateExpiring
	default:
		status.State = domain.StateAuthenticated
	}
	return status, nil
}

func (m *manager) threshold() time.Duration {
	if m.cfg.RefreshThreshold > 0 {
		return m.cfg.RefreshThreshold
	}
	return 72 * time.Hour
}

func (m *manager) log() *zap.Logger {
	if m.logger != nil {
		return m.logger
	}
	return zap.L()
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
