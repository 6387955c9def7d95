package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/repository"
)

// Register ensures the main site and the capability signing key exist on start.
func Register(lc fx.Lifecycle, cfg config.Config, sites repository.SiteRepository, keys *jwt.KeyManager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := EnsureMainSite(ctx, cfg, sites, logger); err != nil {
				return err
			}
			if _, err := keys.EnsureSigningKey(ctx); err != nil {
				return fmt.Errorf("bootstrap signing key: %w", err)
			}
			return nil
		},
	})
}

// EnsureMainSite creates the main site from HOME_URL if it is missing.
func EnsureMainSite(ctx context.Context, cfg config.Config, sites repository.SiteRepository, logger *zap.Logger) (domain.Site, error) {
	site, err := sites.GetSite(ctx, domain.MainSiteID)
	if err == nil {
		if site.BaseURL() != cfg.HomeURL && logger != nil {
			logger.Warn("main site url differs from HOME_URL",
				zap.String("site_url", site.BaseURL()),
				zap.String("home_url", cfg.HomeURL),
			)
		}
		return site, nil
	}
	if !errors.Is(err, instagram.ErrSiteNotFound) {
		return domain.Site{}, fmt.Errorf("bootstrap site lookup: %w", err)
	}

	mainSite := domain.Site{ID: domain.MainSiteID, URL: cfg.HomeURL}
	mainSite.Name = mainSite.Host()
	created, err := sites.CreateSite(ctx, mainSite)
	if err != nil {
		return domain.Site{}, fmt.Errorf("bootstrap create site: %w", err)
	}

	if logger != nil {
		logger.Info("bootstrap main site created",
			zap.Int64("site_id", created.ID),
			zap.String("url", created.BaseURL()),
		)
	}
	return created, nil
}
