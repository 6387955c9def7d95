package site

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/domain"
	"github.com/smallbiznis/instagram-connect/internal/repository"
)

// Context stores the site a request is served for.
type Context struct {
	Site   domain.Site
	IsMain bool
}

// Resolver maps requests onto sites of the network.
type Resolver struct {
	repo      repository.SiteRepository
	multisite bool
}

// NewResolver creates a site resolver. Single-site installs always resolve to the main site.
func NewResolver(repo repository.SiteRepository, multisite bool) *Resolver {
	return &Resolver{repo: repo, multisite: multisite}
}

// Resolve loads the site serving host.
func (r *Resolver) Resolve(ctx context.Context, host string) (*Context, error) {
	if !r.multisite {
		return r.ResolveByID(ctx, domain.MainSiteID)
	}

	cleaned := strings.ToLower(strings.TrimSpace(host))
	if cleaned == "" {
		zap.L().Warn("site resolver received empty host")
		return nil, fmt.Errorf("resolve site: empty host")
	}

	row, err := r.repo.GetSiteByHost(ctx, cleaned)
	if err != nil {
		zap.L().Error("failed to resolve site", zap.String("host", cleaned), zap.Error(err))
		return nil, fmt.Errorf("resolve site: %w", err)
	}

	zap.L().Debug("site context resolved", zap.String("host", cleaned), zap.Int64("site_id", row.ID))
	return &Context{Site: row, IsMain: row.ID == domain.MainSiteID}, nil
}

// ResolveByID loads a site by its id.
func (r *Resolver) ResolveByID(ctx context.Context, siteID int64) (*Context, error) {
	if !r.multisite && siteID != domain.MainSiteID {
		return nil, fmt.Errorf("resolve site %d: single-site install", siteID)
	}

	row, err := r.repo.GetSite(ctx, siteID)
	if err != nil {
		zap.L().Error("failed to resolve site by id", zap.Int64("site_id", siteID), zap.Error(err))
		return nil, fmt.Errorf("resolve site: %w", err)
	}
	return &Context{Site: row, IsMain: row.ID == domain.MainSiteID}, nil
}
