package appsite

import (
	"context"

	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/events"
	"github.com/smallbiznis/instagram-connect/internal/repository"
)

// Notifier forwards profile events of local sites to the registry.
type Notifier struct {
	registry Registry
	sites    repository.SiteRepository
	logger   *zap.Logger
}

func NewNotifier(registry Registry, sites repository.SiteRepository, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.L()
	}
	return &Notifier{registry: registry, sites: sites, logger: logger}
}

// Subscribe attaches the notifier to bus.
func (n *Notifier) Subscribe(bus *events.Bus) {
	bus.Subscribe(n.Handle)
}

func (n *Notifier) Handle(ctx context.Context, event events.Event) {
	var (
		siteID int64
		send   func(siteURL string) error
	)
	switch e := event.(type) {
	case events.ProfileUpdated:
		siteID = e.SiteID
		send = func(siteURL string) error {
			if e.PreviousUserID == "" {
				return n.registry.AddCurrentSite(ctx, e.UserID, siteURL)
			}
			return n.registry.UpdateCurrentSite(ctx, e.PreviousUserID, e.UserID, siteURL)
		}
	case events.ProfileDeleted:
		siteID = e.SiteID
		send = func(siteURL string) error {
			return n.registry.DeleteCurrentSite(ctx, e.UserID, siteURL)
		}
	default:
		return
	}

	site, err := n.sites.GetSite(ctx, siteID)
	if err != nil {
		n.logger.Warn("registry notification skipped", zap.Int64("site_id", siteID), zap.Error(err))
		return
	}
	if err := send(site.BaseURL()); err != nil {
		n.logger.Warn("registry notification failed", zap.Int64("site_id", siteID), zap.String("event", event.Name()), zap.Error(err))
	}
}
