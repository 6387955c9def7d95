package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/metrics"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/route"
	"github.com/smallbiznis/instagram-connect/internal/service/token"
)

// Browser route keys served under the query endpoint.
const (
	AuthRoute   = "auth"
	DeauthRoute = "deauth"
)

// OptionsPath is the options page of a site, relative to its URL.
const OptionsPath = "/admin/options/instagram"

// OptionsURL returns the options page URL of the site at siteURL.
func OptionsURL(siteURL string) string {
	return strings.TrimRight(siteURL, "/") + OptionsPath
}

// QueryHandler serves the browser endpoints under /{endpoint}/.
type QueryHandler struct {
	Tokens token.Manager
	Sites  repository.SiteRepository
	Query  *route.Query
	now    func() time.Time
}

// NewQueryHandler registers the auth and deauth routes on a new query.
func NewQueryHandler(tokens token.Manager, sites repository.SiteRepository, endpoint string) *QueryHandler {
	h := &QueryHandler{Tokens: tokens, Sites: sites, Query: route.NewQuery(endpoint), now: time.Now}
	h.Query.AddRoute(AuthRoute, route.Public{Handler: h.Auth})
	h.Query.AddRoute(DeauthRoute, route.Protected{Handler: h.Deauth, Capability: jwt.CapabilityManageOptions})
	return h
}

// Pattern is the gin route pattern of the query endpoint.
func (h *QueryHandler) Pattern() string {
	return "/" + h.Query.Endpoint() + "/:route/"
}

// Serve dispatches to the registered route. Unknown routes and callers
// lacking a capability get the not found page.
func (h *QueryHandler) Serve(c *gin.Context) {
	if h.Query.Dispatch(c, c.Param("route"), middleware.GetCaller(c)) {
		return
	}
	die(c, http.StatusNotFound, dieData{Title: "Not Found", Message: "The page you are looking for does not exist."})
}

// Auth completes the OAuth flow started from a site's options page.
func (h *QueryHandler) Auth(c *gin.Context) {
	ctx := c.Request.Context()

	if c.Query("error") != "" {
		description := c.Query("error_description")
		if description == "" {
			description = "Unknown error."
		}
		metrics.AuthCallbacks.WithLabelValues("denied").Inc()
		die(c, http.StatusForbidden, dieData{Title: "Error", Message: description})
		return
	}

	siteID, err := h.Tokens.VerifyState(ctx, c.Query("state"))
	if err != nil {
		switch {
		case errors.Is(err, instagram.ErrInvalidState):
			metrics.AuthCallbacks.WithLabelValues("invalid_state").Inc()
			die(c, http.StatusForbidden, dieData{Title: "This link has expired.", Message: "Please try again."})
		case errors.Is(err, instagram.ErrInvalidBlogID):
			metrics.AuthCallbacks.WithLabelValues("invalid_blog").Inc()
			die(c, http.StatusBadRequest, dieData{Title: "Something went wrong.", Message: "Invalid blog ID."})
		default:
			metrics.AuthCallbacks.WithLabelValues("error").Inc()
			zap.L().Error("verify auth state", zap.Error(err))
			die(c, http.StatusInternalServerError, dieData{Title: "Something went wrong.", Message: "Please try again."})
		}
		return
	}

	site, err := h.Sites.GetSite(ctx, siteID)
	if err != nil {
		metrics.AuthCallbacks.WithLabelValues("invalid_blog").Inc()
		die(c, http.StatusBadRequest, dieData{Title: "Something went wrong.", Message: "Invalid blog ID."})
		return
	}
	returnTo := dieData{Title: "Something went wrong.", ReturnURL: OptionsURL(site.BaseURL()), ReturnName: site.Name}
	if returnTo.ReturnName == "" {
		returnTo.ReturnName = site.Host()
	}

	code := c.Query("code")
	if code == "" {
		metrics.AuthCallbacks.WithLabelValues("missing_code").Inc()
		returnTo.Message = "Invalid code."
		die(c, http.StatusBadRequest, returnTo)
		return
	}

	if _, err := h.Tokens.Authorize(ctx, siteID, code, h.now()); err != nil {
		metrics.AuthCallbacks.WithLabelValues("failed").Inc()
		zap.L().Warn("authorization failed", zap.Int64("site_id", siteID), zap.Error(err))
		returnTo.Message = instagram.ProviderMessage(err)
		die(c, http.StatusInternalServerError, returnTo)
		return
	}

	metrics.AuthCallbacks.WithLabelValues("ok").Inc()
	c.Redirect(http.StatusFound, returnTo.ReturnURL)
}

// Deauth disconnects the current site and returns to its options page.
func (h *QueryHandler) Deauth(c *gin.Context) {
	siteCtx, ok := middleware.GetSiteContext(c)
	if !ok {
		die(c, http.StatusNotFound, dieData{Title: "Not Found", Message: "Unknown site."})
		return
	}
	if err := h.Tokens.DeleteAll(c.Request.Context(), siteCtx.Site.ID); err != nil {
		zap.L().Error("deauthorize site", zap.Int64("site_id", siteCtx.Site.ID), zap.Error(err))
		die(c, http.StatusInternalServerError, dieData{Title: "Something went wrong.", Message: "Please try again."})
		return
	}
	c.Redirect(http.StatusFound, OptionsURL(siteCtx.Site.BaseURL()))
}
