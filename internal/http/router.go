package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/instagram-connect/internal/config"
	"github.com/smallbiznis/instagram-connect/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/middleware"
	"github.com/smallbiznis/instagram-connect/internal/service/appsite"
	"github.com/smallbiznis/instagram-connect/internal/service/deauth"
	"github.com/smallbiznis/instagram-connect/internal/site"
)

// Handlers groups the handler sets mounted by the router.
type Handlers struct {
	Query *handler.QueryHandler
	REST  *handler.RESTHandler
	Admin *handler.AdminHandler
}

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	handlers Handlers,
	capability *httpmiddleware.Capability,
	resolver *site.Resolver,
	registry appsite.Registry,
	rateLimiter *middleware.RateLimiter,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(httpmiddleware.Metrics())
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", handler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sites := r.Group("")
	if rateLimiter != nil {
		sites.Use(rateLimiter.Handler())
	}
	sites.Use(httpmiddleware.Site(resolver))
	sites.Use(middleware.SiteCORS(cfg))
	sites.Use(capability.Attach)

	// Preflights would otherwise hit the 405 handler, which skips group middleware.
	sites.OPTIONS("/*path", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	sites.GET(handlers.Query.Pattern(), handlers.Query.Serve)

	sites.GET(handler.OptionsPath, capability.Require(jwt.CapabilityManageOptions), handlers.Admin.OptionsPage)

	sites.POST(cfg.RESTPath(deauth.Route), handlers.REST.Deauth)
	if registry.IsRelay() {
		sites.PUT(cfg.RESTPath(appsite.SiteRoute), handlers.REST.UpdateSite)
		sites.DELETE(cfg.RESTPath(appsite.SiteRoute), handlers.REST.DeleteSite)
	}

	r.NoRoute(func(c *gin.Context) {
		httpmiddleware.AbortREST(c, http.StatusNotFound, handler.CodeNotFound, "No route was found matching the URL and request method.")
	})

	return r
}
