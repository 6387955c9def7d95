package middleware

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/instagram-connect/internal/config"
	httpmiddleware "github.com/smallbiznis/instagram-connect/internal/http/middleware"
)

type corsPolicy struct {
	origins     map[string]struct{}
	wildcard    bool
	credentials bool
	methods     string
	headers     string
}

func newCORSPolicy(cfg config.Config) *corsPolicy {
	p := &corsPolicy{
		origins:     make(map[string]struct{}, len(cfg.CORSAllowedOrigins)),
		credentials: cfg.CORSAllowCredentials,
		methods:     strings.Join(cfg.CORSAllowedMethods, ", "),
		headers:     strings.Join(cfg.CORSAllowedHeaders, ", "),
	}
	for _, origin := range cfg.CORSAllowedOrigins {
		switch origin = strings.ToLower(strings.TrimRight(origin, "/")); origin {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.origins[origin] = struct{}{}
		}
	}
	return p
}

// allows reports whether origin may call the site whose own origin is siteOrigin.
func (p *corsPolicy) allows(origin, siteOrigin string) bool {
	origin = strings.ToLower(origin)
	if p.wildcard || (siteOrigin != "" && origin == siteOrigin) {
		return true
	}
	_, ok := p.origins[origin]
	return ok
}

// SiteCORS answers CORS for the configured origins and for the resolved
// site's own origin, so its admin screens can call the API. Must run after
// the Site middleware.
func SiteCORS(cfg config.Config) gin.HandlerFunc {
	policy := newCORSPolicy(cfg)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		preflight := c.Request.Method == http.MethodOptions

		if !policy.allows(origin, siteOrigin(c)) {
			if preflight {
				c.AbortWithStatus(http.StatusNoContent)
				return
			}
			c.Next()
			return
		}

		header := c.Writer.Header()
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Allow-Methods", policy.methods)
		header.Set("Access-Control-Allow-Headers", policy.headers)
		if policy.credentials {
			header.Set("Access-Control-Allow-Credentials", "true")
		}
		if policy.wildcard && !policy.credentials {
			header.Set("Access-Control-Allow-Origin", "*")
		} else {
			header.Set("Access-Control-Allow-Origin", origin)
		}

		if preflight {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// siteOrigin is scheme://host[:port] of the resolved site, lower-cased.
func siteOrigin(c *gin.Context) string {
	sc, ok := httpmiddleware.GetSiteContext(c)
	if !ok || sc == nil {
		return ""
	}
	u, err := url.Parse(sc.Site.BaseURL())
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
