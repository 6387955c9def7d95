package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/instagram-connect/internal/site"
)

const siteContextKey = "siteContext"

// Site attaches the site serving the request. X-Site-ID takes precedence over the host.
func Site(resolver *site.Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			siteCtx *site.Context
			err     error
		)

		if raw := strings.TrimSpace(c.Request.Header.Get("X-Site-ID")); raw != "" {
			id, parseErr := strconv.ParseInt(raw, 10, 64)
			if parseErr != nil {
				AbortREST(c, http.StatusNotFound, "rest_site_invalid", "Unknown site.")
				return
			}
			siteCtx, err = resolver.ResolveByID(c.Request.Context(), id)
		} else {
			siteCtx, err = resolver.Resolve(c.Request.Context(), stripPort(c.Request.Host))
		}
		if err != nil {
			AbortREST(c, http.StatusNotFound, "rest_site_invalid", "Unknown site.")
			return
		}
		c.Set(siteContextKey, siteCtx)
		c.Next()
	}
}

// GetSiteContext extracts the site context from gin.
func GetSiteContext(c *gin.Context) (*site.Context, bool) {
	value, ok := c.Get(siteContextKey)
	if !ok {
		return nil, false
	}
	siteCtx, ok := value.(*site.Context)
	return siteCtx, ok
}

func stripPort(host string) string {
	if strings.Contains(host, ":") {
		if h, _, err := net.SplitHostPort(host); err == nil {
			return h
		}
	}
	return host
}
