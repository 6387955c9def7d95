package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/instagram-connect/internal/jwt"
	"github.com/smallbiznis/instagram-connect/internal/route"
)

const (
	capabilityClaimsKey = "capabilityClaims"

	// CapabilityCookie carries the capability token for browser routes.
	CapabilityCookie = "instagram_capability"
)

// Capability validates capability tokens and attaches the caller.
type Capability struct {
	Tokens *jwt.Generator
	Issuer string
}

// Attach resolves the caller from a Bearer header or the capability cookie.
// Requests without a valid token continue as anonymous callers.
func (m *Capability) Attach(c *gin.Context) {
	token := bearerToken(c.GetHeader("Authorization"))
	if token == "" {
		token, _ = c.Cookie(CapabilityCookie)
	}
	if token != "" && m.Tokens != nil {
		if _, claims, err := m.Tokens.Validate(c.Request.Context(), token, m.Issuer); err == nil {
			c.Set(capabilityClaimsKey, claims)
		}
	}
	c.Next()
}

// Require aborts unless the caller holds capability on the current site.
func (m *Capability) Require(capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCapabilityClaims(c); !ok {
			AbortREST(c, http.StatusUnauthorized, "rest_not_logged_in", "You are not currently logged in.")
			return
		}
		if !GetCaller(c).Can(capability) {
			AbortREST(c, http.StatusForbidden, "rest_forbidden", "Sorry, you are not allowed to do that.")
			return
		}
		c.Next()
	}
}

// GetCapabilityClaims exposes validated claims to handlers.
func GetCapabilityClaims(c *gin.Context) (*jwt.CapabilityClaims, bool) {
	value, ok := c.Get(capabilityClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*jwt.CapabilityClaims)
	return claims, ok
}

// GetCaller returns the caller scoped to the current site.
func GetCaller(c *gin.Context) route.Caller {
	claims, ok := GetCapabilityClaims(c)
	if !ok {
		return route.Anonymous{}
	}
	var siteID int64
	if siteCtx, ok := GetSiteContext(c); ok {
		siteID = siteCtx.Site.ID
	}
	return siteCaller{claims: claims, siteID: siteID}
}

type siteCaller struct {
	claims *jwt.CapabilityClaims
	siteID int64
}

func (s siteCaller) Can(capability string) bool {
	return s.claims.Can(capability, s.siteID)
}

// AbortREST aborts with a WP_Error shaped body.
func AbortREST(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"code":    code,
		"message": message,
		"data":    gin.H{"status": status},
	})
}

func bearerToken(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
