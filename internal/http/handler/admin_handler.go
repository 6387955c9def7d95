package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/http/middleware"
	"github.com/smallbiznis/instagram-connect/internal/repository"
	"github.com/smallbiznis/instagram-connect/internal/route"
	"github.com/smallbiznis/instagram-connect/internal/service/token"
	"github.com/smallbiznis/instagram-connect/internal/settings"
)

// AdminHandler renders the per-site options page.
type AdminHandler struct {
	Tokens  token.Manager
	Options repository.OptionRepository
	Query   *route.Query
	now     func() time.Time
}

func NewAdminHandler(tokens token.Manager, options repository.OptionRepository, query *route.Query) *AdminHandler {
	return &AdminHandler{Tokens: tokens, Options: options, Query: query, now: time.Now}
}

type settingView struct {
	Key     string `json:"key"`
	Name    string `json:"name"`
	Title   string `json:"title"`
	Section string `json:"section"`
	Value   string `json:"value"`
}

// OptionsPage verifies the stored token against the provider and returns
// the state of the current site's connection.
func (h *AdminHandler) OptionsPage(c *gin.Context) {
	siteCtx, ok := middleware.GetSiteContext(c)
	if !ok {
		writeREST(c, instagram.NewRESTError("rest_site_invalid", "Unknown site.", http.StatusNotFound, nil))
		return
	}
	ctx := c.Request.Context()
	site := siteCtx.Site

	notices := []token.Notice{}
	notice, err := h.Tokens.VerifyOrClear(ctx, site.ID)
	if notice != nil {
		notices = append(notices, *notice)
	}
	if err != nil {
		zap.L().Error("verify stored token", zap.Int64("site_id", site.ID), zap.Error(err))
		respondServiceError(c, err)
		return
	}

	status, err := h.Tokens.Status(ctx, site.ID, h.now())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	values, err := h.Options.GetOptions(ctx, site.ID, settings.Keys(settings.All())...)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	views := make([]settingView, 0, len(settings.All()))
	for _, s := range settings.All() {
		value := values[s.Key()]
		if s.Name == settings.AccessToken.Name {
			value = maskToken(value)
		}
		views = append(views, settingView{Key: s.Key(), Name: s.Name, Title: s.Title, Section: string(s.Section), Value: value})
	}

	loginURL, err := h.Tokens.LoginURL(ctx, site.ID)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"site": gin.H{
			"id":   site.ID,
			"url":  site.BaseURL(),
			"name": site.Name,
		},
		"login_url":  loginURL,
		"deauth_url": h.Query.URL(site.BaseURL(), DeauthRoute),
		"status":     status,
		"settings":   views,
		"notices":    notices,
	})
}

// maskToken keeps only a short prefix of the access token.
func maskToken(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "********"
	}
	return value[:4] + "********"
}

// Health reports liveness.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
