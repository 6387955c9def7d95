package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/service/appsite"
	"github.com/smallbiznis/instagram-connect/internal/service/deauth"
	"github.com/smallbiznis/instagram-connect/internal/signedrequest"
)

const (
	signedRequestParam = "signed_request"
	maxBodyBytes       = 64 << 10
)

// RESTHandler serves the REST routes called by Instagram and by satellite sites.
type RESTHandler struct {
	Deauthorizer deauth.Dispatcher
	Registry     appsite.Registry
}

func NewRESTHandler(deauthorizer deauth.Dispatcher, registry appsite.Registry) *RESTHandler {
	return &RESTHandler{Deauthorizer: deauthorizer, Registry: registry}
}

// Deauth handles Instagram's data deletion callback.
func (h *RESTHandler) Deauth(c *gin.Context) {
	envelope, ok := bindSignedRequest(c)
	if !ok {
		return
	}
	result, err := h.Deauthorizer.Deauth(c.Request.Context(), envelope)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UpdateSite adds or moves a site URL in the relay registry.
func (h *RESTHandler) UpdateSite(c *gin.Context) {
	envelope, ok := bindSignedRequest(c)
	if !ok {
		return
	}
	change, err := h.Registry.UpdateSite(c.Request.Context(), envelope)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// DeleteSite removes a site URL from the relay registry.
func (h *RESTHandler) DeleteSite(c *gin.Context) {
	envelope, ok := bindSignedRequest(c)
	if !ok {
		return
	}
	change, err := h.Registry.DeleteSite(c.Request.Context(), envelope)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, change)
}

// bindSignedRequest reads the required signed_request parameter from the
// body (form or JSON) or the query string and applies the structural check.
func bindSignedRequest(c *gin.Context) (string, bool) {
	value, found := signedRequestFromBody(c)
	if !found {
		value, found = c.GetQuery(signedRequestParam)
	}
	if !found || value == "" {
		writeREST(c, instagram.NewRESTError(CodeMissingParam, "Missing parameter(s): "+signedRequestParam, http.StatusBadRequest, nil))
		return "", false
	}
	if !signedrequest.Check(value) {
		writeREST(c, instagram.NewRESTError(CodeInvalidParam, "Invalid parameter(s): "+signedRequestParam, http.StatusBadRequest, nil))
		return "", false
	}
	return value, true
}

// signedRequestFromBody parses the body itself since net/http ignores
// form bodies of DELETE requests.
func signedRequestFromBody(c *gin.Context) (string, bool) {
	if c.Request.Body == nil {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil || len(body) == 0 {
		return "", false
	}

	switch contentType := c.ContentType(); {
	case strings.HasPrefix(contentType, "application/json"):
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			return "", false
		}
		value, ok := payload[signedRequestParam].(string)
		return value, ok
	default:
		form, err := url.ParseQuery(string(body))
		if err != nil || !form.Has(signedRequestParam) {
			return "", false
		}
		return form.Get(signedRequestParam), true
	}
}
