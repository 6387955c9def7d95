package handler

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/instagram-connect/internal/domain/instagram"
	"github.com/smallbiznis/instagram-connect/internal/http/middleware"
)

// REST error codes.
const (
	CodeInvalidSecret        = "rest_innocode_instagram_invalid_secret"
	CodeInvalidSignature     = "rest_innocode_instagram_invalid_signature"
	CodeMalformedRequest     = "rest_innocode_instagram_malformed_signed_request"
	CodeInvalidSignedRequest = "rest_innocode_instagram_invalid_signed_request"
	CodeMissingParam         = "rest_missing_callback_param"
	CodeInvalidParam         = "rest_invalid_param"
	CodeNotFound             = "rest_no_route"
	CodeInternal             = "rest_internal_error"
)

// writeREST renders err in the WP_Error shape.
func writeREST(c *gin.Context, err *instagram.RESTError) {
	c.AbortWithStatusJSON(err.Status, gin.H{
		"code":    err.Code,
		"message": err.Message,
		"data":    gin.H{"status": err.Status},
	})
}

// restError maps a service error onto its REST representation.
func restError(err error) *instagram.RESTError {
	var rerr *instagram.RESTError
	if errors.As(err, &rerr) {
		return rerr
	}
	switch {
	case errors.Is(err, instagram.ErrMissingSecret):
		return instagram.NewRESTError(CodeInvalidSecret, "Invalid APP secret.", http.StatusInternalServerError, err)
	case errors.Is(err, instagram.ErrInvalidSignature):
		return instagram.NewRESTError(CodeInvalidSignature, "Invalid signature.", http.StatusForbidden, err)
	case errors.Is(err, instagram.ErrMalformedEnvelope), errors.Is(err, instagram.ErrMalformedPayload):
		return instagram.NewRESTError(CodeMalformedRequest, "Malformed signed request.", http.StatusForbidden, err)
	case errors.Is(err, instagram.ErrInvalidSignedRequest):
		return instagram.NewRESTError(CodeInvalidSignedRequest, "Invalid signed request.", http.StatusBadRequest, err)
	default:
		return instagram.NewRESTError(CodeInternal, "Internal server error.", http.StatusInternalServerError, err)
	}
}

func respondServiceError(c *gin.Context, err error) {
	rerr := restError(err)
	if rerr.Status >= http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.String("path", c.Request.URL.Path),
			zap.Error(err),
		)
	}
	writeREST(c, rerr)
}

var diePage = template.Must(template.New("die").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p>{{if .ReturnURL}}<p><a href="{{.ReturnURL}}">Return to {{.ReturnName}}</a>.</p>{{end}}</body></html>
`))

type dieData struct {
	Title      string
	Message    string
	ReturnURL  string
	ReturnName string
}

// die renders a minimal HTML error page for browser routes.
func die(c *gin.Context, status int, data dieData) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(status)
	if err := diePage.Execute(c.Writer, data); err != nil {
		zap.L().Error("render error page", zap.Error(err))
	}
	c.Abort()
}
