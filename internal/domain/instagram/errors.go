package instagram

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrOAuthExchangeFailed wraps any failure of the code exchange or long-lived upgrade.
	ErrOAuthExchangeFailed = errors.New("instagram: oauth exchange failed")
	// ErrInvalidSignature indicates an envelope whose HMAC does not match.
	ErrInvalidSignature = errors.New("instagram: invalid signature")
	// ErrMalformedEnvelope indicates an envelope without a separator or with undecodable parts.
	ErrMalformedEnvelope = errors.New("instagram: malformed signed request")
	// ErrMalformedPayload indicates a correctly signed payload that is not a JSON object.
	ErrMalformedPayload = errors.New("instagram: malformed signed request payload")
	// ErrInvalidSignedRequest indicates a verified payload missing required fields.
	ErrInvalidSignedRequest = errors.New("instagram: invalid signed request")
	// ErrInvalidState indicates a malformed auth callback state or an unknown nonce.
	ErrInvalidState = errors.New("instagram: invalid state")
	// ErrInvalidBlogID indicates the state referenced a site that does not exist.
	ErrInvalidBlogID = errors.New("instagram: invalid blog id")
	// ErrMissingCode indicates the auth callback carried no code.
	ErrMissingCode = errors.New("instagram: missing code")
	// ErrProviderProfile indicates the profile endpoint rejected the stored token.
	ErrProviderProfile = errors.New("instagram: profile error")
	// ErrMissingSecret indicates the app secret is not configured.
	ErrMissingSecret = errors.New("instagram: missing app secret")
	// ErrSiteNotFound signals an unknown site id or host.
	ErrSiteNotFound = errors.New("instagram: site not found")
)

// ProviderError is an error reported by the provider in a response body.
type ProviderError struct {
	Type    string
	Message string
	Code    int
}

func (e *ProviderError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// IsAuthError reports whether the provider rejected the access token itself.
func (e *ProviderError) IsAuthError() bool {
	return e.Type == "OAuthException" || e.Code == 190 || e.Code == http.StatusUnauthorized
}

// RESTError pairs a WP_Error style code with an HTTP status.
type RESTError struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *RESTError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RESTError) Unwrap() error {
	return e.Err
}

// NewRESTError constructs a RESTError around a taxonomy error.
func NewRESTError(code, message string, status int, err error) *RESTError {
	return &RESTError{Code: code, Message: message, Status: status, Err: err}
}

// ProviderMessage extracts the human readable provider message from err, if any.
func ProviderMessage(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) && perr.Message != "" {
		return perr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
