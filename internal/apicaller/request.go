package apicaller

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AccessTokenParam is the request parameter carrying the access token.
const AccessTokenParam = "access_token"

var (
	ErrNilRequest        = errors.New("nil request")
	ErrMissingURL        = errors.New("request url is required")
	ErrUnsupportedMethod = errors.New("unsupported http method")
)

// Request is an API request built by the caller. The caller only mutates it to
// inject the access token right before dispatch.
type Request struct {
	URL    string
	Method string
	Params url.Values
}

// NewRequest creates a request with an empty parameter set.
func NewRequest(method, rawURL string) *Request {
	return &Request{
		URL:    rawURL,
		Method: method,
		Params: url.Values{},
	}
}

// SetAccessToken sets the access token parameter, replacing any previous value.
func (r *Request) SetAccessToken(token string) {
	if r.Params == nil {
		r.Params = url.Values{}
	}
	r.Params.Set(AccessTokenParam, token)
}

// Validate checks that the request has a usable endpoint and verb.
// An empty method defaults to GET.
func (r *Request) Validate() error {
	if r == nil {
		return ErrNilRequest
	}
	if strings.TrimSpace(r.URL) == "" {
		return ErrMissingURL
	}
	if _, err := url.Parse(r.URL); err != nil {
		return fmt.Errorf("invalid request url: %w", err)
	}

	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	switch r.Method {
	case "":
		r.Method = http.MethodGet
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, r.Method)
	}
	return nil
}
