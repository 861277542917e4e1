package transport

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// APIError is an error response returned by the social API.
type APIError struct {
	StatusCode int
	// Code is the provider's numeric error_code, 0 when absent.
	Code int64
	// Message is the provider's error text, or the HTTP status text.
	Message string
	// Request is the API path the provider reports the error for.
	Request string
	// Body is the raw response body.
	Body string
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d (http %d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error (http %d): %s", e.StatusCode, e.Message)
}

// parseAPIError builds an APIError from a non-2xx response. Bodies that are not
// the provider's JSON error shape keep the HTTP status text as message.
func parseAPIError(statusCode int, statusText string, body []byte) *APIError {
	apiErr := &APIError{
		StatusCode: statusCode,
		Message:    statusText,
		Body:       string(body),
	}
	if !gjson.ValidBytes(body) {
		return apiErr
	}

	fields := gjson.GetManyBytes(body, "error", "error_code", "request")
	if msg := fields[0].String(); msg != "" {
		apiErr.Message = msg
	}
	apiErr.Code = fields[1].Int()
	apiErr.Request = fields[2].String()
	return apiErr
}
