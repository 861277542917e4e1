package authorizer

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"
)

// accessDeniedCode is the provider's error_code for a user declining consent.
const accessDeniedCode = "21330"

// ProviderError is an error reported by the provider on the redirect.
type ProviderError struct {
	Code        string
	ErrorCode   string
	Description string
}

func (e *ProviderError) Error() string {
	msg := "authorization provider error"
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.ErrorCode != "" {
		msg += " (" + e.ErrorCode + ")"
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

var callbackPage = template.Must(template.New("callback").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body><h1>{{.Title}}</h1><p>{{.Message}}</p></body></html>
`))

// CallbackHandler handles the OAuth2 redirect. It completes, cancels or fails
// the flow in progress according to the query parameters. Every outcome
// requires the flow's state; redirects without it are rejected with 400.
func (a *Authorizer) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		query := r.URL.Query()

		if errCode, errNumber := query.Get("error"), query.Get("error_code"); errCode != "" || errNumber != "" {
			state := query.Get("state")
			if errCode == "access_denied" || errNumber == accessDeniedCode {
				if err := a.CancelState(state); err != nil {
					rejectCallback(ctx, w, err)
					return
				}
				writeCallbackPage(ctx, w, http.StatusOK, "Authorization canceled", "You can close this window.")
				return
			}

			err := a.FailState(state, &ProviderError{
				Code:        errCode,
				ErrorCode:   errNumber,
				Description: query.Get("error_description"),
			})
			if err != nil {
				rejectCallback(ctx, w, err)
				return
			}
			writeCallbackPage(ctx, w, http.StatusBadRequest, "Authorization failed", "The provider reported an error.")
			return
		}

		code := query.Get("code")
		if code == "" {
			writeCallbackPage(ctx, w, http.StatusBadRequest, "Authorization failed", "Missing authorization code.")
			return
		}

		// Detached from the request so a closed browser tab does not abort the exchange.
		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()

		err := a.Complete(exchangeCtx, code, query.Get("state"))
		switch {
		case err == nil:
			writeCallbackPage(ctx, w, http.StatusOK, "Authorization complete", "You can close this window.")
		case errors.Is(err, ErrNoFlow), errors.Is(err, ErrStateMismatch):
			rejectCallback(ctx, w, err)
		default:
			writeCallbackPage(ctx, w, http.StatusBadGateway, "Authorization failed", fmt.Sprintf("Token exchange failed: %v", err))
		}
	}
}

// rejectCallback answers a redirect that does not belong to the flow in progress.
func rejectCallback(ctx context.Context, w http.ResponseWriter, err error) {
	slog.WarnContext(ctx, "rejected authorization callback", "error", err)
	writeCallbackPage(ctx, w, http.StatusBadRequest, "Authorization failed", "This authorization request is unknown or expired.")
}

func writeCallbackPage(ctx context.Context, w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	err := callbackPage.Execute(w, struct{ Title, Message string }{title, message})
	if err != nil {
		slog.ErrorContext(ctx, "failed to write callback page", "error", err)
	}
}
