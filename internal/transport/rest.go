// Package transport dispatches API requests over HTTP and reports each outcome
// to an apicaller.TransportCallback from a background goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/huohua/socialcall/internal/apicaller"
)

const (
	defaultTimeout                = 30 * time.Second
	defaultMaxResponseBytes int64 = 10 << 20 // 10 MiB
	defaultUserAgent              = "socialcall"
)

// ErrResponseTooLarge is reported when a response body exceeds the configured limit.
var ErrResponseTooLarge = errors.New("response body exceeds limit")

// HTTPDoer executes HTTP requests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a REST transport. Zero values fall back to defaults.
type Options struct {
	// BaseURL resolves relative request URLs.
	BaseURL          string
	UserAgent        string
	Timeout          time.Duration
	MaxResponseBytes int64
	Client           HTTPDoer
}

// REST is an asynchronous HTTP transport for apicaller.Caller.
type REST struct {
	client   HTTPDoer
	baseURL  *url.URL
	agent    string
	maxBytes int64

	wg sync.WaitGroup
}

// Compile-time check that REST implements apicaller.Transport interface
var _ apicaller.Transport = (*REST)(nil)

// NewREST creates a transport from opts.
func NewREST(opts Options) (*REST, error) {
	t := &REST{
		client:   opts.Client,
		agent:    opts.UserAgent,
		maxBytes: opts.MaxResponseBytes,
	}
	if t.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		t.client = &http.Client{Timeout: timeout}
	}
	if t.agent == "" {
		t.agent = defaultUserAgent
	}
	if t.maxBytes <= 0 {
		t.maxBytes = defaultMaxResponseBytes
	}

	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url: %w", err)
		}
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		t.baseURL = base
	}

	return t, nil
}

// Dispatch sends req on a new goroutine and reports exactly one outcome to cb.
func (t *REST) Dispatch(ctx context.Context, req *apicaller.Request, cb apicaller.TransportCallback) {
	httpReq, err := t.newHTTPRequest(ctx, req)
	if err != nil {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			cb.OnTransportError(err)
		}()
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.do(httpReq, cb)
	}()
}

// Wait blocks until all in-flight dispatches have reported their outcome.
func (t *REST) Wait() {
	t.wg.Wait()
}

// Shutdown waits for in-flight dispatches or until ctx is done.
func (t *REST) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight api calls: %w", ctx.Err())
	}
}

func (t *REST) do(httpReq *http.Request, cb apicaller.TransportCallback) {
	ctx := httpReq.Context()
	start := time.Now()

	resp, err := t.client.Do(httpReq)
	if err != nil {
		slog.DebugContext(ctx, "api request failed", "url", redactedURL(httpReq.URL), "error", err)
		cb.OnTransportError(fmt.Errorf("executing request: %w", err))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
	if err != nil {
		cb.OnTransportError(fmt.Errorf("reading response body: %w", err))
		return
	}
	if int64(len(body)) > t.maxBytes {
		cb.OnTransportError(fmt.Errorf("%w of %d bytes", ErrResponseTooLarge, t.maxBytes))
		return
	}

	slog.DebugContext(ctx, "api request completed",
		"method", httpReq.Method,
		"url", redactedURL(httpReq.URL),
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		cb.OnProtocolError(parseAPIError(resp.StatusCode, http.StatusText(resp.StatusCode), body))
		return
	}
	cb.OnComplete(string(body))
}

// newHTTPRequest encodes params into the query for GET/DELETE and into a form
// body otherwise.
func (t *REST) newHTTPRequest(ctx context.Context, req *apicaller.Request) (*http.Request, error) {
	target, err := t.resolve(req.URL)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
		query := target.Query()
		for key, values := range req.Params {
			for _, v := range values {
				query.Add(key, v)
			}
		}
		target.RawQuery = query.Encode()
	default:
		body = strings.NewReader(req.Params.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", t.agent)

	// Propagate trace context to the API
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	return httpReq, nil
}

func (t *REST) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}
	if ref.IsAbs() {
		return ref, nil
	}
	if t.baseURL == nil {
		return nil, fmt.Errorf("relative url %q requires a base url", raw)
	}
	return t.baseURL.ResolveReference(&url.URL{
		Path:     strings.TrimPrefix(ref.Path, "/"),
		RawQuery: ref.RawQuery,
	}), nil
}

// redactedURL drops the query so access tokens never reach the logs.
func redactedURL(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}
