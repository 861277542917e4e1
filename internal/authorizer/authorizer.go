package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/huohua/socialcall/internal/apicaller"
	"github.com/huohua/socialcall/internal/tokenstore"
)

var (
	// ErrNotAuthorized is returned by CurrentToken when no valid token is held.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNoFlow is returned when completing a flow that is not in progress.
	ErrNoFlow = errors.New("no authorization flow in progress")

	// ErrStateMismatch is returned when the redirect state does not match the flow.
	ErrStateMismatch = errors.New("state mismatch")
)

// Endpoint is the social API's OAuth2 endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://api.weibo.com/oauth2/authorize",
	TokenURL:  "https://api.weibo.com/oauth2/access_token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// Flow is an authorization flow awaiting the user's consent. It is the opaque
// handle returned by apicaller.Caller when a call needs authorization.
type Flow struct {
	// AuthURL must be opened by the user to grant access.
	AuthURL string
	// State identifies the flow on the redirect.
	State     string
	StartedAt time.Time

	verifier string
}

// Authorizer handles the OAuth2 authorization-code flow and holds the current
// token. All methods are safe for concurrent use.
type Authorizer struct {
	config *oauth2.Config
	store  tokenstore.TokenStore
	client *http.Client

	mu        sync.Mutex
	token     *oauth2.Token
	flow      *Flow
	observers map[uint64]apicaller.AuthObserver
	nextID    uint64
}

// Compile-time check that Authorizer implements apicaller.Authorizer interface
var _ apicaller.Authorizer[*Flow] = (*Authorizer)(nil)

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithHTTPClient sets the client used for token exchange.
func WithHTTPClient(client *http.Client) Option {
	return func(a *Authorizer) {
		if client != nil {
			a.client = client
		}
	}
}

// New creates an authorizer for config, persisting tokens in store.
func New(config *oauth2.Config, store tokenstore.TokenStore, opts ...Option) *Authorizer {
	a := &Authorizer{
		config: config,
		store:  store,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		observers: map[uint64]apicaller.AuthObserver{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Load restores a persisted token. A missing token is not an error.
func (a *Authorizer) Load(ctx context.Context) error {
	raw, err := a.store.Read(ctx)
	if errors.Is(err, tokenstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading token: %w", err)
	}

	token, err := decodeToken(raw)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.token = token
	a.mu.Unlock()

	if !token.Valid() {
		slog.InfoContext(ctx, "stored token expired, authorization required", "expiry", token.Expiry)
	}
	return nil
}

// IsAuthorized reports whether a non-expired token is held.
func (a *Authorizer) IsAuthorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token.Valid()
}

// CurrentToken returns the access token, or ErrNotAuthorized.
func (a *Authorizer) CurrentToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.token.Valid() {
		return "", ErrNotAuthorized
	}
	return a.token.AccessToken, nil
}

// Token returns a copy of the held token, or nil.
func (a *Authorizer) Token() *oauth2.Token {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token == nil {
		return nil
	}
	token := *a.token
	return &token
}

// StartAuthorizationFlow returns the flow in progress or starts a new one.
// The state parameter guards the redirect against CSRF; a separate PKCE
// verifier is sent on exchange.
func (a *Authorizer) StartAuthorizationFlow() (*Flow, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.flow != nil {
		return a.flow, nil
	}
	if a.config == nil || a.config.ClientID == "" {
		return nil, errors.New("oauth2 client id is not configured")
	}

	verifier := oauth2.GenerateVerifier()
	state := uuid.NewString()
	a.flow = &Flow{
		AuthURL:   a.config.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier)),
		State:     state,
		StartedAt: time.Now(),
		verifier:  verifier,
	}
	slog.Debug("authorization flow started", "state", state)
	return a.flow, nil
}

// CurrentFlow returns the flow in progress, or nil.
func (a *Authorizer) CurrentFlow() *Flow {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flow
}

// Complete exchanges the authorization code for a token and ends the flow.
// A state mismatch leaves the flow open; an exchange failure ends it as errored.
func (a *Authorizer) Complete(ctx context.Context, code, state string) error {
	if code == "" {
		return errors.New("authorization code cannot be empty")
	}

	a.mu.Lock()
	flow := a.flow
	a.mu.Unlock()

	if flow == nil {
		return ErrNoFlow
	}
	if state != flow.State {
		return ErrStateMismatch
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, a.client)
	token, exchangeErr := a.config.Exchange(exchangeCtx, code, oauth2.VerifierOption(flow.verifier))

	a.mu.Lock()
	if a.flow != flow {
		a.mu.Unlock()
		return ErrNoFlow
	}
	a.flow = nil
	if exchangeErr == nil {
		a.token = token
	}
	observers := a.snapshotLocked()
	a.mu.Unlock()

	if exchangeErr != nil {
		err := fmt.Errorf("exchanging authorization code: %w", exchangeErr)
		slog.WarnContext(ctx, "authorization flow errored", "error", err)
		notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationErrored(err) })
		return err
	}

	if err := a.persist(ctx, token); err != nil {
		// The token stays usable in memory for this process.
		slog.WarnContext(ctx, "failed to persist token", "error", err)
	}

	slog.InfoContext(ctx, "authorization flow succeeded", "expiry", token.Expiry)
	notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationSucceeded() })
	return nil
}

// Cancel ends the flow in progress as canceled. It reports whether a flow was ended.
func (a *Authorizer) Cancel() bool {
	observers, ok := a.endFlow()
	if !ok {
		return false
	}
	slog.Info("authorization flow canceled")
	notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationCanceled() })
	return true
}

// Fail ends the flow in progress as errored. It reports whether a flow was ended.
func (a *Authorizer) Fail(err error) bool {
	observers, ok := a.endFlow()
	if !ok {
		return false
	}
	slog.Warn("authorization flow errored", "error", err)
	notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationErrored(err) })
	return true
}

// Logout forgets the token and clears it from storage.
func (a *Authorizer) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.token = nil
	a.mu.Unlock()

	if err := a.store.Write(ctx, ""); err != nil {
		return fmt.Errorf("clearing token: %w", err)
	}
	return nil
}

// Observe subscribes obs to flow outcomes. The returned function unsubscribes
// and may be called more than once.
func (a *Authorizer) Observe(obs apicaller.AuthObserver) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.observers[id] = obs
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.observers, id)
		a.mu.Unlock()
	}
}

// CancelState cancels the flow in progress if state matches it. A mismatch
// returns ErrStateMismatch and leaves the flow open.
func (a *Authorizer) CancelState(state string) error {
	observers, err := a.endFlowState(state)
	if err != nil {
		return err
	}
	slog.Info("authorization flow canceled")
	notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationCanceled() })
	return nil
}

// FailState ends the flow in progress as errored if state matches it.
func (a *Authorizer) FailState(state string, cause error) error {
	observers, err := a.endFlowState(state)
	if err != nil {
		return err
	}
	slog.Warn("authorization flow errored", "error", cause)
	notify(observers, func(o apicaller.AuthObserver) { o.OnAuthorizationErrored(cause) })
	return nil
}

func (a *Authorizer) endFlowState(state string) ([]apicaller.AuthObserver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flow == nil {
		return nil, ErrNoFlow
	}
	if state != a.flow.State {
		return nil, ErrStateMismatch
	}
	a.flow = nil
	return a.snapshotLocked(), nil
}

func (a *Authorizer) endFlow() ([]apicaller.AuthObserver, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.flow == nil {
		return nil, false
	}
	a.flow = nil
	return a.snapshotLocked(), true
}

func (a *Authorizer) snapshotLocked() []apicaller.AuthObserver {
	observers := make([]apicaller.AuthObserver, 0, len(a.observers))
	for _, obs := range a.observers {
		observers = append(observers, obs)
	}
	return observers
}

func (a *Authorizer) persist(ctx context.Context, token *oauth2.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling token: %w", err)
	}
	return a.store.Write(ctx, string(data))
}

// notify runs fn for every observer. Called without holding a.mu, since
// observers unsubscribe from inside their callbacks.
func notify(observers []apicaller.AuthObserver, fn func(apicaller.AuthObserver)) {
	for _, obs := range observers {
		fn(obs)
	}
}

// decodeToken accepts a JSON-encoded oauth2.Token or a bare access token.
func decodeToken(raw string) (*oauth2.Token, error) {
	if !strings.HasPrefix(raw, "{") {
		return &oauth2.Token{AccessToken: raw}, nil
	}

	var token oauth2.Token
	if err := json.Unmarshal([]byte(raw), &token); err != nil {
		return nil, fmt.Errorf("decoding stored token: %w", err)
	}
	if token.AccessToken == "" {
		return nil, errors.New("stored token has no access token")
	}
	return &token, nil
}
