package authorizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/huohua/socialcall/internal/apicaller"
	"github.com/huohua/socialcall/internal/tokenstore"
)

// memStore is an in-memory TokenStore.
type memStore struct {
	mu       sync.Mutex
	token    string
	writeErr error
}

func (s *memStore) Read(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return "", tokenstore.ErrNotFound
	}
	return s.token, nil
}

func (s *memStore) Write(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.token = token
	return nil
}

// observerLog records flow outcomes.
type observerLog struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (o *observerLog) add(event string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
}

func (o *observerLog) OnAuthorizationSucceeded() { o.add("succeeded") }
func (o *observerLog) OnAuthorizationCanceled()  { o.add("canceled") }
func (o *observerLog) OnAuthorizationErrored(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
	o.add("errored")
}

func (o *observerLog) all() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.events...)
}

// tokenServer fakes the provider's token endpoint.
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *url.Values) {
	t.Helper()
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func newTestAuthorizer(tokenURL string, store tokenstore.TokenStore) *Authorizer {
	return New(&oauth2.Config{
		ClientID:     "app-key",
		ClientSecret: "app-secret",
		RedirectURL:  "http://127.0.0.1:4000/oauth/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   "https://provider.example/oauth2/authorize",
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, store)
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store", func(t *testing.T) {
		a := newTestAuthorizer("http://unused", &memStore{})
		require.NoError(t, a.Load(ctx))
		assert.False(t, a.IsAuthorized())
		_, err := a.CurrentToken()
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("valid token", func(t *testing.T) {
		raw, err := json.Marshal(&oauth2.Token{AccessToken: "stored", Expiry: time.Now().Add(time.Hour)})
		require.NoError(t, err)
		a := newTestAuthorizer("http://unused", &memStore{token: string(raw)})
		require.NoError(t, a.Load(ctx))
		assert.True(t, a.IsAuthorized())
		token, err := a.CurrentToken()
		require.NoError(t, err)
		assert.Equal(t, "stored", token)
	})

	t.Run("expired token", func(t *testing.T) {
		raw, err := json.Marshal(&oauth2.Token{AccessToken: "old", Expiry: time.Now().Add(-time.Hour)})
		require.NoError(t, err)
		a := newTestAuthorizer("http://unused", &memStore{token: string(raw)})
		require.NoError(t, a.Load(ctx))
		assert.False(t, a.IsAuthorized())
	})

	t.Run("bare access token", func(t *testing.T) {
		a := newTestAuthorizer("http://unused", &memStore{token: "plain-token"})
		require.NoError(t, a.Load(ctx))
		token, err := a.CurrentToken()
		require.NoError(t, err)
		assert.Equal(t, "plain-token", token)
	})

	t.Run("corrupt token", func(t *testing.T) {
		a := newTestAuthorizer("http://unused", &memStore{token: `{"access_token":`})
		assert.Error(t, a.Load(ctx))

		a = newTestAuthorizer("http://unused", &memStore{token: `{"token_type":"bearer"}`})
		assert.Error(t, a.Load(ctx))
	})
}

func TestStartAuthorizationFlow(t *testing.T) {
	a := newTestAuthorizer("http://unused", &memStore{})

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)
	require.NotNil(t, flow)

	authURL, err := url.Parse(flow.AuthURL)
	require.NoError(t, err)
	q := authURL.Query()
	assert.Equal(t, "app-key", q.Get("client_id"))
	assert.Equal(t, flow.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.NotEmpty(t, q.Get("code_challenge"))

	again, err := a.StartAuthorizationFlow()
	require.NoError(t, err)
	assert.Same(t, flow, again, "concurrent callers join the flow in progress")
	assert.Same(t, flow, a.CurrentFlow())

	unconfigured := New(&oauth2.Config{}, &memStore{})
	_, err = unconfigured.StartAuthorizationFlow()
	assert.Error(t, err)
}

func TestComplete_Succeeds(t *testing.T) {
	srv, form := tokenServer(t, http.StatusOK, `{"access_token":"tok123","expires_in":3600,"uid":"42"}`)
	store := &memStore{}
	a := newTestAuthorizer(srv.URL, store)
	obs := &observerLog{}
	a.Observe(obs)

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)

	require.NoError(t, a.Complete(context.Background(), "the-code", flow.State))

	assert.Equal(t, []string{"succeeded"}, obs.all())
	assert.True(t, a.IsAuthorized())
	token, err := a.CurrentToken()
	require.NoError(t, err)
	assert.Equal(t, "tok123", token)
	assert.Nil(t, a.CurrentFlow())

	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "app-secret", form.Get("client_secret"))
	assert.Equal(t, flow.verifier, form.Get("code_verifier"))

	var stored oauth2.Token
	require.NoError(t, json.Unmarshal([]byte(store.token), &stored))
	assert.Equal(t, "tok123", stored.AccessToken)
}

func TestComplete_PersistFailureKeepsToken(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"tok123","expires_in":3600}`)
	a := newTestAuthorizer(srv.URL, &memStore{writeErr: errors.New("disk full")})
	obs := &observerLog{}
	a.Observe(obs)

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)
	require.NoError(t, a.Complete(context.Background(), "code", flow.State))

	assert.True(t, a.IsAuthorized())
	assert.Equal(t, []string{"succeeded"}, obs.all())
}

func TestComplete_StateMismatchKeepsFlowOpen(t *testing.T) {
	a := newTestAuthorizer("http://unused", &memStore{})
	obs := &observerLog{}
	a.Observe(obs)

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)

	assert.ErrorIs(t, a.Complete(context.Background(), "code", "forged"), ErrStateMismatch)
	assert.Same(t, flow, a.CurrentFlow())
	assert.Empty(t, obs.all())

	assert.ErrorIs(t, New(&oauth2.Config{ClientID: "x"}, &memStore{}).Complete(context.Background(), "code", "s"), ErrNoFlow)
}

func TestComplete_ExchangeFailure(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_code":21325}`)
	a := newTestAuthorizer(srv.URL, &memStore{})
	obs := &observerLog{}
	a.Observe(obs)

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)

	assert.Error(t, a.Complete(context.Background(), "code", flow.State))
	assert.Equal(t, []string{"errored"}, obs.all())
	assert.Error(t, obs.err)
	assert.False(t, a.IsAuthorized())
	assert.Nil(t, a.CurrentFlow())
}

func TestCancelAndFail(t *testing.T) {
	a := newTestAuthorizer("http://unused", &memStore{})
	obs := &observerLog{}
	unsubscribe := a.Observe(obs)

	assert.False(t, a.Cancel(), "nothing to cancel without a flow")
	assert.False(t, a.Fail(errors.New("x")))

	_, err := a.StartAuthorizationFlow()
	require.NoError(t, err)
	assert.True(t, a.Cancel())

	_, err = a.StartAuthorizationFlow()
	require.NoError(t, err)
	assert.True(t, a.Fail(errors.New("provider down")))

	assert.Equal(t, []string{"canceled", "errored"}, obs.all())

	unsubscribe()
	unsubscribe()
	_, err = a.StartAuthorizationFlow()
	require.NoError(t, err)
	a.Cancel()
	assert.Len(t, obs.all(), 2, "unsubscribed observer is not notified")
}

func TestCancelStateAndFailState(t *testing.T) {
	a := newTestAuthorizer("http://unused", &memStore{})
	obs := &observerLog{}
	a.Observe(obs)

	assert.ErrorIs(t, a.CancelState("any"), ErrNoFlow)
	assert.ErrorIs(t, a.FailState("any", errors.New("x")), ErrNoFlow)

	flow, err := a.StartAuthorizationFlow()
	require.NoError(t, err)
	assert.ErrorIs(t, a.CancelState(""), ErrStateMismatch)
	assert.ErrorIs(t, a.FailState("forged", errors.New("x")), ErrStateMismatch)
	assert.Same(t, flow, a.CurrentFlow())
	assert.Empty(t, obs.all())

	require.NoError(t, a.CancelState(flow.State))
	assert.Nil(t, a.CurrentFlow())

	flow, err = a.StartAuthorizationFlow()
	require.NoError(t, err)
	require.NoError(t, a.FailState(flow.State, errors.New("provider down")))

	assert.Equal(t, []string{"canceled", "errored"}, obs.all())
	assert.EqualError(t, obs.err, "provider down")
}

func TestLogout(t *testing.T) {
	raw, err := json.Marshal(&oauth2.Token{AccessToken: "stored"})
	require.NoError(t, err)
	store := &memStore{token: string(raw)}
	a := newTestAuthorizer("http://unused", store)
	require.NoError(t, a.Load(context.Background()))
	require.True(t, a.IsAuthorized())

	require.NoError(t, a.Logout(context.Background()))
	assert.False(t, a.IsAuthorized())
	assert.Nil(t, a.Token())
	assert.Empty(t, store.token)
}

// recordingTransport captures dispatched requests and completes them at once.
type recordingTransport struct {
	mu     sync.Mutex
	tokens []string
}

func (t *recordingTransport) Dispatch(_ context.Context, req *apicaller.Request, cb apicaller.TransportCallback) {
	t.mu.Lock()
	t.tokens = append(t.tokens, req.Params.Get(apicaller.AccessTokenParam))
	t.mu.Unlock()
	cb.OnComplete(`{"id":1}`)
}

func TestCaller_DeferredCallCompletesAfterLogin(t *testing.T) {
	srv, _ := tokenServer(t, http.StatusOK, `{"access_token":"tok123","expires_in":3600}`)
	a := newTestAuthorizer(srv.URL, &memStore{})
	transport := &recordingTransport{}
	relay := apicaller.NewRelay()

	caller, err := apicaller.NewCaller[*Flow](a, transport, relay)
	require.NoError(t, err)

	var results []string
	listener := apicaller.ListenerFuncs{Succeeded: func(r string) { results = append(results, r) }}

	req := apicaller.NewRequest("POST", "/statuses/update.json")
	req.Params.Set("status", "hi")
	flow, err := caller.Call(context.Background(), req, listener)
	require.NoError(t, err)
	require.NotNil(t, flow)

	require.NoError(t, a.Complete(context.Background(), "code", flow.State))
	relay.Drain()

	assert.Equal(t, []string{"tok123"}, transport.tokens)
	assert.Equal(t, []string{`{"id":1}`}, results)

	// Once authorized, calls dispatch immediately and return no flow.
	flow, err = caller.Call(context.Background(), apicaller.NewRequest("GET", "/users/show.json"), listener)
	require.NoError(t, err)
	assert.Nil(t, flow)
	relay.Drain()
	assert.Len(t, results, 2)
}
