package apicaller

import (
	"context"
	"errors"
	"net/url"
	"sync"
)

// fakeAuthorizer is a controllable Authorizer whose flow handle is a string.
type fakeAuthorizer struct {
	mu         sync.Mutex
	authorized bool
	token      string
	tokenErr   error
	startErr   error
	// beforeStart runs outside the lock when a flow is started.
	beforeStart func()
	flows       int
	observers   map[int]AuthObserver
	nextID      int
}

func newFakeAuthorizer(authorized bool, token string) *fakeAuthorizer {
	return &fakeAuthorizer{
		authorized: authorized,
		token:      token,
		observers:  map[int]AuthObserver{},
	}
}

func (a *fakeAuthorizer) IsAuthorized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.authorized
}

func (a *fakeAuthorizer) CurrentToken() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tokenErr != nil {
		return "", a.tokenErr
	}
	if !a.authorized {
		return "", errors.New("not authorized")
	}
	return a.token, nil
}

func (a *fakeAuthorizer) StartAuthorizationFlow() (string, error) {
	if a.beforeStart != nil {
		a.beforeStart()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return "", a.startErr
	}
	a.flows++
	return "https://auth.example/authorize", nil
}

func (a *fakeAuthorizer) Observe(obs AuthObserver) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.observers[id] = obs
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

func (a *fakeAuthorizer) observerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.observers)
}

func (a *fakeAuthorizer) snapshot() []AuthObserver {
	a.mu.Lock()
	defer a.mu.Unlock()
	observers := make([]AuthObserver, 0, len(a.observers))
	for _, obs := range a.observers {
		observers = append(observers, obs)
	}
	return observers
}

// succeed authorizes with token and notifies observers outside the lock.
func (a *fakeAuthorizer) succeed(token string) {
	a.mu.Lock()
	a.authorized = true
	a.token = token
	a.mu.Unlock()
	for _, obs := range a.snapshot() {
		obs.OnAuthorizationSucceeded()
	}
}

func (a *fakeAuthorizer) cancel() {
	for _, obs := range a.snapshot() {
		obs.OnAuthorizationCanceled()
	}
}

func (a *fakeAuthorizer) fail(err error) {
	for _, obs := range a.snapshot() {
		obs.OnAuthorizationErrored(err)
	}
}

type dispatched struct {
	ctx    context.Context
	url    string
	method string
	params url.Values
	cb     TransportCallback
}

// fakeTransport records dispatches; tests complete them through the callback.
type fakeTransport struct {
	mu    sync.Mutex
	calls []dispatched
	// respond, when set, completes each dispatch on a new goroutine.
	respond func(d dispatched)
}

func (t *fakeTransport) Dispatch(ctx context.Context, req *Request, cb TransportCallback) {
	params := url.Values{}
	for k, v := range req.Params {
		params[k] = append([]string(nil), v...)
	}
	d := dispatched{ctx: ctx, url: req.URL, method: req.Method, params: params, cb: cb}

	t.mu.Lock()
	t.calls = append(t.calls, d)
	respond := t.respond
	t.mu.Unlock()

	if respond != nil {
		go respond(d)
	}
}

func (t *fakeTransport) dispatches() []dispatched {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]dispatched(nil), t.calls...)
}

type outcome struct {
	kind   Kind
	result string
	err    error
}

// recordingListener captures terminal notifications.
type recordingListener struct {
	mu       sync.Mutex
	outcomes []outcome
	notify   chan outcome
}

func newRecordingListener() *recordingListener {
	return &recordingListener{notify: make(chan outcome, 16)}
}

func (l *recordingListener) record(o outcome) {
	l.mu.Lock()
	l.outcomes = append(l.outcomes, o)
	l.mu.Unlock()
	l.notify <- o
}

func (l *recordingListener) OnAPICallSucceeded(result string) {
	l.record(outcome{kind: KindSucceeded, result: result})
}

func (l *recordingListener) OnAPICallFailed(err error) {
	l.record(outcome{kind: KindFailed, err: err})
}

func (l *recordingListener) OnAuthorizationFailed() {
	l.record(outcome{kind: KindAuthFailed})
}

func (l *recordingListener) all() []outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]outcome(nil), l.outcomes...)
}

// countingRecorder counts lifecycle events.
type countingRecorder struct {
	mu       sync.Mutex
	started  map[bool]int
	finished map[Kind]int
	auth     map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{started: map[bool]int{}, finished: map[Kind]int{}, auth: map[string]int{}}
}

func (r *countingRecorder) CallStarted(_ *Request, deferred bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[deferred]++
}

func (r *countingRecorder) CallFinished(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished[kind]++
}

func (r *countingRecorder) AuthorizationOutcome(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auth[outcome]++
}
