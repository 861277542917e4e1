package apicaller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrAuthorizationCanceled is logged when the call's context ends before the
// authorization flow produced an outcome.
var ErrAuthorizationCanceled = errors.New("authorization abandoned by caller")

// Caller attaches access tokens to requests and dispatches them, deferring
// dispatch behind an authorization flow when no token is available.
type Caller[H any] struct {
	authorizer Authorizer[H]
	transport  Transport
	relay      *Relay
	recorder   Recorder
}

// Option configures a Caller.
type Option func(*options)

type options struct {
	recorder Recorder
}

// WithRecorder reports call lifecycle events to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// NewCaller creates a Caller delivering outcomes through relay.
func NewCaller[H any](authorizer Authorizer[H], transport Transport, relay *Relay, opts ...Option) (*Caller[H], error) {
	if authorizer == nil {
		return nil, fmt.Errorf("authorizer cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if relay == nil {
		return nil, fmt.Errorf("relay cannot be nil")
	}

	o := options{recorder: noopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}

	return &Caller[H]{
		authorizer: authorizer,
		transport:  transport,
		relay:      relay,
		recorder:   o.recorder,
	}, nil
}

// Relay returns the relay outcomes are delivered through.
func (c *Caller[H]) Relay() *Relay {
	return c.relay
}

// Call dispatches req, or starts an authorization flow and dispatches once it
// succeeds. When a flow is started its handle is returned and must be surfaced
// to the user; otherwise the zero handle is returned.
//
// listener receives exactly one terminal notification through the relay. A nil
// listener drops all outcomes. A non-nil error means req was rejected and the
// listener will not be notified.
func (c *Caller[H]) Call(ctx context.Context, req *Request, listener Listener) (H, error) {
	var none H
	if err := req.Validate(); err != nil {
		return none, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	call := &call{
		id:       uuid.NewString(),
		ctx:      ctx,
		req:      req,
		listener: listener,
		relay:    c.relay,
		recorder: c.recorder,
	}

	if c.authorizer.IsAuthorized() {
		c.recorder.CallStarted(req, false)
		c.dispatch(call)
		return none, nil
	}

	c.recorder.CallStarted(req, true)
	return c.deferCall(call), nil
}

// dispatch injects the current token and hands the request to the transport.
func (c *Caller[H]) dispatch(call *call) {
	token, err := c.authorizer.CurrentToken()
	if err != nil {
		slog.WarnContext(call.ctx, "token unavailable, failing call", "call_id", call.id, "error", err)
		call.finish(Message{Kind: KindAuthFailed})
		return
	}

	call.req.SetAccessToken(token)
	slog.DebugContext(call.ctx, "dispatching api call",
		"call_id", call.id, "method", call.req.Method, "url", call.req.URL)
	c.transport.Dispatch(call.ctx, call.req, call)
}

// deferCall subscribes a one-shot observer for call and starts the flow.
func (c *Caller[H]) deferCall(call *call) H {
	var none H

	p := &pendingCall{caller: c, call: call}
	p.bind(c.authorizer.Observe(p))

	if call.ctx.Done() != nil {
		stop := context.AfterFunc(call.ctx, func() {
			p.OnAuthorizationErrored(ErrAuthorizationCanceled)
		})
		p.onRelease(func() { stop() })
	}

	handle, err := c.authorizer.StartAuthorizationFlow()
	if err != nil {
		slog.ErrorContext(call.ctx, "failed to start authorization flow", "call_id", call.id, "error", err)
		p.OnAuthorizationErrored(err)
		return none
	}

	// A flow that ended between Observe and StartAuthorizationFlow already
	// settled this call; the new flow's handle does not belong to it.
	if p.settled() {
		return none
	}

	slog.InfoContext(call.ctx, "authorization required, call deferred", "call_id", call.id)
	return handle
}

// call is the per-call state shared by the transport callback and the relay.
// finish guarantees a single terminal message.
type call struct {
	id       string
	ctx      context.Context
	req      *Request
	listener Listener
	relay    *Relay
	recorder Recorder

	once sync.Once
}

// Compile-time check that call implements TransportCallback interface
var _ TransportCallback = (*call)(nil)

func (c *call) OnComplete(result string) {
	c.finish(Message{Kind: KindSucceeded, Result: result})
}

func (c *call) OnProtocolError(err error) {
	c.finish(Message{Kind: KindFailed, Err: err})
}

func (c *call) OnTransportError(err error) {
	c.finish(Message{Kind: KindFailed, Err: err})
}

func (c *call) finish(msg Message) {
	c.once.Do(func() {
		c.recorder.CallFinished(msg.Kind)
		if c.listener == nil {
			slog.DebugContext(c.ctx, "no listener, dropping outcome", "call_id", c.id, "kind", msg.Kind.String())
			return
		}
		msg.Listener = c.listener
		if err := c.relay.Post(msg); err != nil {
			slog.WarnContext(c.ctx, "outcome not delivered", "call_id", c.id, "kind", msg.Kind.String(), "error", err)
		}
	})
}

// pendingCall is the one-shot authorization observer of a deferred call. The
// first outcome wins; it then unsubscribes itself so later flows never reach it.
type pendingCall struct {
	caller interface{ dispatch(*call) }
	call   *call

	mu       sync.Mutex
	fired    bool
	releases []func()
}

// Compile-time check that pendingCall implements AuthObserver interface
var _ AuthObserver = (*pendingCall)(nil)

// bind records the subscription; if the observer already fired it is released now.
func (p *pendingCall) bind(unsubscribe func()) {
	p.onRelease(unsubscribe)
}

func (p *pendingCall) onRelease(fn func()) {
	if fn == nil {
		return
	}
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		fn()
		return
	}
	p.releases = append(p.releases, fn)
	p.mu.Unlock()
}

// settled reports whether an outcome has already been taken.
func (p *pendingCall) settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fired
}

// take marks the observer fired and releases its resources. It reports false
// if another outcome got there first.
func (p *pendingCall) take() bool {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		return false
	}
	p.fired = true
	releases := p.releases
	p.releases = nil
	p.mu.Unlock()

	for _, release := range releases {
		release()
	}
	return true
}

func (p *pendingCall) OnAuthorizationSucceeded() {
	if !p.take() {
		return
	}
	p.call.recorder.AuthorizationOutcome("succeeded")
	slog.InfoContext(p.call.ctx, "authorization succeeded, dispatching deferred call", "call_id", p.call.id)
	p.caller.dispatch(p.call)
}

func (p *pendingCall) OnAuthorizationCanceled() {
	if !p.take() {
		return
	}
	p.call.recorder.AuthorizationOutcome("canceled")
	slog.InfoContext(p.call.ctx, "authorization canceled", "call_id", p.call.id)
	p.call.finish(Message{Kind: KindAuthFailed})
}

func (p *pendingCall) OnAuthorizationErrored(err error) {
	if !p.take() {
		return
	}
	p.call.recorder.AuthorizationOutcome("errored")
	slog.WarnContext(p.call.ctx, "authorization failed", "call_id", p.call.id, "error", err)
	p.call.finish(Message{Kind: KindAuthFailed})
}
