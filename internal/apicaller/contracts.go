package apicaller

import "context"

// Listener observes the terminal outcome of a call. Exactly one method is invoked
// per call, always from the relay consumer.
type Listener interface {
	OnAPICallSucceeded(result string)
	OnAPICallFailed(err error)
	OnAuthorizationFailed()
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops.
type ListenerFuncs struct {
	Succeeded           func(result string)
	Failed              func(err error)
	AuthorizationFailed func()
}

// Compile-time check that ListenerFuncs implements Listener interface
var _ Listener = ListenerFuncs{}

// OnAPICallSucceeded calls Succeeded.
func (f ListenerFuncs) OnAPICallSucceeded(result string) {
	if f.Succeeded != nil {
		f.Succeeded(result)
	}
}

// OnAPICallFailed calls Failed.
func (f ListenerFuncs) OnAPICallFailed(err error) {
	if f.Failed != nil {
		f.Failed(err)
	}
}

// OnAuthorizationFailed calls AuthorizationFailed.
func (f ListenerFuncs) OnAuthorizationFailed() {
	if f.AuthorizationFailed != nil {
		f.AuthorizationFailed()
	}
}

// AuthObserver is notified of the outcome of an authorization flow.
type AuthObserver interface {
	OnAuthorizationSucceeded()
	OnAuthorizationCanceled()
	OnAuthorizationErrored(err error)
}

// Authorizer owns the authorization state and the login flow. H is the opaque
// flow handle returned to callers when a flow is started.
type Authorizer[H any] interface {
	// IsAuthorized reports whether a valid token is available. Must not block.
	IsAuthorized() bool

	// CurrentToken returns the access token. Only meaningful while authorized.
	CurrentToken() (string, error)

	// StartAuthorizationFlow starts (or joins) a non-blocking authorization flow.
	StartAuthorizationFlow() (H, error)

	// Observe subscribes obs to flow outcomes until unsubscribe is called.
	Observe(obs AuthObserver) (unsubscribe func())
}

// TransportCallback receives the outcome of a single dispatch. At most one
// method is invoked per dispatch.
type TransportCallback interface {
	OnComplete(result string)
	OnProtocolError(err error)
	OnTransportError(err error)
}

// Transport performs the network request. Dispatch must not block on I/O.
type Transport interface {
	Dispatch(ctx context.Context, req *Request, cb TransportCallback)
}

// Recorder receives call lifecycle events, typically for metrics.
type Recorder interface {
	CallStarted(req *Request, deferred bool)
	CallFinished(kind Kind)
	AuthorizationOutcome(outcome string)
}

type noopRecorder struct{}

func (noopRecorder) CallStarted(*Request, bool)  {}
func (noopRecorder) CallFinished(Kind)           {}
func (noopRecorder) AuthorizationOutcome(string) {}
