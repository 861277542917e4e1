// Package apicaller guarantees that every outbound social API call carries a valid
// access token, starting an authorization flow when none is available, and
// delivers the single terminal outcome of each call back to the goroutine that
// owns the caller.
//
// # Flow
//
//	caller := apicaller.NewCaller(auth, transport, relay)
//	go relay.Run(ctx) // or call relay.Drain() from an existing event loop
//	handle, err := caller.Call(ctx, req, listener)
//	// handle is non-zero when an authorization flow was started and
//	// must be surfaced to the user (e.g. an authorization URL).
//
// # Delivery
//
// Transport and Authorizer callbacks run on arbitrary goroutines. Outcomes are
// funneled through a Relay; Listener methods are only ever invoked by the relay's
// consumer, in the order outcomes were posted. Each call produces exactly one of
// OnAPICallSucceeded, OnAPICallFailed or OnAuthorizationFailed.
package apicaller
