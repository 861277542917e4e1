// Package authorizer provides OAuth2 authorization-code login for the social API
// and exposes the resulting token to apicaller.Caller.
//
// The provider's OAuth2 implementation requires some care:
//   - Client credentials are sent in the token request body, not via basic auth
//   - A user declining consent is reported on the redirect as error=access_denied
//     (or error_code=21330) and counts as a cancellation, not an error
//   - Tokens carry no refresh token; an expired token means a new login
//
// # Authorization Flow
//
//	auth := authorizer.New(&oauth2.Config{...}, store)
//	_ = auth.Load(ctx)                        // restore a persisted token
//	flow, _ := auth.StartAuthorizationFlow()  // show flow.AuthURL to the user
//	// The redirect lands on auth.CallbackHandler(), or the pasted code is
//	// passed to auth.Complete(ctx, code, flow.State).
//
// Observers registered with Observe are notified once per flow outcome.
package authorizer
