// Package tokenstore persists the serialized authorization token.
//
// Backends:
//   - FileStore: a private file on disk
//   - KeyringStore: the operating system keyring
//   - EnvStore: a read-only environment variable
package tokenstore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read when no token is stored.
	ErrNotFound = errors.New("token not found")

	// ErrReadOnly is returned by Write on backends that cannot be written.
	ErrReadOnly = errors.New("token storage is read-only")
)

// TokenStore reads and writes tokens to persistent storage.
//
// Authorization flows require writable storage.
type TokenStore interface {
	// Read returns the stored token. Returns ErrNotFound if token is missing or empty.
	Read(ctx context.Context) (string, error)

	// Write persists the token to storage. Writing an empty token clears it.
	// Returns ErrReadOnly if the backend is read-only.
	Write(ctx context.Context, token string) error
}
