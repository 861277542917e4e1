package tokenstore

import (
	"context"
	"errors"
	"os"
	"strings"
)

// EnvStore reads the token from an environment variable. It cannot be written,
// so it only suits tokens provisioned out of band.
type EnvStore struct {
	name   string
	lookup func(string) (string, bool)
}

// Compile-time check that EnvStore implements TokenStore interface
var _ TokenStore = (*EnvStore)(nil)

// NewEnvStore creates a store reading the variable name.
func NewEnvStore(name string) (*EnvStore, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("environment variable name cannot be empty")
	}
	return &EnvStore{name: name, lookup: os.LookupEnv}, nil
}

func (s *EnvStore) Read(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	value, ok := s.lookup(s.name)
	if !ok || strings.TrimSpace(value) == "" {
		return "", ErrNotFound
	}
	return strings.TrimSpace(value), nil
}

func (s *EnvStore) Write(context.Context, string) error {
	return ErrReadOnly
}
