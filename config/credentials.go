package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type (
	// CredentialSource yields a bearer token for API requests. Sources
	// are consulted per request so rotated credentials take effect
	// without a restart.
	CredentialSource interface {
		// Token returns the current bearer token.
		Token(ctx context.Context) (string, error)
	}

	// CredentialFunc adapts a function to CredentialSource.
	CredentialFunc func(ctx context.Context) (string, error)
)

// Token implements CredentialSource.
func (f CredentialFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticCredential returns a source that always yields the given token.
func StaticCredential(token string) CredentialSource {
	return CredentialFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// EnvCredential returns a source that reads the token from the named
// environment variable on each call. An unset or empty variable is an
// error naming the variable.
func EnvCredential(key string) CredentialSource {
	return CredentialFunc(func(context.Context) (string, error) {
		token := strings.TrimSpace(os.Getenv(key))
		if token == "" {
			return "", fmt.Errorf("environment variable %s is not set", key)
		}
		return token, nil
	})
}

// Credential returns the provider's environment-backed source.
func (p Provider) Credential() CredentialSource {
	return EnvCredential(p.EnvKey)
}
