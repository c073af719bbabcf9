package config

import (
	"os"
	"strings"

	"github.com/burrowci/burrow/pkg/errdefs"
)

// SecretStore resolves named secrets for components that must not read the
// environment directly. Production deployments swap in a vault-backed
// implementation; the default reads BURROW_SECRET_<NAME>.
type SecretStore interface {
	Get(name string) (string, error)
}

// EnvSecretStore resolves secrets from the process environment.
type EnvSecretStore struct{}

func (EnvSecretStore) Get(name string) (string, error) {
	key := "BURROW_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v := os.Getenv(key)
	if v == "" {
		return "", errdefs.NotFound("secret_not_found", "secret %q is not set", name)
	}
	return v, nil
}

// StaticSecretStore serves a fixed map, for tests.
type StaticSecretStore map[string]string

func (s StaticSecretStore) Get(name string) (string, error) {
	if v, ok := s[name]; ok {
		return v, nil
	}
	return "", errdefs.NotFound("secret_not_found", "secret %q is not set", name)
}
