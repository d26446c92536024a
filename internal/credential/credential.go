package credential

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/registry"
)

// Placeholder printed in place of secret material.
const redacted = "[redacted]"

// Registry authentication material for one credential reference.
type Credential struct {
	ref  string
	auth registry.AuthConfig
}

// Returns the reference the credential was resolved from.
func (c Credential) Ref() string {
	return c.ref
}

// Returns the registry host the credential is scoped to, if any.
func (c Credential) ServerAddress() string {
	return c.auth.ServerAddress
}

// Returns the credential in the form used by the Docker engine API.
func (c Credential) AuthConfig() registry.AuthConfig {
	return c.auth
}

// Returns the credential encoded for the X-Registry-Auth header.
func (c Credential) Encode() (string, error) {
	return registry.EncodeAuthConfig(c.auth)
}

// Reports whether the credential carries no authentication material.
func (c Credential) Anonymous() bool {
	return c.auth.Username == "" && c.auth.Password == "" && c.auth.IdentityToken == "" && c.auth.RegistryToken == ""
}

// Implements [slog.LogValuer].
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Implements [fmt.Stringer].
func (c Credential) String() string {
	return redacted
}

// Implements [fmt.GoStringer].
func (c Credential) GoString() string {
	return redacted
}

// Expands a base64 "user:password" auth field into username and password.
func decodeAuth(cfg *registry.AuthConfig) error {
	if cfg.Auth == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.Auth)
	if err != nil {
		return fmt.Errorf("%w: auth is not base64", ErrMalformed)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return fmt.Errorf("%w: auth is not user:password", ErrMalformed)
	}
	cfg.Username, cfg.Password, cfg.Auth = user, pass, ""
	return nil
}
