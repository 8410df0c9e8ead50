package remote

import (
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
)

// Authenticator provides authentication for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. Empty
	// credentials mean anonymous access.
	Authenticate(registry string) (username, password string, err error)
}

// DefaultAuthenticator uses the system keychain (like Docker).
type DefaultAuthenticator struct {
	keychain authn.Keychain
}

// NewDefaultAuthenticator creates a default authenticator.
func NewDefaultAuthenticator() *DefaultAuthenticator {
	return &DefaultAuthenticator{keychain: authn.DefaultKeychain}
}

// Authenticate returns credentials from the keychain.
func (a *DefaultAuthenticator) Authenticate(registry string) (string, string, error) {
	reg, err := name.NewRegistry(registry)
	if err != nil {
		return "", "", err
	}
	auth, err := a.keychain.Resolve(reg)
	if err != nil {
		return "", "", err
	}
	cfg, err := auth.Authorization()
	if err != nil {
		return "", "", err
	}
	return cfg.Username, cfg.Password, nil
}

// StaticAuthenticator returns fixed credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}

// resolveAuth turns an Authenticator into the go-containerregistry form,
// falling back to the default keychain.
func resolveAuth(auth Authenticator, reg name.Registry) authn.Authenticator {
	if auth != nil {
		username, password, err := auth.Authenticate(reg.RegistryStr())
		if err == nil && username != "" {
			return &authn.Basic{Username: username, Password: password}
		}
	}
	resolved, err := authn.DefaultKeychain.Resolve(reg)
	if err != nil {
		return authn.Anonymous
	}
	return resolved
}
