package gateway

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"imconnect/node/internal/auth"
	"imconnect/node/internal/config"
)

// DefaultDevice is reported when neither the token nor the handshake names a device class.
const DefaultDevice = "unknown"

// ErrMissingToken is returned when the handshake carries no credentials.
var ErrMissingToken = errors.New("missing auth token")

// Identity is the authenticated owner of a handshake.
type Identity struct {
	UserID int64
	Device string
}

// Authenticator validates a websocket handshake before it is upgraded.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator verifies the HS256 token issued by the credential service.
type TokenAuthenticator struct {
	verifier *auth.HMACTokenVerifier
}

// NewTokenAuthenticator builds an authenticator from the node auth settings.
func NewTokenAuthenticator(cfg config.AuthConfig) (*TokenAuthenticator, error) {
	verifier, err := auth.NewHMACTokenVerifier(cfg.Secret, cfg.Issuer, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &TokenAuthenticator{verifier: verifier}, nil
}

// Authenticate reads the token from the auth_token query parameter or the X-Auth-Token
// header and returns the identity it asserts.
func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	if a == nil || a.verifier == nil {
		return Identity{}, errors.New("verifier not configured")
	}
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	device := claims.Device
	if device == "" {
		device = strings.TrimSpace(r.URL.Query().Get("device"))
	}
	if device == "" {
		device = DefaultDevice
	}
	return Identity{UserID: claims.UserID, Device: device}, nil
}
