// Package auth implements the gateway's API key gate.
//
// A Gate is built from configuration in one of two explicit states: keyed, where
// every request must present the configured secret in the X-API-Key header, or
// open, where every request is accepted. There is no implicit fallback from
// one to the other.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"

	"ollama-gateway/internal/apierr"
	"ollama-gateway/internal/config"
)

// HeaderName is the request header carrying the caller's key.
const HeaderName = "X-API-Key"

// KeyPrefix marks keys produced by GenerateKey.
const KeyPrefix = "gw_"

// Gate validates caller credentials. It holds no per-request state and is safe
// for concurrent use.
type Gate struct {
	open    bool
	keyHash [32]byte
}

// New constructs a gate from configuration.
func New(cfg config.AuthConfig) (*Gate, error) {
	key := strings.TrimSpace(cfg.APIKey)
	switch {
	case cfg.Open && key != "":
		return nil, errors.New("auth: api key and open mode are mutually exclusive")
	case cfg.Open:
		return &Gate{open: true}, nil
	case key == "":
		return nil, errors.New("auth: api key is required unless open mode is enabled")
	}
	return &Gate{keyHash: sha256.Sum256([]byte(key))}, nil
}

// Open reports whether the gate accepts every request.
func (g *Gate) Open() bool {
	return g.open
}

// Check returns nil when supplied is an acceptable credential. Keys are
// compared as SHA-256 digests in constant time, so neither content nor length
// of the configured key leaks through timing.
func (g *Gate) Check(supplied string) error {
	if g.open {
		return nil
	}
	if supplied == "" {
		return apierr.Unauthorized("missing_api_key", "API key is required")
	}
	sum := sha256.Sum256([]byte(supplied))
	if subtle.ConstantTimeCompare(sum[:], g.keyHash[:]) != 1 {
		return apierr.Unauthorized("invalid_api_key", "Invalid API key")
	}
	return nil
}

// Middleware rejects unauthenticated requests before any handler runs. Paths
// listed in exempt are passed through untouched.
func (g *Gate) Middleware(exempt ...string) echo.MiddlewareFunc {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := skip[c.Request().URL.Path]; ok {
				return next(c)
			}
			if err := g.Check(c.Request().Header.Get(HeaderName)); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// GenerateKey returns a random URL-safe key built from n bytes of entropy.
func GenerateKey(n int) (string, error) {
	if n < 16 {
		return "", fmt.Errorf("key length %d is too short, need at least 16 bytes", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}
