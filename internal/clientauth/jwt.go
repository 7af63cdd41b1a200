package clientauth

import (
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims asserts the identity of a client connecting to a sequencer. The
// subject carries the client id the transport derives client_id from,
// rather than trusting whatever the client sends on the wire.
type Claims struct {
	ClientID string `json:"sub"`
	jwt.RegisteredClaims
}

var (
	secretMu   sync.RWMutex
	configured []byte
)

// Configure sets the signing secret from the daemon's own configuration,
// overriding the SHAREDMAP_JWT_SECRET environment fallback below. Call it
// once during startup wiring.
func Configure(secret string) {
	secretMu.Lock()
	defer secretMu.Unlock()
	configured = []byte(secret)
}

func getSecret() []byte {
	secretMu.RLock()
	s := configured
	secretMu.RUnlock()
	if len(s) > 0 {
		return s
	}
	if env := os.Getenv("SHAREDMAP_JWT_SECRET"); env != "" {
		return []byte(env)
	}
	return []byte("dev-secret")
}

// SignClientToken issues a token asserting clientID for ttl.
func SignClientToken(clientID string, ttl time.Duration) (string, time.Time, error) {
	expiry := time.Now().Add(ttl)
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(getSecret())
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiry, nil
}

// ParseClientToken verifies tokenString and returns the asserted client id.
func ParseClientToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return getSecret(), nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return "", jwt.ErrTokenInvalidClaims
	}
	return claims.ClientID, nil
}
