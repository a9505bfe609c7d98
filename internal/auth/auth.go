// Package auth provides the token predicates the broker runs against the
// auth field of each side's start event. A predicate is a pure function over
// the presented token; it must not block past the broker's auth timeout.
package auth

import (
	"context"
	"crypto/subtle"
	"log"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Func validates the auth token from a start event.
type Func func(token string) bool

// AllowAll accepts every token, including the empty one. Suitable for
// development and trusted networks.
func AllowAll() Func {
	return func(string) bool { return true }
}

// DenyAll rejects every token.
func DenyAll() Func {
	return func(string) bool { return false }
}

// SharedSecret accepts only the exact configured secret, compared in
// constant time.
func SharedSecret(secret string) Func {
	want := []byte(secret)
	return func(token string) bool {
		return subtle.ConstantTimeCompare([]byte(token), want) == 1
	}
}

// Bcrypt accepts tokens matching the given bcrypt hash. The hash can live in
// configuration without exposing the secret itself.
func Bcrypt(hash string) Func {
	return func(token string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
	}
}

// HashToken produces a bcrypt hash suitable for the Bcrypt predicate.
func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// JWT accepts HS256 tokens signed with the given secret that have not
// expired. Claims beyond the registered set are not inspected; the broker
// has no user model.
func JWT(secret string) Func {
	key := []byte(secret)
	return func(token string) bool {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return key, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			return false
		}
		return parsed.Valid
	}
}

// OIDC accepts ID tokens issued by the given OIDC provider for the given
// client ID. Provider discovery happens once at construction; verification
// checks signatures against the provider's published keys, which the
// verifier fetches on demand within verifyTimeout.
func OIDC(ctx context.Context, issuer, clientID string, verifyTimeout time.Duration) (Func, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: clientID})

	return func(token string) bool {
		vctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
		defer cancel()
		if _, err := verifier.Verify(vctx, token); err != nil {
			log.Printf("OIDC token rejected: %v", err)
			return false
		}
		return true
	}, nil
}
