package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/TxnLab/stakeledger/internal/lib/ledger"
)

// SecretEnvName holds the HMAC key shared by the daemon and the token command.
const SecretEnvName = "STAKELEDGER_JWT_SECRET"

var errUnauthenticated = errors.New("missing or invalid bearer token")

type contextKey string

const identityKey contextKey = "stakeledger.identity"

// Authenticator verifies HS256 bearer tokens whose subject is the caller identity.
type Authenticator struct {
	secret []byte
	clock  ledger.Clock
	leeway time.Duration
}

func NewAuthenticator(secret string, clock ledger.Clock) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: %s must be at least 16 characters", ledger.ErrInvalidConfig, SecretEnvName)
	}
	return &Authenticator{secret: []byte(secret), clock: clock, leeway: 30 * time.Second}, nil
}

// Issue signs a token for id valid for ttl from the current time.
func (a *Authenticator) Issue(id ledger.Identity, ttl time.Duration) (string, error) {
	if err := id.Validate(); err != nil {
		return "", err
	}
	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   id.String(),
		Issuer:    "stakeledger",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify returns the identity carried by token.
func (a *Authenticator) Verify(token string) (ledger.Identity, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("stakeledger"),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.clock.Now),
	)
	if err != nil {
		return "", err
	}
	return ledger.ParseIdentity(claims.Subject)
}

// Middleware rejects requests without a valid bearer token and stores the identity in the context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", errUnauthenticated)
			return
		}
		id, err := a.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", fmt.Errorf("%w: %v", errUnauthenticated, err))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, id)))
	})
}

func IdentityFrom(ctx context.Context) (ledger.Identity, bool) {
	id, ok := ctx.Value(identityKey).(ledger.Identity)
	return id, ok
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
