package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrRevokedToken = errors.New("token has been revoked")
)

// Verifier exchanges a client credential for a participant id. The engine
// treats identity as an external collaborator behind this interface.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// RevocationChecker reports whether a credential has been revoked. Checked
// after signature validation, so a well-formed but revoked token is still
// rejected.
type RevocationChecker interface {
	IsRevoked(tokenID string) bool
}

// RevocationList is an in-memory RevocationChecker keyed by JWT id (jti).
type RevocationList struct {
	mu      sync.RWMutex
	revoked map[string]struct{}
}

func NewRevocationList() *RevocationList {
	return &RevocationList{revoked: make(map[string]struct{})}
}

func (l *RevocationList) Revoke(tokenID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.revoked[tokenID] = struct{}{}
}

func (l *RevocationList) IsRevoked(tokenID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.revoked[tokenID]
	return ok
}

// JWTVerifier validates HMAC-signed tokens. The subject claim carries the
// participant id.
type JWTVerifier struct {
	secret     []byte
	issuer     string
	revocation RevocationChecker
	clock      clockwork.Clock
}

func NewJWTVerifier(secret []byte, issuer string, revocation RevocationChecker, clock clockwork.Clock) *JWTVerifier {
	return &JWTVerifier{
		secret:     secret,
		issuer:     issuer,
		revocation: revocation,
		clock:      clock,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenStr string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithTimeFunc(v.clock.Now),
	)

	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if v.revocation != nil && v.revocation.IsRevoked(claims.ID) {
		return "", ErrRevokedToken
	}
	return claims.Subject, nil
}

// IssueToken mints a token for a participant. Exists for development and
// tests; production tokens come from the identity service.
func (v *JWTVerifier) IssueToken(playerID, tokenID string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   playerID,
		ID:        tokenID,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
