package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/xerrors"
)

// TokenQueryParam carries the token of clients that cannot set headers,
// such as browser websockets.
const TokenQueryParam = "token"

// JWTAuthenticator authenticates requests with HS256 tokens whose subject
// is the user.
//
// - implements auth.Authenticator
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator creates an authenticator verifying tokens signed with
// the secret. An empty issuer accepts any issuer.
func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if secret == "" {
		return nil, xerrors.New("jwt secret is required")
	}

	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
	}, nil
}

// Issue signs a token for the user valid for ttl.
func (a *JWTAuthenticator) Issue(user string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", xerrors.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns its user.
func (a *JWTAuthenticator) Verify(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	// jwt joins several errors, which xerrors.Is does not traverse
	if errors.Is(err, jwt.ErrTokenExpired) {
		return "", ErrExpiredCredentials
	}
	if err != nil {
		return "", xerrors.Errorf("%v: %w", err, ErrInvalidCredentials)
	}
	if claims.Subject == "" {
		return "", xerrors.Errorf("token without subject: %w", ErrInvalidCredentials)
	}
	return claims.Subject, nil
}

// Authenticate implements auth.Authenticator
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := extractToken(r)
	if token == "" {
		return "", ErrNoCredentials
	}
	return a.Verify(token)
}

// extractToken reads the bearer token of the Authorization header, falling
// back to the token query parameter.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token := strings.TrimSpace(parts[1])
			if token != "" {
				return token
			}
		}
	}

	return r.URL.Query().Get(TokenQueryParam)
}
