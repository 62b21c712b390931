package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTValidator accepts HS256 session tokens issued by the application's own
// auth service. The caller ID is the "sub" claim, or "user_id" when sub is empty.
type JWTValidator struct {
	secret []byte
	opts   []jwt.ParserOption
}

func NewJWTValidator(secret, issuer, audience string, leeway time.Duration) (*JWTValidator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is empty")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &JWTValidator{secret: []byte(secret), opts: opts}, nil
}

func (v *JWTValidator) ValidateCredential(_ context.Context, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", unauthorized("missing credential")
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", unauthorized("credential expired")
		}
		return "", unauthorized("invalid credential")
	}
	if !parsed.Valid {
		return "", unauthorized("invalid credential")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		sub, _ = claims["user_id"].(string)
	}
	if sub == "" {
		return "", unauthorized("credential has no subject")
	}
	return sub, nil
}
