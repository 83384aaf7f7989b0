package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtLeeway = 5 * time.Second

// JWTVerifier accepts HS256 tokens signed with a shared secret. Tokens must
// carry exp.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v *JWTVerifier) Verify(token string) error {
	_, err := v.Subject(token)
	return err
}

// Subject verifies token and returns its sub claim, which may be empty.
func (v *JWTVerifier) Subject(token string) (string, error) {
	if token == "" || len(v.secret) == 0 {
		return "", ErrInvalidCredentials
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithTimeFunc(v.now),
	)
	claims := jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims.Subject, nil
}

// SignJWT issues an HS256 token for subject valid for ttl. It exists for
// operators minting admin tokens and for tests.
func SignJWT(secret, subject string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
