package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carried by access tokens issued by the identity service.
type Claims struct {
	OrganizationID string `json:"org"`
	RoleID         string `json:"role_id"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 access tokens.
type TokenVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), now: time.Now}
}

func (v *TokenVerifier) Verify(tokenString string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	if claims.OrganizationID == "" {
		return Claims{}, fmt.Errorf("%w: missing org", ErrInvalidToken)
	}
	return claims, nil
}

// Sign issues a token for the given principal ids. Used by local tooling and tests.
func (v *TokenVerifier) Sign(userID, organizationID, roleID string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		OrganizationID: organizationID,
		RoleID:         roleID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
