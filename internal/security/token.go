package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken  = errors.New("invalid upload token")
	ErrMissingSecret = errors.New("upload token secret is not configured")
)

const tokenIssuer = "nexvision-intake"

// UploadClaims grant access to a single upload. There are no user accounts;
// whoever holds the token returned at upload time owns the upload.
type UploadClaims struct {
	UploadID string `json:"upl"`
	jwt.RegisteredClaims
}

func IssueUploadToken(secret, uploadID string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, ErrMissingSecret
	}
	now := time.Now()
	expires := now.Add(ttl)
	claims := UploadClaims{
		UploadID: uploadID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   uploadID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, expires, nil
}

func ParseUploadToken(tokenStr string, secret string) (*UploadClaims, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	token, err := jwt.ParseWithClaims(tokenStr, &UploadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*UploadClaims)
	if !ok || !token.Valid || claims.UploadID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
