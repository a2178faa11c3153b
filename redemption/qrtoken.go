/*
qrtoken.go - Signed QR verification payload

PURPOSE:
  The QR code on a voucher encodes a verification URL whose token is a
  signed JWT bound to the voucher code and expiry. A merchant's scanner
  follows the URL; the verify endpoint can reject forged or expired
  payloads before any store lookup. Rendering the QR image itself is a
  presentation concern and happens outside this module.
*/
package redemption

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

const tokenIssuer = "loyalty-engine"

// TokenCodec issues and parses QR verification payloads.
type TokenCodec struct {
	Secret  []byte
	BaseURL string // e.g. https://rewards.example.org
}

func NewTokenCodec(secret, baseURL string) *TokenCodec {
	return &TokenCodec{Secret: []byte(secret), BaseURL: baseURL}
}

// IssueURL returns the verification URL embedded in the voucher's QR code.
func (c *TokenCodec) IssueURL(code string, expiresAt time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   code,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
	if err != nil {
		return "", fmt.Errorf("sign qr token: %w", err)
	}
	return fmt.Sprintf("%s/verify?token=%s", c.BaseURL, url.QueryEscape(token)), nil
}

// ParseToken validates the signed payload and returns the voucher code it
// is bound to. Expired or forged tokens fail here without a store lookup.
func (c *TokenCodec) ParseToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("parse qr token: %w", err)
	}
	if !parsed.Valid || !claims.VerifyIssuer(tokenIssuer, true) {
		return "", fmt.Errorf("parse qr token: invalid token")
	}
	return claims.Subject, nil
}
