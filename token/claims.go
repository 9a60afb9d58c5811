package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// timesFromClaims extracts iat/exp from a JWT without verifying the
// signature. Verification is the backend's concern; the client only needs
// the timing claims to schedule refreshes. Returns false when the token is
// not a parseable JWT or carries no expiry.
func timesFromClaims(rawToken string) (issuedAt, expiresAt time.Time, ok bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	claims, claimsOK := parsed.Claims.(jwt.MapClaims)
	if !claimsOK {
		return time.Time{}, time.Time{}, false
	}

	exp, _ := claims["exp"].(float64)
	if exp == 0 {
		return time.Time{}, time.Time{}, false
	}
	expiresAt = time.Unix(int64(exp), 0)

	if iat, _ := claims["iat"].(float64); iat > 0 {
		issuedAt = time.Unix(int64(iat), 0)
	}
	return issuedAt, expiresAt, true
}
