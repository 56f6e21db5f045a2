package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTimes extracts the issued-at and expiry claims from a JWT without
// verifying its signature. The client never holds the signing key; the
// claims are only used for scheduling.
func tokenTimes(token string) (iat, exp time.Time, ok bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, time.Time{}, false
	}

	expClaim, err := claims.GetExpirationTime()
	if err != nil || expClaim == nil {
		return time.Time{}, time.Time{}, false
	}
	if iatClaim, err := claims.GetIssuedAt(); err == nil && iatClaim != nil {
		iat = iatClaim.Time
	}
	return iat, expClaim.Time, true
}

// refreshDelay returns how long to wait before renewing token.
//
// For a JWT with an exp claim the refresh fires after ratio of its actual
// lifetime has elapsed (measured from iat, or from now when iat is absent).
// Opaque tokens fall back to ratio of the configured lifetime.
func refreshDelay(token string, now time.Time, lifetime time.Duration, ratio float64, floor time.Duration) time.Duration {
	var delay time.Duration

	if iat, exp, ok := tokenTimes(token); ok {
		start := iat
		if start.IsZero() || start.After(now) {
			start = now
		}
		at := start.Add(time.Duration(float64(exp.Sub(start)) * ratio))
		delay = at.Sub(now)
	} else {
		delay = time.Duration(float64(lifetime) * ratio)
	}

	if delay < floor {
		delay = floor
	}
	return delay
}

// tokenExpired reports whether token is a JWT whose exp is in the past.
// Opaque tokens are never considered expired locally.
func tokenExpired(token string, now time.Time) bool {
	_, exp, ok := tokenTimes(token)
	return ok && !exp.After(now)
}
