// Package token inspects upstream bearer tokens without verifying them. The upstream API is the
// authority for signatures; the gateway only reads exp and sub for bookkeeping.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformedToken is returned when the token is not three dot-separated segments with a
	// base64url JSON object in the middle.
	ErrMalformedToken = errors.New("token: malformed")
	// ErrMissingClaim is returned when a required claim is absent or has the wrong type.
	ErrMissingClaim = errors.New("token: missing claim")
)

var parser = jwt.NewParser()

// Decode returns the unverified payload claims of raw.
func Decode(raw string) (jwt.MapClaims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: want 3 segments, got %d", ErrMalformedToken, len(parts))
	}
	payload, err := parser.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrMalformedToken, err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var claims jwt.MapClaims
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMalformedToken)
	}
	return claims, nil
}

// Expiry returns the exp claim of raw.
func Expiry(raw string) (time.Time, error) {
	claims, err := Decode(raw)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: exp", ErrMissingClaim)
	}
	return exp.Time, nil
}

// Subject returns the sub claim of raw.
func Subject(raw string) (string, error) {
	claims, err := Decode(raw)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

