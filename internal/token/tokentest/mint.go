// Package tokentest builds tokens shaped like the upstream's for tests and local fakes.
package tokentest

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Mint signs a throwaway HS256 token carrying sub and exp. The gateway never checks the
// signature, so the key is fixed.
func Mint(sub string, exp time.Time) string {
	claims := jwt.MapClaims{"exp": exp.Unix()}
	if sub != "" {
		claims["sub"] = sub
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("gateway-test"))
	if err != nil {
		panic(err)
	}
	return s
}
