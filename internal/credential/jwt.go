// Package credential reads the claims of access tokens without verifying them.
package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const profileClaim = "https://api.openai.com/profile"

var ErrInvalidCredential = errors.New("invalid credential")

type Claims struct {
	ExpiresAt *time.Time

	// Email is the identity hint embedded in the profile claim, if any.
	Email string
}

// LocalPart returns the part of the email hint before '@'.
func (c Claims) LocalPart() string {
	local, _, _ := strings.Cut(c.Email, "@")
	return local
}

var parser = jwt.NewParser()

func Decode(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrInvalidCredential)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mapClaims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	var claims Claims

	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("%w: exp: %v", ErrInvalidCredential, err)
	}
	if exp != nil {
		expiresAt := exp.Time
		claims.ExpiresAt = &expiresAt
	}

	if profile, ok := mapClaims[profileClaim].(map[string]any); ok {
		claims.Email, _ = profile["email"].(string)
	}

	return claims, nil
}
