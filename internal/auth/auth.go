// Package auth turns the token handed over at the websocket handshake
// into a verified player identity. Credential issuance lives elsewhere;
// this only checks the signature and reads the claims.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is what the engine knows about a connected player.
type Identity struct {
	UserID  string
	Name    string
	IsGuest bool
}

// Claims mirrors the token payload issued by the auth service.
type Claims struct {
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	IsGuest bool   `json:"isGuest,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns the identity.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.UserID) == "" {
		return nil, ErrInvalidToken
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.UserID
	}
	return &Identity{UserID: claims.UserID, Name: name, IsGuest: claims.IsGuest}, nil
}
