package core

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenInvalid      = errors.New("token invalid")
	ErrUnrecognizedToken = errors.New("unrecognized token")
)

const tokenIssuer = "directchat"

// AuthClaims identifies the participant a token was issued to. Tokens issued
// before the subject claim was used carry the participant in Username.
type AuthClaims struct {
	Username string `json:"Username,omitempty"`
	jwt.RegisteredClaims
}

// Participant returns the participant the token was issued to.
func (c *AuthClaims) Participant() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.Username
}

func NewClaim(participant string, exp time.Time) *AuthClaims {
	return &AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participant,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    tokenIssuer,
		},
	}
}

// NewToken signs a token for participant. Production tokens are issued by the
// auth service sharing the secret; this is used by tooling and tests.
func NewToken(participant string, expiration time.Duration, secret []byte) (string, time.Time, error) {
	exp := time.Now().Add(expiration)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, NewClaim(participant, exp))

	signed, err := token.SignedString(secret)
	if err != nil {
		return "", exp, err
	}
	return signed, exp, nil
}

func VerifyToken(token string, secret []byte) (*AuthClaims, error) {
	claims := &AuthClaims{}
	_token, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case err == nil && _token.Valid:
		if validateParticipant(claims.Participant()) != nil {
			return nil, ErrTokenInvalid
		}
		return claims, nil
	case errors.Is(err, jwt.ErrTokenMalformed):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrTokenInvalid
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	default:
		return nil, ErrUnrecognizedToken
	}
}
