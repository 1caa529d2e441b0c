package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// JWT claims: registered set plus the account code
type Claims struct {
	jwt.RegisteredClaims
	UserCode string
}

const tokenExp = time.Hour * 24

var secretKey = []byte("presale_secret_key")

var ErrInvalidToken = errors.New("invalid token")

// BuildJWT issues a signed token carrying the account code.
func BuildJWT(userCode string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenExp)),
		},
		UserCode: userCode,
	})

	return token.SignedString(secretKey)
}

// GetUserCode parses and verifies a token and returns the account code.
func GetUserCode(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrInvalidToken
			}
			return secretKey, nil
		})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}
	return claims.UserCode, nil
}
