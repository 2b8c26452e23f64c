// Package auth guards the inbound async-callback endpoints. External
// gateways post results with a short-lived HS256 bearer token minted when
// the retrieval request was dispatched; the middleware verifies the token
// and pins the requestId claim to the callback payload.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

// ContextKeyRequestID is the echo context key the middleware sets from the
// verified token's requestId claim.
const ContextKeyRequestID = "callback_request_id"

type callbackClaims struct {
	RequestID string `json:"requestId"`
	jwt.RegisteredClaims
}

// MintCallbackToken issues a token an external collaborator presents when
// posting results for requestID. TTL should cover the poller timeout plus
// slack.
func MintCallbackToken(secret, requestID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := callbackClaims{
		RequestID: requestID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hie-gateway",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyCallbackToken parses and validates the token, returning its
// requestId claim.
func VerifyCallbackToken(secret, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &callbackClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*callbackClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	return claims.RequestID, nil
}

// CallbackAuth returns echo middleware enforcing a valid callback token.
// With an empty secret the middleware is a pass-through (development
// mode).
func CallbackAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return next(c)
			}
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrMissingToken.Error())
			}
			requestID, err := VerifyCallbackToken(secret, strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrInvalidToken.Error())
			}
			c.Set(ContextKeyRequestID, requestID)
			return next(c)
		}
	}
}
