package server

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL is the lifetime of a control-plane token.
const TokenTTL = 24 * time.Hour

// Claims is the payload embedded in every JWT issued by /api/login.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Auth issues and validates control-plane tokens for the single admin account.
type Auth struct {
	secret    []byte
	adminUser string
	adminPass string
	clock     quartz.Clock
}

// NewAuth creates an Auth. A nil clock uses wall time.
func NewAuth(secret, adminUser, adminPass string, clock quartz.Clock) *Auth {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Auth{secret: []byte(secret), adminUser: adminUser, adminPass: adminPass, clock: clock}
}

// CheckCredentials compares in constant time.
func (a *Auth) CheckCredentials(user, pass string) bool {
	u := subtle.ConstantTimeCompare([]byte(user), []byte(a.adminUser))
	p := subtle.ConstantTimeCompare([]byte(pass), []byte(a.adminPass))
	return u&p == 1
}

// GenerateJWT creates a signed HS256 JWT valid for TokenTTL.
func (a *Auth) GenerateJWT(username string) (string, error) {
	now := a.clock.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "talonwatch",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ParseJWT validates a token string and returns the claims.
func (a *Auth) ParseJWT(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return a.clock.Now() }))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// bearer extracts the token from "Authorization: Bearer <jwt>", falling back
// to the ?token= query parameter browsers use for websocket upgrades.
func bearer(c *gin.Context) (string, error) {
	if raw := c.GetHeader("Authorization"); raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", errors.New("invalid Authorization format, expected: Bearer <token>")
		}
		return parts[1], nil
	}
	if q := c.Query("token"); q != "" {
		return q, nil
	}
	return "", errors.New("missing Authorization header")
}

// JWTMiddleware validates control-plane tokens and stores the username in
// the Gin context as "username".
func (a *Auth) JWTMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearer(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		claims, err := a.ParseJWT(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}
