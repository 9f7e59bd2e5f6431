package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"randomtalk/backend/pkg/logger"

	"github.com/gin-gonic/gin"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer  = "randomtalk-client"
	anonIDKey    = "anon_id"
	bearerPrefix = "Bearer "
)

var errTokenSubject = errors.New("token was issued for another user")

// generateJWT генерує JWT з анонімним ID
func generateJWT(secret []byte, ttl time.Duration, anonID string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		anonIDKey: anonID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"iss":     tokenIssuer, // Видавець
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// parseAnonID перевіряє підпис, термін дії та видавця і повертає anon_id
func parseAnonID(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	anonID, _ := claims[anonIDKey].(string)
	if anonID == "" {
		return "", errors.New("token has no anon_id")
	}
	return anonID, nil
}

// validateAndGetAnonID приймає лише токени локального користувача
func (h *Handler) validateAndGetAnonID(tokenString string) (string, error) {
	anonID, err := parseAnonID([]byte(h.auth.JWTSecret), tokenString)
	if err != nil {
		return "", err
	}
	if anonID != h.Self.ID {
		return "", errTokenSubject
	}
	return anonID, nil
}

// tokenFromRequest reads the Authorization header, then the token query
// parameter. Browsers cannot set headers on WebSocket upgrades.
func tokenFromRequest(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(auth[len(bearerPrefix):])
	}
	return c.Query("token")
}

// GetAnonID повертає JWT для локального анонімного користувача
func (h *Handler) GetAnonID(c *gin.Context) {
	token, err := generateJWT([]byte(h.auth.JWTSecret), h.auth.TokenTTL, h.Self.ID, time.Now())
	if err != nil {
		logger.FromGin(c, h.log).Error("sign token failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, anonIDKey: h.Self.ID, "name": h.Self.Name})
}

// AuthRequired is middleware for the REST endpoints.
func (h *Handler) AuthRequired(c *gin.Context) {
	tokenString := tokenFromRequest(c)
	if tokenString == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token missing"})
		return
	}
	anonID, err := h.validateAndGetAnonID(tokenString)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
		return
	}
	c.Set(anonIDKey, anonID)
	c.Next()
}
