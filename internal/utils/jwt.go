package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingAuthHeader = errors.New("missing or malformed Authorization header")
	ErrInvalidToken      = errors.New("invalid token")
)

// AdmissionClaims are carried by a media-session admission token
type AdmissionClaims struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	jwt.RegisteredClaims
}

// GenerateAdmissionToken signs a short-lived token for one participant of one session
func GenerateAdmissionToken(sessionID, participantID string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdmissionClaims{
		SessionID:     sessionID,
		ParticipantID: participantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateAdmissionToken validates a JWT token and returns the claims
func ValidateAdmissionToken(tokenString string, secret []byte) (*AdmissionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdmissionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*AdmissionClaims)
	if !ok || claims.SessionID == "" || claims.ParticipantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ExtractTokenFromHeader extracts the token from the Authorization header
func ExtractTokenFromHeader(authHeader string) (string, error) {
	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return "", ErrMissingAuthHeader
	}
	return authHeader[7:], nil
}
