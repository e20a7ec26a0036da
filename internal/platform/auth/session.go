package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const sessionTokenPrefix = "icetrack_session_v1"

// SessionCookieName is the cookie carrying the dashboard session.
const SessionCookieName = "session"

// LegacySessionValue is the constant cookie value the original dashboard
// issued. Accepted only when the guard is configured to allow it.
const LegacySessionValue = "admin_authorized"

var (
	ErrSessionInvalid = errors.New("session token is invalid")
	ErrSessionExpired = errors.New("session token is expired")
)

type SessionClaims struct {
	Subject       string `json:"sub"`
	IssuedAtUnix  int64  `json:"iat"`
	ExpiresAtUnix int64  `json:"exp"`
}

// VerifyAdminPassword compares the presented password against the
// configured admin secret in constant time.
func VerifyAdminPassword(configured, presented string) bool {
	configured = strings.TrimSpace(configured)
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}

// GenerateSessionToken issues a signed, expiring session token.
func GenerateSessionToken(secret string, claims SessionClaims, now time.Time) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", errors.New("secret is required")
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" {
		return "", errors.New("subject is required")
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.IssuedAtUnix == 0 {
		claims.IssuedAtUnix = now.UTC().Unix()
	}
	if claims.ExpiresAtUnix == 0 {
		return "", errors.New("exp is required")
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return "", errors.New("exp must be in the future")
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payloadJSON)
	sigB64, err := computeSessionSignature(secret, payloadB64)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{sessionTokenPrefix, payloadB64, sigB64}, "."), nil
}

// VerifySessionToken validates signature and expiry and returns the claims.
func VerifySessionToken(secret string, token string, now time.Time) (SessionClaims, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return SessionClaims{}, errors.New("secret is required")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return SessionClaims{}, ErrSessionInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[0] != sessionTokenPrefix {
		return SessionClaims{}, ErrSessionInvalid
	}
	payloadB64 := strings.TrimSpace(parts[1])
	sigB64 := strings.TrimSpace(parts[2])
	if payloadB64 == "" || sigB64 == "" {
		return SessionClaims{}, ErrSessionInvalid
	}

	expectedB64, err := computeSessionSignature(secret, payloadB64)
	if err != nil {
		return SessionClaims{}, err
	}
	expectedSig, err := base64.RawURLEncoding.DecodeString(expectedB64)
	if err != nil {
		return SessionClaims{}, ErrSessionInvalid
	}
	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil {
		return SessionClaims{}, ErrSessionInvalid
	}
	if !hmac.Equal(expectedSig, gotSig) {
		return SessionClaims{}, ErrSessionInvalid
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return SessionClaims{}, ErrSessionInvalid
	}
	var claims SessionClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return SessionClaims{}, ErrSessionInvalid
	}
	claims.Subject = strings.TrimSpace(claims.Subject)
	if claims.Subject == "" || claims.ExpiresAtUnix == 0 {
		return SessionClaims{}, ErrSessionInvalid
	}

	if now.IsZero() {
		now = time.Now().UTC()
	}
	if claims.ExpiresAtUnix <= now.UTC().Unix() {
		return SessionClaims{}, ErrSessionExpired
	}

	return claims, nil
}

func computeSessionSignature(secret string, payloadB64 string) (string, error) {
	payloadB64 = strings.TrimSpace(payloadB64)
	if payloadB64 == "" {
		return "", errors.New("payload is required")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte("icetrack-session-v1\n")); err != nil {
		return "", err
	}
	if _, err := mac.Write([]byte(payloadB64)); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}
