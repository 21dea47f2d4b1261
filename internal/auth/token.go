// Package auth issues and verifies the HMAC-signed bearer tokens handed to
// browsers and office editors.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	KindSession = "session"
	KindWOPI    = "wopi"
)

// Claims is the signed payload. Session tokens carry SID, WOPI access tokens
// carry FID and are only honoured for that file.
type Claims struct {
	Kind string `json:"kind"`
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	SID  string `json:"sid,omitempty"`
	FID  string `json:"fid,omitempty"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

func IssueToken(secret []byte, claims Claims) (string, error) {
	payloadBytes, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + sign(secret, payload), nil
}

func ParseToken(secret []byte, token string, now time.Time) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	switch claims.Kind {
	case KindSession:
		if claims.SID == "" {
			return Claims{}, ErrInvalidToken
		}
	case KindWOPI:
		if claims.FID == "" {
			return Claims{}, ErrInvalidToken
		}
	default:
		return Claims{}, ErrInvalidToken
	}
	if now.Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

// ParseWOPIToken accepts only a WOPI access token bound to fileID.
func ParseWOPIToken(secret []byte, token, fileID string, now time.Time) (Claims, error) {
	claims, err := ParseToken(secret, token, now)
	if err != nil {
		return Claims{}, err
	}
	if claims.Kind != KindWOPI || !hmac.Equal([]byte(claims.FID), []byte(fileID)) {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	sum := hmac.New(sha256.New, secret)
	_, _ = sum.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(sum.Sum(nil))
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
