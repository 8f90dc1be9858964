package token

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/golang-jwt/jwt/v5"
)

const fingerprintLen = 12

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns a short, log-safe identifier for tok.
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	return HashSHA256Hex(tok)[:fingerprintLen]
}

// Clean trims tok and removes every whitespace rune, including embedded newlines
// left behind by copy/paste or wrapped files.
func Clean(tok string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, tok)
}

// IsJWTFormat reports whether tok has exactly three non-empty dot separated parts.
func IsJWTFormat(tok string) bool {
	if tok == "" {
		return false
	}
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
	}
	return true
}

// Validate cleans raw and checks its shape.
func Validate(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrMissing
	}
	tok := Clean(raw)
	if !IsJWTFormat(tok) {
		return "", ErrMalformed
	}
	return tok, nil
}

// Subject decodes the numeric "sub" claim of tok.
// The signature is not verified.
func Subject(tok string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return 0, ErrNoSubject
	}
	id, err := strconv.ParseInt(strings.TrimSpace(sub), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrNoSubject, sub)
	}
	return id, nil
}
