// Package roomid generates and normalizes the 8-character join codes that
// gate private rooms.
package roomid

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	// Length of every room secret.
	Length = 8

	charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var ErrInvalidSecret = errors.New("invalid room secret")

// Generate returns a new random secret over [A-Z0-9]. Uniqueness is not
// checked here: callers insert the value through the persistence layer's
// insert-if-absent room creation and retry on collision.
func Generate() (string, error) {
	code := make([]byte, Length)
	max := big.NewInt(int64(len(charset)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random number: %w", err)
		}
		code[i] = charset[n.Int64()]
	}
	return string(code), nil
}

// Normalize upper-cases a client-supplied secret and validates its shape.
// Secrets are case-insensitive on input but stored and compared uppercase.
func Normalize(s string) (string, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != Length {
		return "", ErrInvalidSecret
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(charset, rune(s[i])) {
			return "", ErrInvalidSecret
		}
	}
	return s, nil
}

// Plausible reports whether s is shaped like a secret after normalization,
// without deciding whether such a room exists.
func Plausible(s string) bool {
	_, err := Normalize(s)
	return err == nil
}
