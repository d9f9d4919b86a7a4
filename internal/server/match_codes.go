package server

import (
	"errors"
	"math/rand/v2"
	"strings"
)

const (
	matchCodeLen      = 6
	matchCodeAttempts = 100
)

// GenerateMatchCode returns a random code of uppercase letters that inUse
// rejects, or "" if none was found within a bounded number of attempts.
func GenerateMatchCode(inUse func(string) bool) string {
	for range matchCodeAttempts {
		code := make([]byte, matchCodeLen)
		for i := range code {
			code[i] = 'A' + byte(rand.IntN(26))
		}
		if !inUse(string(code)) {
			return string(code)
		}
	}
	return ""
}

func ValidateMatchCode(code string) error {
	if len(code) != matchCodeLen {
		return errors.New("BAD_REQUEST: match code must be exactly 6 letters")
	}
	for _, ch := range strings.ToUpper(code) {
		if ch < 'A' || ch > 'Z' {
			return errors.New("BAD_REQUEST: match code must contain only letters A-Z")
		}
	}
	return nil
}

func NormalizeMatchCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
