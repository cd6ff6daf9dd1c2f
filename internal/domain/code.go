package domain

import (
	"crypto/rand"
	"strings"
)

// CodeChars are the characters used for match codes (no ambiguous chars).
const CodeChars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DefaultCodeLength is the default length for match codes.
const DefaultCodeLength = 6

// GenerateCode returns a random match code of the given length.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range code {
		code[i] = CodeChars[int(b[i])%len(CodeChars)]
	}
	return string(code), nil
}

// NormalizeCode upper-cases a user-typed code and rejects anything outside the alphabet.
func NormalizeCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if code == "" {
		return "", ErrInvalidCode
	}
	for _, r := range code {
		if !strings.ContainsRune(CodeChars, r) {
			return "", ErrInvalidCode
		}
	}
	return code, nil
}
