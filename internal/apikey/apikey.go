package apikey

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
)

// Prefix identifies expbot keys so they are recognizable in logs and shells.
const Prefix = "exp_"

const rawLen = 16

// New generates an opaque API key of the form "exp_<22 url-safe chars>".
func New() (string, error) {
	buf := make([]byte, rawLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Valid reports whether s is shaped like a key this service could have issued.
// It does not consult the store; it only filters obvious garbage early.
func Valid(s string) bool {
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	rest := s[len(Prefix):]
	if len(rest) != base64.RawURLEncoding.EncodedLen(rawLen) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(rest)
	return err == nil
}

// Equal compares two keys in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Mask returns a short displayable form ("exp_AbCd...") for status replies
// and logs. The full key is never logged.
func Mask(s string) string {
	const visible = len(Prefix) + 4
	if len(s) <= visible {
		return s
	}
	return s[:visible] + "..."
}
