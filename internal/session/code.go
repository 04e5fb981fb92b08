package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// CodeAlphabet leaves out characters that are easy to confuse when read aloud or typed: 0/O, 1/I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const DefaultCodeLength = 6

// NewCode returns a random session code of length n.
func NewCode(n int) (string, error) {
	if n <= 0 {
		n = DefaultCodeLength
	}

	max := big.NewInt(int64(len(CodeAlphabet)))
	b := make([]byte, n)
	for i := range b {
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		b[i] = CodeAlphabet[r.Int64()]
	}

	return string(b), nil
}

// NormalizeCode makes a user-entered code comparable with stored codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
