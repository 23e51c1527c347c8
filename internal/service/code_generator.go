package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// codeBytes gives 48 bits of entropy, 12 hex characters
const codeBytes = 6

// CodeGenerator returns a new candidate registration code
type CodeGenerator func() (string, error)

// NewCodeGenerator returns a generator of PREFIX-XXXXXXXXXXXX codes using
// upper-case hex, which survives being read aloud or retyped at a desk
func NewCodeGenerator(prefix string) CodeGenerator {
	if prefix == "" {
		prefix = "EVT"
	}
	return func() (string, error) {
		b := make([]byte, codeBytes)
		if _, err := rand.Read(b); err != nil {
			return "", fmt.Errorf("failed to generate registration code: %w", err)
		}
		return prefix + "-" + strings.ToUpper(hex.EncodeToString(b)), nil
	}
}
