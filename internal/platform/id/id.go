// Package id generates identifiers for sessions and operations.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a 26-character lowercase base32 identifier backed by a
// time-ordered UUID.
func NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Parse decodes an identifier produced by NewID.
func Parse(value string) (uuid.UUID, error) {
	decoded, err := encoding.DecodeString(strings.ToUpper(strings.TrimSpace(value)))
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("decode id: %w", err)
	}
	return uuid.FromBytes(decoded)
}
