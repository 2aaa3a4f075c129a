package util

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewVerificationToken returns the opaque token embedded in printed QR codes.
func NewVerificationToken() string {
	return uuid.NewString()
}
