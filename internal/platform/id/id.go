package id

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator creates opaque identifiers.
type Generator interface {
	New() string
}

// RandomHex is used for short-lived wire identifiers such as connection nonces.
type RandomHex struct{}

func (RandomHex) New() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// UUID is used for identifiers surfaced to users (authorization requests, activity).
type UUID struct{}

func (UUID) New() string {
	return uuid.NewString()
}
