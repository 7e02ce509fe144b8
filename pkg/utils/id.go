package utils

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns a random UUIDv4 string, used for routers, transports, producers and consumers.
func NewID() string {
	return uuid.NewString()
}

// GenerateConnectionID generates the id of a signaling connection. It doubles as the peer id.
func GenerateConnectionID() string {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}

// GenerateCNAME generates an RTCP canonical name.
func GenerateCNAME() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return uuid.NewString()[:16]
	}
	return hex.EncodeToString(b)
}
