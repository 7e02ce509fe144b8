package utils

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewID_IsUUIDv4(t *testing.T) {
	id := NewID()
	parsed, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, id, NewID())
}

func TestGenerateConnectionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateConnectionID()
		assert.Len(t, id, 20)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestGenerateCNAME(t *testing.T) {
	assert.Len(t, GenerateCNAME(), 16)
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "Alice", SanitizeString("  Al\x00ice\n "))
	assert.Equal(t, "", SanitizeString("\t\r\n"))
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "abcdefg...", TruncateString("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
	assert.Equal(t, "ÄÖÜ", TruncateString("ÄÖÜ", 3))
}
