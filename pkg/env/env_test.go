package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringFromFile(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secret, []byte("  s3cret\n"), 0o600))

	tests := []struct {
		name     string
		value    string
		file     string
		expected string
	}{
		{"file wins", "plain", secret, "s3cret"},
		{"unreadable file falls back to value", "plain", filepath.Join(t.TempDir(), "missing"), "plain"},
		{"plain value", "plain", "", "plain"},
		{"default", "", "", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLSVC_TEST_SECRET", tt.value)
			t.Setenv("CALLSVC_TEST_SECRET_FILE", tt.file)
			assert.Equal(t, tt.expected, GetStringFromFile("CALLSVC_TEST_SECRET", "fallback"))
		})
	}
}
