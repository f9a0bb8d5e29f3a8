// Package env reads settings that may be mounted as Docker secrets
package env

import (
	"bytes"
	"os"
	"path/filepath"
)

// GetStringFromFile returns the contents of the file named by key_FILE when
// that variable is set and readable, otherwise GetString(key, defaultValue)
func GetStringFromFile(key, defaultValue string) string {
	if filePath := os.Getenv(key + "_FILE"); filePath != "" {
		content, err := os.ReadFile(filepath.Clean(filePath))
		if err == nil {
			return string(bytes.TrimSpace(content))
		}
	}
	return GetString(key, defaultValue)
}

// GetString returns the environment variable value or the default value if not set
func GetString(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
