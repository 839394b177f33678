package engine

import (
	"fmt"
	"os"
	"strings"
)

// FileCredentials reads the auth token from the session's token file. A
// missing file means the user is not authenticated yet, which is reported
// as an empty token, not an error.
type FileCredentials struct {
	path string
}

// NewFileCredentials creates a provider reading the given token file.
func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

// Token returns the stored token, or empty when none exists.
func (c *FileCredentials) Token() (string, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
