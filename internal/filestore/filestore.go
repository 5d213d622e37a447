// Package filestore keeps uploaded attachments addressed by the sha256 of
// their content.
package filestore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"regexp"
)

var (
	ErrNotFound    = errors.New("file not found")
	ErrInvalidHash = errors.New("invalid file hash")

	hashRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// FileStore stores and retrieves files by their hash.
type FileStore interface {
	// Save saves the file content with the given hash.
	// It is idempotent: if a file with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the file content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}

// Hash returns the address of data.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidHash reports whether hash can be a file address.
func ValidHash(hash string) bool {
	return hashRegex.MatchString(hash)
}
