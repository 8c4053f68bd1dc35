package util

import (
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewToken returns 16 random bytes hex encoded, optionally prefixed as "prefix_<hex>".
func NewToken(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewCollectibleID returns the natural key for a new collectible.
func NewCollectibleID() string {
	return uuid.NewString()
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SafeFilename strips directories and anything outside [A-Za-z0-9_.-] from an uploaded name.
func SafeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.ReplaceAll(strings.TrimSpace(base), " ", "_")
	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = strings.TrimLeft(base, ".")
	if base == "" {
		return "upload"
	}
	return base
}

// UploadName makes an object name that cannot collide with earlier uploads of the same file.
func UploadName(original string) string {
	id := uuid.New()
	return hex.EncodeToString(id[:]) + "_" + SafeFilename(original)
}
