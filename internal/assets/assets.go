// Package assets stores uploaded collectible images.
package assets

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

var ErrInvalidName = errors.New("invalid asset name")

// Store is implemented by LocalStore and MinioStore.
type Store interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, name string) error
}

// checkName accepts relative slash-separated names that stay inside the store root.
func checkName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return ErrInvalidName
	}
	clean := path.Clean(name)
	if clean != name || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return ErrInvalidName
	}
	return nil
}

// AllowedExtension reports whether filename ends in one of the extensions
// in allowed. The comparison ignores case and a leading dot in allowed.
func AllowedExtension(filename string, allowed []string) bool {
	i := strings.LastIndex(filename, ".")
	if i < 0 || i == len(filename)-1 {
		return false
	}
	ext := strings.ToLower(filename[i+1:])
	for _, candidate := range allowed {
		if strings.ToLower(strings.TrimPrefix(candidate, ".")) == ext {
			return true
		}
	}
	return false
}
