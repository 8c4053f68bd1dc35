package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	a := NewToken("jti")
	b := NewToken("jti")
	assert.True(t, strings.HasPrefix(a, "jti_"))
	assert.Len(t, a, len("jti_")+32)
	assert.NotEqual(t, a, b)
	assert.Len(t, NewToken(""), 32)
}

func TestNewCollectibleID(t *testing.T) {
	_, err := uuid.Parse(NewCollectibleID())
	require.NoError(t, err)
}

func TestSafeFilename(t *testing.T) {
	cases := map[string]string{
		"poster.png":            "poster.png",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\badge.jpg`: "badge.jpg",
		"my pin (2024).gif":     "my_pin_2024.gif",
		"...":                   "upload",
		".hidden.png":           "hidden.png",
	}
	for in, want := range cases {
		assert.Equal(t, want, SafeFilename(in), in)
	}
}

func TestUploadName(t *testing.T) {
	name := UploadName("poster.png")
	prefix, rest, ok := strings.Cut(name, "_")
	require.True(t, ok)
	assert.Len(t, prefix, 32)
	assert.Equal(t, "poster.png", rest)
	assert.NotEqual(t, name, UploadName("poster.png"))
}
