package util

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random UUID string; all RealmForge entities are keyed by one.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns n random bytes as URL-safe base64 without padding.
func NewToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// RandomHex returns n random bytes hex encoded.
func RandomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func Slugify(value string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(value)), "-")
	return strings.Trim(slug, "-")
}

func IsUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}
