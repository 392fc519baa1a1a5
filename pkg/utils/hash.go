package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// HashParts hashes an ordered list of request components into a cache key.
// Parts are joined with a separator that cannot appear in ASINs or dates.
func HashParts(parts ...string) string {
	return HashString(strings.Join(parts, "\x1f"))
}
