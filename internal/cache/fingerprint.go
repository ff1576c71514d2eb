package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint derives a cache key from a stage identity and its
// semantically relevant input. Cosmetic differences in casing and
// whitespace normalize to the same key.
func Fingerprint(stage string, input string) string {
	return FingerprintParts(stage, []string{input})
}

// FingerprintParts fingerprints a stage with multiple input parts. Part
// order does not matter: the parts are normalized and sorted before
// hashing, so reordered but equivalent inputs still hit the cache.
func FingerprintParts(stage string, parts []string) string {
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		normalized = append(normalized, normalize(part))
	}
	sort.Strings(normalized)

	h := sha256.New()
	h.Write([]byte(normalize(stage)))
	for _, part := range normalized {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
