package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes a stable cache key for an HTTP request. It never
// depends on a serialized request object: only the method, path, a
// caller-selected subset of headers (already filtered by the router before
// calling in), and the request body are folded in, sorted and delimited so
// that two logically identical requests always produce the same key
// regardless of header ordering.
func Fingerprint(method, path string, headers map[string]string, body []byte) string {
	h := sha256.New()

	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})

	if len(headers) > 0 {
		keys := make([]string, 0, len(headers))
		for k := range headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			h.Write([]byte(strings.ToLower(k)))
			h.Write([]byte{':'})
			h.Write([]byte(headers[k]))
			h.Write([]byte{0})
		}
	}

	if len(body) > 0 {
		h.Write(body)
	}

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// QuickHash hashes arbitrary bytes to a full SHA-256 hex digest.
func QuickHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// ShortHash hashes arbitrary bytes to a 16-character hex digest, suitable
// for log lines and metric labels where a full digest is unnecessary.
func ShortHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:8])
}
