package resolver

import (
	"crypto/rand"
	"encoding/base64"
)

// newKey generates an opaque record key: 9 random bytes rendered as 12
// unpadded base64 characters. Keys are never reused across records.
func newKey() string {
	var b [9]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return base64.RawStdEncoding.EncodeToString(b[:])
}
