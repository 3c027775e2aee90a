package service

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// API key secrets have the form wk_<prefix>.<secret>, where prefix is 6 and
// secret is 32 random bytes, both unpadded base64url.
const (
	keyScheme     = "wk_"
	prefixBytes   = 6
	secretBytes   = 32
	encodedPrefix = 8  // base64url length of prefixBytes
	encodedSecret = 43 // base64url length of secretBytes
)

var keyEncoding = base64.RawURLEncoding

// generateSecret returns a fresh plaintext key and its display prefix.
func generateSecret() (plaintext, displayPrefix string, err error) {
	buf := make([]byte, prefixBytes+secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate key material: %w", err)
	}
	prefix := keyEncoding.EncodeToString(buf[:prefixBytes])
	secret := keyEncoding.EncodeToString(buf[prefixBytes:])
	displayPrefix = keyScheme + prefix
	return displayPrefix + "." + secret, displayPrefix, nil
}

// parseSecret checks the shape of a presented key without any I/O and
// returns its display prefix.
func parseSecret(plaintext string) (displayPrefix string, ok bool) {
	if !strings.HasPrefix(plaintext, keyScheme) {
		return "", false
	}
	prefix, secret, found := strings.Cut(plaintext[len(keyScheme):], ".")
	if !found || len(prefix) != encodedPrefix || len(secret) != encodedSecret {
		return "", false
	}
	if _, err := keyEncoding.DecodeString(prefix); err != nil {
		return "", false
	}
	if _, err := keyEncoding.DecodeString(secret); err != nil {
		return "", false
	}
	return keyScheme + prefix, true
}

// Hasher computes keyed digests of API key secrets. The pepper never leaves
// the process, so a leaked key table cannot be brute-forced offline.
type Hasher struct {
	key []byte
}

// NewHasher derives a BLAKE2b key from pepper. Peppers longer than the
// BLAKE2b key limit are compressed first.
func NewHasher(pepper string) *Hasher {
	key := []byte(pepper)
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	return &Hasher{key: key}
}

// Digest returns the hex-encoded keyed BLAKE2b-256 of plaintext.
func (h *Hasher) Digest(plaintext string) string {
	mac, err := blake2b.New256(h.key)
	if err != nil {
		// Only possible for keys over 64 bytes, which NewHasher prevents.
		panic(err)
	}
	mac.Write([]byte(plaintext))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two digests in constant time.
func (h *Hasher) Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
