// Package ksecretbox handles the keys used to seal session cookies.
package ksecretbox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrInvalidKey is returned for keys that don't decode to exactly 32 bytes.
var ErrInvalidKey = errors.New("ksecretbox: key must be 32 bytes of url-safe base64")

// GenerateKey creates a new key full of random data.
func GenerateKey() (*[32]byte, error) {
	var k [32]byte
	_, err := rand.Read(k[:])
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ShowKey makes a string out of an encryption key.
func ShowKey(key *[32]byte) string {
	return base64.URLEncoding.EncodeToString(key[:])
}

// ParseKey decodes a key from a string.
func ParseKey(s string) (*[32]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, ErrInvalidKey
	}
	if len(raw) != 32 {
		return nil, ErrInvalidKey
	}

	k := &[32]byte{}
	copy(k[:], raw)
	return k, nil
}

// ParseKeys decodes a comma separated list of keys. The first key seals new
// cookies, the rest are only used to open old ones.
func ParseKeys(s string) ([]*[32]byte, error) {
	var keys []*[32]byte
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}

		k, err := ParseKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}

	if len(keys) == 0 {
		return nil, ErrInvalidKey
	}

	return keys, nil
}
