// Package id generates opaque identifiers for persisted records.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// namespace scopes derived identifiers to this system.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/louisbranch/holdfast"))

// NewID returns a random 26-character lowercase base32 identifier.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return encode(value), nil
}

// DerivedID returns a stable identifier for kind and parts.
//
// The same inputs always yield the same id, so an insert keyed by a derived id
// collides with an earlier insert for the same natural key.
func DerivedID(kind string, parts ...string) string {
	name := strings.Join(append([]string{kind}, parts...), "\x1f")
	return encode(uuid.NewSHA1(namespace, []byte(name)))
}

func encode(value uuid.UUID) string {
	return strings.ToLower(encoding.EncodeToString(value[:]))
}
