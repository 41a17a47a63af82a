// Package clock implements the Clock & IdGen capability of spec §2 item 3:
// UTC wall-clock timestamps, UUIDv4 ids, and SHA-256 content hashing.
// Clock.Now carries no monotonic clock reading (UTC() strips it), so
// durations computed from its values follow wall-clock adjustments.
package clock

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time so tests can inject deterministic values; the
// production implementation below wraps the standard library.
type Clock interface {
	// Now returns the current wall-clock time in UTC.
	Now() time.Time
}

// Real is the production Clock backed by time.Now.
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// IdGen mints identifiers. Production uses UUIDv4; tests may swap in a
// deterministic sequence.
type IdGen interface {
	NewID() string
}

// UUIDGen is the production IdGen.
type UUIDGen struct{}

func (UUIDGen) NewID() string { return uuid.New().String() }

// HashBytes computes the lower-hex SHA-256 digest of content, matching
// Document.file_hash's contract (64 lower-hex characters).
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
