// Package fingerprint derives deterministic identities for units of pipeline
// work. A fingerprint is uniquely determined by the raw content bytes, the
// pipeline stage name, the model identifier, and the stage configuration, so
// the same content processed differently never collides.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
)

// Fingerprint is a hex-encoded SHA-256 digest identifying one unit of work.
// Equal inputs always yield an equal fingerprint; any difference in content,
// stage, model, or config yields a different fingerprint.
type Fingerprint string

// String returns the string representation of the fingerprint.
func (f Fingerprint) String() string {
	return string(f)
}

// Compute derives the fingerprint for one unit of work.
//
// Each component is length-prefixed before hashing so that field boundaries
// are unambiguous ("ab"+"c" never collides with "a"+"bc"). The stage
// configuration is serialized canonically (keys sorted) so semantically
// identical configurations hash identically regardless of construction order.
//
// Compute is a pure function: no I/O, deterministic across processes and
// machines. The only error case is a configuration that cannot be serialized,
// reported as ErrInvalidConfig before any hashing takes place.
func Compute(content []byte, stage, model string, cfg StageConfig) (Fingerprint, error) {
	cfgBytes, err := cfg.CanonicalJSON()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	writeField(h, content)
	writeField(h, []byte(stage))
	writeField(h, []byte(model))
	writeField(h, cfgBytes)

	return Fingerprint(hex.EncodeToString(h.Sum(nil))), nil
}

// writeField writes an 8-byte big-endian length prefix followed by the data.
func writeField(h hash.Hash, data []byte) {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], uint64(len(data)))
	h.Write(prefix[:])
	h.Write(data)
}

// Parse validates that s looks like a fingerprint produced by Compute.
func Parse(s string) (Fingerprint, error) {
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("fingerprint must be %d hex characters, got %d", sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("fingerprint is not valid hex: %w", err)
	}
	return Fingerprint(s), nil
}
