package fingerprint

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidConfig is returned when a stage configuration contains values
// that cannot be serialized deterministically (functions, channels, cycles).
// It is reported at the caller boundary, before any hashing.
var ErrInvalidConfig = errors.New("invalid stage config")

// StageConfig is the declared key-value configuration of a pipeline stage.
// It participates in fingerprinting, so two runs with different settings for
// the same content never share a cache entry.
type StageConfig map[string]any

// CanonicalJSON serializes the configuration deterministically: object keys
// are sorted (encoding/json sorts map keys) and no insignificant whitespace
// is emitted. Construction order of the map never affects the output.
func (c StageConfig) CanonicalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return data, nil
}

// Validate reports whether the configuration is serializable without
// computing a fingerprint. Useful for rejecting bad jobs up front.
func (c StageConfig) Validate() error {
	_, err := c.CanonicalJSON()
	return err
}
