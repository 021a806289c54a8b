// Package sha256 fingerprints raw payloads so re-collected pages can be compared.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/listing-pipeline/internal/pipeline"
)

// Hasher implements pipeline.Hasher using SHA-256.
type Hasher struct{}

var _ pipeline.Hasher = Hasher{}

// New returns a SHA-256 hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
