package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/starford/formsync/internal/models"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fields returns the digest of a field map. encoding/json sorts map keys,
// so equal maps always hash the same.
func Fields(f models.Fields) string {
	if f == nil {
		f = models.Fields{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return ""
	}
	return Sum(data)
}
