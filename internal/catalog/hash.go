package catalog

import (
	"encoding/hex"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// HashFile streams the file at path through xxhash64 and returns the
// digest as lowercase hex. Used as the change-detection fingerprint for
// catalog entries; not a cryptographic measure.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
