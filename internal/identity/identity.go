package identity

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/andresmejia3/facesweep/internal/metrics"
	"github.com/andresmejia3/facesweep/internal/types"
)

const readBufferSize = 256 * 1024

// Builder turns a path into an ImageRecord. Now is overridable for tests.
type Builder struct {
	Now func() time.Time
}

// Build uses the wall clock.
func Build(path string) (types.ImageRecord, error) {
	return Builder{}.Build(path)
}

// Build hashes the file and stamps it. The creation timestamp falls back to the
// processing time when the filesystem doesn't expose a birth time.
func (b Builder) Build(path string) (types.ImageRecord, error) {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	processed := now().UTC()

	hash, size, err := HashFile(path)
	if err != nil {
		return types.ImageRecord{}, err
	}

	created, ok := CreationTime(path)
	if !ok {
		created = processed
	}

	return types.ImageRecord{
		Path:                path,
		CreationTimestamp:   created.UTC(),
		ProcessingTimestamp: processed,
		ContentHash:         hash,
		Size:                size,
	}, nil
}

// HashFile streams the file through SHA-256 and returns the hex digest and byte count.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, bufio.NewReaderSize(f, readBufferSize))
	if err != nil {
		return "", n, fmt.Errorf("hash %s: %w", path, err)
	}
	metrics.IdentityBytesHashed.Add(float64(n))
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
