package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andresmejia3/facesweep/internal/identity"
	"github.com/andresmejia3/facesweep/internal/logging"
	"github.com/andresmejia3/facesweep/internal/metrics"
	"github.com/andresmejia3/facesweep/internal/types"
)

// ImageExtensions is the allowlist of lower-cased extensions, leading dot included.
var ImageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".heic": true,
}

// IsImage reports whether path has an allowlisted extension, ignoring case.
func IsImage(path string) bool {
	return ImageExtensions[strings.ToLower(filepath.Ext(path))]
}

// Config controls traversal.
type Config struct {
	// MaxDepth bounds recursion below each root (0 = unlimited). Symlinks are never followed.
	MaxDepth int
	// SkipHidden skips files and directories starting with "."
	SkipHidden bool
}

// Scanner enumerates image files under a set of roots, one goroutine per root.
type Scanner struct {
	config  Config
	builder identity.Builder
}

func New(config Config) *Scanner {
	return &Scanner{config: config}
}

// Scan walks every root in parallel and returns a record for each eligible file
// that could be hashed. Order across roots is not meaningful and duplicate paths
// are kept. Per-entry failures are logged and skipped.
func (s *Scanner) Scan(ctx context.Context, roots []string) []types.ImageRecord {
	logging.Info("Collecting files in %d directories...", len(roots))

	perRoot := make([][]types.ImageRecord, len(roots))
	var wg sync.WaitGroup
	for i, root := range roots {
		wg.Add(1)
		go func(i int, root string) {
			defer wg.Done()
			perRoot[i] = s.walkRoot(ctx, root)
		}(i, root)
	}
	wg.Wait()

	var records []types.ImageRecord
	for _, recs := range perRoot {
		records = append(records, recs...)
	}
	logging.Info("Collected %d image files", len(records))
	return records
}

func (s *Scanner) walkRoot(ctx context.Context, root string) []types.ImageRecord {
	var records []types.ImageRecord
	root = filepath.Clean(root)
	rootDepth := depth(root)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return fs.SkipAll
		}
		if err != nil {
			if path == root {
				logging.Warn("Failed to read root %s: %v", root, err)
			} else {
				logging.Debug("Failed to read %s: %v", path, err)
			}
			metrics.ScanDirsSkipped.Inc()
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if path != root && s.config.SkipHidden && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if s.config.MaxDepth > 0 && depth(path)-rootDepth > s.config.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if !IsImage(path) {
			return nil
		}
		if !d.Type().IsRegular() && !linksToFile(path, d) {
			return nil
		}
		metrics.ScanFilesDiscovered.Inc()

		rec, err := s.builder.Build(path)
		if err != nil {
			metrics.IdentityFailures.Inc()
			logging.Debug("Failed to process file %s: %v", path, err)
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		logging.Debug("Walk of %s stopped: %v", root, err)
	}
	return records
}

// linksToFile reports whether d is a symlink to a regular file. Links to
// directories are never descended into.
func linksToFile(path string, d fs.DirEntry) bool {
	if d.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		logging.Debug("Skipping broken link %s: %v", path, err)
		return false
	}
	return info.Mode().IsRegular()
}

func depth(path string) int {
	return strings.Count(filepath.ToSlash(path), "/")
}
