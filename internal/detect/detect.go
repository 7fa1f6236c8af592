// Package detect defines the face-detection capability and the registry of
// interchangeable backends selected at startup.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"sync"
	"time"

	"github.com/andresmejia3/facesweep/internal/logging"
	"github.com/andresmejia3/facesweep/internal/types"
)

// ErrInit wraps every failure to construct a detector. It is fatal to a run.
var ErrInit = errors.New("detector initialization failed")

// Face is a single detector-reported box. Confidence is nil when not reported.
type Face struct {
	Rect       image.Rectangle
	Confidence *float32
}

// Detector finds faces in an RGB raster. A Detector is used by one goroutine at a time.
type Detector interface {
	Detect(ctx context.Context, img *image.RGBA) ([]Face, error)
	Close() error
}

// Factory builds the detector owned by worker id.
type Factory func(id int) (Detector, error)

// InferenceError reports a detector failure on one raster.
type InferenceError struct {
	Err error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Options carries backend-agnostic construction parameters.
type Options struct {
	// Command is the engine command line for subprocess backends.
	Command []string
	// ModelPath points at model weights or cascade files.
	ModelPath string
	// Threshold drops faces below this confidence when the backend reports one.
	Threshold float64
	// Timeout bounds a single Detect call (0 = none).
	Timeout time.Duration
}

// Backend turns Options into a Factory.
type Backend func(opts Options) (Factory, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// Register makes a backend available by name. It panics on duplicates.
func Register(name string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if _, dup := backends[name]; dup {
		panic("detect: backend registered twice: " + name)
	}
	backends[name] = b
}

// Lookup returns the named backend's factory.
func Lookup(name string, opts Options) (Factory, error) {
	backendsMu.RLock()
	b, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q (available: %v)", ErrInit, name, Backends())
	}
	f, err := b(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInit, name, err)
	}
	return f, nil
}

// Backends lists registered names, sorted.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ToDetections clips boxes to the raster and assigns IDs, preserving detector order.
func ToDetections(faces []Face, bounds image.Rectangle) []types.Detection {
	out := make([]types.Detection, 0, len(faces))
	for _, f := range faces {
		r := f.Rect.Canon().Intersect(bounds)
		if r.Empty() {
			logging.Debug("Dropping face box %v outside raster %v", f.Rect, bounds)
			continue
		}
		out = append(out, types.NewDetection(types.BoundingBox{
			X:      r.Min.X,
			Y:      r.Min.Y,
			Width:  r.Dx(),
			Height: r.Dy(),
		}, f.Confidence))
	}
	return out
}

// FilterConfidence drops faces whose reported confidence is below threshold.
// Faces without a confidence are kept.
func FilterConfidence(faces []Face, threshold float64) []Face {
	if threshold <= 0 {
		return faces
	}
	kept := faces[:0]
	for _, f := range faces {
		if f.Confidence != nil && float64(*f.Confidence) < threshold {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}
