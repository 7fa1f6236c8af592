package preview

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/andresmejia3/facesweep/internal/types"
	"github.com/disintegration/imaging"
)

// Tile is one processed raster and the boxes found in it.
type Tile struct {
	Path   string
	Raster *image.RGBA
	Boxes  []types.BoundingBox
}

// Frame is everything a batch produced, ready to be composed.
type Frame struct {
	BatchIndex int
	Tiles      []Tile
}

// Sink displays composed previews. Implementations serialize their own writes.
type Sink interface {
	Show(ctx context.Context, frame Frame) error
}

// RenderError is non-fatal to the pipeline.
type RenderError struct {
	BatchIndex int
	Err        error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render batch %d: %v", e.BatchIndex, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

var boxColor = color.NRGBA{R: 0, G: 255, B: 0, A: 255}

// Compose lays the tiles out on a near-square grid and outlines every box.
func Compose(frame Frame) *image.NRGBA {
	n := len(frame.Tiles)
	if n == 0 {
		return imaging.New(1, 1, color.Black)
	}
	cellW, cellH := 0, 0
	for _, t := range frame.Tiles {
		b := t.Raster.Bounds()
		if b.Dx() > cellW {
			cellW = b.Dx()
		}
		if b.Dy() > cellH {
			cellH = b.Dy()
		}
	}
	cols := int(math.Ceil(math.Sqrt(float64(n))))
	rows := (n + cols - 1) / cols

	mosaic := imaging.New(cols*cellW, rows*cellH, color.Black)
	for i, t := range frame.Tiles {
		origin := image.Pt((i%cols)*cellW, (i/cols)*cellH)
		mosaic = imaging.Paste(mosaic, t.Raster, origin)
		for _, b := range t.Boxes {
			outline(mosaic, image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height).Add(origin), 2)
		}
	}
	return mosaic
}

func outline(img *image.NRGBA, r image.Rectangle, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if x-r.Min.X < thickness || r.Max.X-1-x < thickness ||
				y-r.Min.Y < thickness || r.Max.Y-1-y < thickness {
				img.SetNRGBA(x, y, boxColor)
			}
		}
	}
}

// FileSink writes each mosaic as a JPEG into Dir.
type FileSink struct {
	Dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create preview dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

// Show composes and saves the frame. Writes are serialized.
func (s *FileSink) Show(ctx context.Context, frame Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mosaic := Compose(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.Dir, fmt.Sprintf("batch_%05d.jpg", frame.BatchIndex))
	if err := imaging.Save(mosaic, path, imaging.JPEGQuality(85)); err != nil {
		return &RenderError{BatchIndex: frame.BatchIndex, Err: err}
	}
	return nil
}
