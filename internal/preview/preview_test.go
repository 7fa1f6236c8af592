package preview

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facesweep/internal/types"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestComposeGrid(t *testing.T) {
	red := color.RGBA{R: 200, A: 255}
	frame := Frame{Tiles: []Tile{
		{Raster: solid(10, 8, red)},
		{Raster: solid(10, 8, red)},
		{Raster: solid(6, 4, red), Boxes: []types.BoundingBox{{X: 0, Y: 0, Width: 4, Height: 4}}},
	}}

	m := Compose(frame)
	// 3 tiles -> 2 columns x 2 rows of 10x8 cells
	if m.Bounds().Dx() != 20 || m.Bounds().Dy() != 16 {
		t.Fatalf("mosaic bounds = %v, want 20x16", m.Bounds())
	}
	if got := m.NRGBAAt(15, 3); got.R != 200 {
		t.Errorf("second tile not pasted, got %v", got)
	}
	// third tile sits at (0, 8); its box outline starts there
	if got := m.NRGBAAt(0, 8); got != boxColor {
		t.Errorf("box outline missing, got %v", got)
	}
	if got := m.NRGBAAt(19, 15); got.R != 0 || got.A != 255 {
		t.Errorf("empty cell should stay black, got %v", got)
	}
}

func TestComposeEmpty(t *testing.T) {
	if m := Compose(Frame{}); m.Bounds().Dx() != 1 {
		t.Errorf("empty frame bounds = %v", m.Bounds())
	}
}

func TestFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "previews")
	sink, err := NewFileSink(dir)
	if err != nil {
		t.Fatal(err)
	}

	frame := Frame{BatchIndex: 3, Tiles: []Tile{{Raster: solid(4, 4, color.RGBA{B: 255, A: 255})}}}
	if err := sink.Show(context.Background(), frame); err != nil {
		t.Fatalf("Show failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "batch_00003.jpg")); err != nil {
		t.Errorf("preview not written: %v", err)
	}
}

func TestFileSinkRenderError(t *testing.T) {
	sink := &FileSink{Dir: filepath.Join(t.TempDir(), "missing", "dir")}
	err := sink.Show(context.Background(), Frame{BatchIndex: 1, Tiles: []Tile{{Raster: solid(2, 2, color.RGBA{A: 255})}}})
	var renderErr *RenderError
	if !errors.As(err, &renderErr) {
		t.Fatalf("Expected *RenderError, got %v", err)
	}
}
