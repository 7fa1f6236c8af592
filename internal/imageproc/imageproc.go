package imageproc

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

// DefaultMaxEdge is the longer-edge length rasters are scaled to before detection.
const DefaultMaxEdge = 512

// Decoder produces a bounded-size RGB raster for a file.
type Decoder interface {
	Decode(path string, maxEdge int) (*image.RGBA, error)
}

// DecodeError reports a corrupt or unsupported image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Imaging decodes through disintegration/imaging (honouring EXIF orientation) and
// scales with nearest-neighbor sampling.
type Imaging struct{}

func (Imaging) Decode(path string, maxEdge int) (*image.RGBA, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, &DecodeError{Path: path, Err: fmt.Errorf("empty image")}
	}
	return Resize(img, maxEdge), nil
}

// ScaleDimensions scales (w, h) so the longer edge equals maxEdge, keeping the aspect ratio.
func ScaleDimensions(w, h, maxEdge int) (int, int) {
	if w <= 0 || h <= 0 || maxEdge <= 0 {
		return w, h
	}
	var scale float64
	if w > h {
		scale = float64(maxEdge) / float64(w)
	} else {
		scale = float64(maxEdge) / float64(h)
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Resize draws src into a new RGBA raster whose longer edge is maxEdge.
func Resize(src image.Image, maxEdge int) *image.RGBA {
	b := src.Bounds()
	w, h := ScaleDimensions(b.Dx(), b.Dy(), maxEdge)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// RGB packs the raster into tightly packed 3-byte pixels.
func RGB(img *image.RGBA) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):img.PixOffset(b.Max.X, y)]
		for x := 0; x < len(row); x += 4 {
			out = append(out, row[x], row[x+1], row[x+2])
		}
	}
	return out
}
