//go:build gocv

// Package cascade is an in-process OpenCV Haar-cascade detector. It needs cgo and
// OpenCV 4, so it is only built with the gocv tag.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/facesweep/internal/detect"
	"gocv.io/x/gocv"
)

func init() {
	detect.Register("cascade", func(opts detect.Options) (detect.Factory, error) {
		if opts.ModelPath == "" {
			return nil, errors.New("cascade model path is required (--cascade)")
		}
		if _, err := os.Stat(opts.ModelPath); err != nil {
			return nil, fmt.Errorf("cascade file not found: %w", err)
		}
		return func(id int) (detect.Detector, error) {
			return New(opts.ModelPath)
		}, nil
	})
}

// Detector owns one classifier; OpenCV classifiers aren't safe for concurrent use.
type Detector struct {
	classifier gocv.CascadeClassifier
}

func New(modelPath string) (*Detector, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(modelPath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade %s", modelPath)
	}
	return &Detector{classifier: classifier}, nil
}

// Detect reports boxes without confidences; Haar cascades don't score them.
func (d *Detector) Detect(ctx context.Context, img *image.RGBA) ([]detect.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, &detect.InferenceError{Err: err}
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, &detect.InferenceError{Err: errors.New("raster converted to an empty mat")}
	}

	rects := d.classifier.DetectMultiScale(mat)
	faces := make([]detect.Face, 0, len(rects))
	for _, r := range rects {
		faces = append(faces, detect.Face{Rect: r})
	}
	return faces, nil
}

func (d *Detector) Close() error {
	return d.classifier.Close()
}
