//go:build gocv

package cascade

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/facesweep/internal/detect"
)

func TestBackendRequiresModel(t *testing.T) {
	if _, err := detect.Lookup("cascade", detect.Options{}); !errors.Is(err, detect.ErrInit) {
		t.Errorf("Expected ErrInit without a model path, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "nope.xml")
	if _, err := detect.Lookup("cascade", detect.Options{ModelPath: missing}); !errors.Is(err, detect.ErrInit) {
		t.Errorf("Expected ErrInit for missing model, got %v", err)
	}
}

func TestDetectBlankImage(t *testing.T) {
	model := os.Getenv("FACESWEEP_CASCADE")
	if model == "" {
		t.Skip("FACESWEEP_CASCADE not set")
	}
	d, err := New(model)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	faces, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 128, 128)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("Expected no faces in a blank image, got %d", len(faces))
	}
}
