package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/preview"
	"github.com/andresmejia3/facesweep/internal/types"
)

// fixture describes how the fakes treat one path.
type fixture struct {
	faces     int
	decodeErr bool
	detectErr bool
}

// fakeDecoder encodes the face count and failure flag into the first pixel.
type fakeDecoder struct {
	fixtures map[string]fixture
	calls    atomic.Int64
}

func (f *fakeDecoder) Decode(path string, maxEdge int) (*image.RGBA, error) {
	f.calls.Add(1)
	s := f.fixtures[path]
	if s.decodeErr {
		return nil, &imageproc.DecodeError{Path: path, Err: errors.New("corrupt")}
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	img.Pix[0] = uint8(s.faces)
	if s.detectErr {
		img.Pix[1] = 1
	}
	return img, nil
}

// fakeDetector tracks how many detectors run at once across the pool.
type fakeDetector struct {
	inFlight *atomic.Int64
	maxSeen  *atomic.Int64
	closed   *atomic.Int64
	delay    time.Duration
}

func (f *fakeDetector) Detect(ctx context.Context, img *image.RGBA) ([]detect.Face, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if img.Pix[1] == 1 {
		return nil, errors.New("model exploded")
	}
	faces := make([]detect.Face, int(img.Pix[0]))
	for i := range faces {
		faces[i] = detect.Face{Rect: image.Rect(i*4, 0, i*4+4, 4)}
	}
	return faces, nil
}

func (f *fakeDetector) Close() error {
	f.closed.Add(1)
	return nil
}

type pool struct {
	inFlight, maxSeen, closed, built atomic.Int64
	delay                            time.Duration
	failOn                           int
}

func (p *pool) factory() detect.Factory {
	return func(id int) (detect.Detector, error) {
		if p.failOn > 0 && id == p.failOn-1 {
			return nil, errors.New("weights not found")
		}
		p.built.Add(1)
		return &fakeDetector{inFlight: &p.inFlight, maxSeen: &p.maxSeen, closed: &p.closed, delay: p.delay}, nil
	}
}

func makeRecords(fixtures map[string]fixture, n int, faces func(i int) int) []types.ImageRecord {
	recs := make([]types.ImageRecord, n)
	for i := 0; i < n; i++ {
		p := fmt.Sprintf("img%02d.jpg", i)
		recs[i] = types.ImageRecord{Path: p, ContentHash: fmt.Sprintf("hash%02d", i)}
		fixtures[p] = fixture{faces: faces(i)}
	}
	return recs
}

func TestPartition(t *testing.T) {
	recs := make([]types.ImageRecord, 7)
	tests := []struct {
		n        int
		wantLens []int
	}{
		{1, []int{1, 1, 1, 1, 1, 1, 1}},
		{3, []int{3, 3, 1}},
		{7, []int{7}},
		{10, []int{7}},
		{0, []int{1, 1, 1, 1, 1, 1, 1}},
	}

	for _, tt := range tests {
		batches := Partition(recs, tt.n)
		if len(batches) != len(tt.wantLens) {
			t.Errorf("Partition(7, %d) = %d batches, want %d", tt.n, len(batches), len(tt.wantLens))
			continue
		}
		for i, b := range batches {
			if b.Index != i || len(b.Records) != tt.wantLens[i] {
				t.Errorf("Partition(7, %d)[%d] = index %d len %d, want index %d len %d",
					tt.n, i, b.Index, len(b.Records), i, tt.wantLens[i])
			}
		}
	}

	if got := Partition(nil, 4); len(got) != 0 {
		t.Errorf("Partition(nil) = %d batches, want 0", len(got))
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy("fail-fast"); err != nil || p != FailFast {
		t.Errorf("ParsePolicy(fail-fast) = %v, %v", p, err)
	}
	if p, err := ParsePolicy(""); err != nil || p != BestEffort {
		t.Errorf("ParsePolicy(\"\") = %v, %v", p, err)
	}
	if _, err := ParsePolicy("yolo"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestRunBatchCompleteness(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 11, func(i int) int { return i % 3 })
	p := &pool{}

	out, err := New(Config{Workers: 4}, p.factory(), &fakeDecoder{fixtures: fixtures}, nil).Run(context.Background(), recs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Results) != 11 {
		t.Errorf("Expected 11 results, got %d", len(out.Results))
	}
	if out.Batches != 3 {
		t.Errorf("Expected ceil(11/4)=3 batches, got %d", out.Batches)
	}

	seen := map[string]bool{}
	for _, r := range out.Results {
		if seen[r.SourcePath] {
			t.Errorf("image %s processed twice", r.SourcePath)
		}
		seen[r.SourcePath] = true
		if len(r.Detections) != fixtures[r.SourcePath].faces {
			t.Errorf("%s: %d detections, want %d", r.SourcePath, len(r.Detections), fixtures[r.SourcePath].faces)
		}
	}
	if p.built.Load() != 4 || p.closed.Load() != 4 {
		t.Errorf("built %d / closed %d detectors, want 4 / 4", p.built.Load(), p.closed.Load())
	}
	if p.maxSeen.Load() > 4 {
		t.Errorf("observed %d concurrent detections with 4 workers", p.maxSeen.Load())
	}
}

func TestRunCounterIndependentOfWorkers(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 25, func(i int) int { return (i * 7) % 5 })
	want := int64(0)
	for _, s := range fixtures {
		want += int64(s.faces)
	}

	for _, w := range []int{1, 2, 5, 25, 40} {
		t.Run(fmt.Sprintf("workers=%d", w), func(t *testing.T) {
			p := &pool{}
			out, err := New(Config{Workers: w}, p.factory(), &fakeDecoder{fixtures: fixtures}, nil).Run(context.Background(), recs)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if out.Faces != want {
				t.Errorf("Faces = %d, want %d", out.Faces, want)
			}
			sum := int64(0)
			for _, r := range out.Results {
				sum += int64(len(r.Detections))
			}
			if sum != out.Faces {
				t.Errorf("counter %d disagrees with results sum %d", out.Faces, sum)
			}
		})
	}
}

func TestRunBestEffortDropsFailures(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 6, func(int) int { return 1 })
	fixtures["img02.jpg"] = fixture{faces: 3, detectErr: true}
	fixtures["img04.jpg"] = fixture{decodeErr: true}

	var progress bytes.Buffer
	out, err := New(Config{Workers: 2, Policy: BestEffort, Progress: &progress}, (&pool{}).factory(), &fakeDecoder{fixtures: fixtures}, nil).
		Run(context.Background(), recs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Results) != 4 {
		t.Errorf("Expected 4 results, got %d", len(out.Results))
	}
	if out.Faces != 4 {
		t.Errorf("Faces = %d, want 4 (failed image must not count)", out.Faces)
	}
	if len(out.Failures) != 2 {
		t.Fatalf("Expected 2 failures, got %d", len(out.Failures))
	}
	for _, f := range out.Failures {
		if f.Path != "img02.jpg" && f.Path != "img04.jpg" {
			t.Errorf("unexpected failure for %s", f.Path)
		}
	}
	if progress.Len() == 0 {
		t.Error("progress bar wrote nothing")
	}
}

func TestRunFailFast(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 30, func(int) int { return 1 })
	fixtures["img13.jpg"] = fixture{detectErr: true}

	out, err := New(Config{Workers: 3, Policy: FailFast}, (&pool{}).factory(), &fakeDecoder{fixtures: fixtures}, nil).
		Run(context.Background(), recs)
	if err == nil {
		t.Fatal("Expected fail-fast error")
	}
	var itemErr *ItemError
	if !errors.As(err, &itemErr) || itemErr.Path != "img13.jpg" {
		t.Fatalf("Expected ItemError for img13.jpg, got %v", err)
	}
	if !strings.Contains(err.Error(), "img13.jpg") {
		t.Errorf("error message should name the path: %v", err)
	}
	var infErr *detect.InferenceError
	if !errors.As(err, &infErr) {
		t.Errorf("Expected wrapped InferenceError, got %v", err)
	}
	if len(out.Results) != 0 || out.Faces != 0 {
		t.Errorf("fail-fast must not return partial results, got %+v", out)
	}
}

func TestRunFailFastToleratesDecodeErrors(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 4, func(int) int { return 2 })
	fixtures["img01.jpg"] = fixture{decodeErr: true}

	out, err := New(Config{Workers: 2, Policy: FailFast}, (&pool{}).factory(), &fakeDecoder{fixtures: fixtures}, nil).
		Run(context.Background(), recs)
	if err != nil {
		t.Fatalf("decode errors must not abort a fail-fast run: %v", err)
	}
	if len(out.Results) != 3 || out.Faces != 6 || len(out.Failures) != 1 {
		t.Errorf("got %d results, %d faces, %d failures; want 3, 6, 1", len(out.Results), out.Faces, len(out.Failures))
	}
}

func TestRunDetectorInitFailure(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 5, func(int) int { return 1 })
	p := &pool{failOn: 2}
	dec := &fakeDecoder{fixtures: fixtures}

	_, err := New(Config{Workers: 3}, p.factory(), dec, nil).Run(context.Background(), recs)
	if !errors.Is(err, detect.ErrInit) {
		t.Fatalf("Expected ErrInit, got %v", err)
	}
	if dec.calls.Load() != 0 {
		t.Errorf("no work may be dispatched after init failure, decoder called %d times", dec.calls.Load())
	}
	if p.closed.Load() != p.built.Load() {
		t.Errorf("built %d detectors but closed %d", p.built.Load(), p.closed.Load())
	}
}

func TestRunEmptyAndInvalid(t *testing.T) {
	p := &pool{}
	out, err := New(Config{Workers: 2}, p.factory(), &fakeDecoder{}, nil).Run(context.Background(), nil)
	if err != nil || len(out.Results) != 0 {
		t.Errorf("empty run = %+v, %v", out, err)
	}
	if p.built.Load() != 0 {
		t.Error("empty run must not build detectors")
	}

	if _, err := New(Config{Workers: 0}, p.factory(), &fakeDecoder{}, nil).Run(context.Background(), []types.ImageRecord{{Path: "a.jpg"}}); err == nil {
		t.Error("Expected error for zero workers")
	}
}

func TestRunCancelled(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 50, func(int) int { return 1 })
	p := &pool{delay: 5 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := New(Config{Workers: 2}, p.factory(), &fakeDecoder{fixtures: fixtures}, nil).Run(ctx, recs)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if p.closed.Load() != 2 {
		t.Errorf("detectors closed = %d, want 2", p.closed.Load())
	}
}

type recordingSink struct {
	mu     sync.Mutex
	frames []preview.Frame
	fail   bool
}

func (s *recordingSink) Show(ctx context.Context, f preview.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	if s.fail {
		return &preview.RenderError{BatchIndex: f.BatchIndex, Err: errors.New("no display")}
	}
	return nil
}

func TestRunPreviewSink(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 4, func(int) int { return 1 })
	sink := &recordingSink{}

	out, err := New(Config{Workers: 2, PreviewBuffer: 8}, (&pool{}).factory(), &fakeDecoder{fixtures: fixtures}, sink).
		Run(context.Background(), recs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out.Results) != 4 {
		t.Errorf("Expected 4 results, got %d", len(out.Results))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.frames) != 2 {
		t.Fatalf("Expected 2 preview frames, got %d", len(sink.frames))
	}
	for _, f := range sink.frames {
		if len(f.Tiles) != 2 {
			t.Errorf("frame %d has %d tiles, want 2", f.BatchIndex, len(f.Tiles))
		}
		for _, tl := range f.Tiles {
			if tl.Raster == nil || len(tl.Boxes) != 1 {
				t.Errorf("tile %s: raster=%v boxes=%d", tl.Path, tl.Raster != nil, len(tl.Boxes))
			}
		}
	}
}

func TestRunPreviewErrorsAreNonFatal(t *testing.T) {
	fixtures := map[string]fixture{}
	recs := makeRecords(fixtures, 3, func(int) int { return 0 })

	out, err := New(Config{Workers: 1, PreviewBuffer: 8}, (&pool{}).factory(), &fakeDecoder{fixtures: fixtures}, &recordingSink{fail: true}).
		Run(context.Background(), recs)
	if err != nil {
		t.Fatalf("render errors must not fail the run: %v", err)
	}
	if len(out.Results) != 3 {
		t.Errorf("Expected 3 results, got %d", len(out.Results))
	}
}
