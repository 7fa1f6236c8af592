package dispatch

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/logging"
	"github.com/andresmejia3/facesweep/internal/metrics"
	"github.com/andresmejia3/facesweep/internal/preview"
	"github.com/andresmejia3/facesweep/internal/types"
	"github.com/schollz/progressbar/v3"
)

// Policy decides what a per-image detection failure does to the run.
type Policy int

const (
	// BestEffort logs the failure, drops the image and keeps going.
	BestEffort Policy = iota
	// FailFast aborts the run on the first detection failure.
	FailFast
)

func (p Policy) String() string {
	if p == FailFast {
		return "fail-fast"
	}
	return "best-effort"
}

// ParsePolicy accepts "best-effort" or "fail-fast".
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "best-effort", "besteffort":
		return BestEffort, nil
	case "fail-fast", "failfast":
		return FailFast, nil
	}
	return BestEffort, fmt.Errorf("unknown failure policy %q", s)
}

// Config controls the worker pool.
type Config struct {
	// Workers is both the pool size and the batch size.
	Workers int
	MaxEdge int
	Policy  Policy
	// Progress receives a progress bar when non-nil.
	Progress io.Writer
	// PreviewBuffer is how many mosaics may wait for the sink before new ones are dropped.
	PreviewBuffer int
}

// ItemError ties a failure to the image that caused it.
type ItemError struct {
	Path string
	Err  error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("processing %s: %v", e.Path, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Outcome is what a completed Run hands to the aggregator.
type Outcome struct {
	Results  []types.DetectionResult
	Failures []ItemError
	Batches  int
	Faces    int64
}

// Dispatcher runs batches of records through a fixed pool of detectors.
type Dispatcher struct {
	config  Config
	factory detect.Factory
	decoder imageproc.Decoder
	sink    preview.Sink
}

// New builds a Dispatcher. sink may be nil.
func New(config Config, factory detect.Factory, decoder imageproc.Decoder, sink preview.Sink) *Dispatcher {
	if config.MaxEdge <= 0 {
		config.MaxEdge = imageproc.DefaultMaxEdge
	}
	if config.PreviewBuffer <= 0 {
		config.PreviewBuffer = 2
	}
	return &Dispatcher{config: config, factory: factory, decoder: decoder, sink: sink}
}

// Partition splits records into contiguous batches of size n; the last may be shorter.
func Partition(records []types.ImageRecord, n int) []types.Batch {
	if n < 1 {
		n = 1
	}
	batches := make([]types.Batch, 0, (len(records)+n-1)/n)
	for start := 0; start < len(records); start += n {
		end := start + n
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, types.Batch{Index: len(batches), Records: records[start:end]})
	}
	return batches
}

// itemResult is one record's outcome inside a batch message.
type itemResult struct {
	record types.ImageRecord
	result types.DetectionResult
	raster *image.RGBA
	err    error
}

// batchResult is the message a worker sends to the collector.
type batchResult struct {
	index int
	items []itemResult
}

// Run processes every record and returns once the pool has fully drained.
func (d *Dispatcher) Run(ctx context.Context, records []types.ImageRecord) (Outcome, error) {
	w := d.config.Workers
	if w < 1 {
		return Outcome{}, fmt.Errorf("worker count must be >= 1, got %d", w)
	}
	if len(records) == 0 {
		return Outcome{}, nil
	}

	detectors, err := d.startDetectors(w)
	if err != nil {
		return Outcome{}, err
	}
	metrics.DetectWorkers.Set(float64(w))

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := Partition(records, w)
	logging.Info("Applying face detection to %d images in %d batches (%d workers, %s)",
		len(records), len(batches), w, d.config.Policy)

	batchChan := make(chan types.Batch, w)
	resultsChan := make(chan batchResult, w)

	// Scoped to this run; workers only add, the collector reads after the drain.
	var faces atomic.Int64

	var wg sync.WaitGroup
	for i, det := range detectors {
		wg.Add(1)
		go func(id int, det detect.Detector) {
			defer wg.Done()
			d.worker(ctx, id, det, batchChan, resultsChan, &faces)
		}(i, det)
	}

	go func() {
		defer close(batchChan)
		for _, b := range batches {
			select {
			case batchChan <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	frames, previewDone := d.startPreview(ctx)

	var bar *progressbar.ProgressBar
	if d.config.Progress != nil {
		bar = progressbar.NewOptions(len(records),
			progressbar.OptionSetDescription("🔍 Detecting faces"),
			progressbar.OptionSetWriter(d.config.Progress),
			progressbar.OptionShowCount(),
		)
	}

	var out Outcome
	var firstErr error
	for br := range resultsChan {
		out.Batches++
		metrics.DetectBatchesTotal.Inc()
		var tiles []preview.Tile
		for _, it := range br.items {
			if bar != nil {
				bar.Add(1)
			}
			if it.err == nil {
				out.Results = append(out.Results, it.result)
				if it.raster != nil {
					tiles = append(tiles, tile(it))
				}
				continue
			}
			// Once the run is cancelled, leftover items carry ctx errors, not failures.
			if firstErr != nil || ctx.Err() != nil {
				continue
			}

			var decErr *imageproc.DecodeError
			if d.config.Policy == FailFast && !errors.As(it.err, &decErr) {
				firstErr = &ItemError{Path: it.record.Path, Err: it.err}
				logging.Error("Detection failed for %s, aborting run: %v", it.record.Path, it.err)
				cancel()
				continue
			}
			logging.Error("Skipping %s: %v", it.record.Path, it.err)
			out.Failures = append(out.Failures, ItemError{Path: it.record.Path, Err: it.err})
		}
		if frames != nil && len(tiles) > 0 {
			select {
			case frames <- preview.Frame{BatchIndex: br.index, Tiles: tiles}:
			default:
				metrics.PreviewDropped.Inc()
				logging.Debug("Preview sink busy, dropping batch %d", br.index)
			}
		}
	}

	if frames != nil {
		close(frames)
		<-previewDone
	}
	if bar != nil {
		bar.Finish()
	}

	if firstErr != nil {
		return Outcome{}, firstErr
	}
	if err := parent.Err(); err != nil {
		return Outcome{}, err
	}
	out.Faces = faces.Load()
	return out, nil
}

// startDetectors builds one detector per worker before any work is dispatched.
// If any fails, the ones already built are closed and the run aborts.
func (d *Dispatcher) startDetectors(n int) ([]detect.Detector, error) {
	logging.Info("Warming up %d detection engines...", n)
	detectors := make([]detect.Detector, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			detectors[id], errs[id] = d.factory(id)
		}(i)
	}
	wg.Wait()

	for id, err := range errs {
		if err == nil {
			continue
		}
		for _, det := range detectors {
			if det != nil {
				det.Close()
			}
		}
		if errors.Is(err, detect.ErrInit) {
			return nil, fmt.Errorf("worker %d: %w", id, err)
		}
		return nil, fmt.Errorf("%w: worker %d: %w", detect.ErrInit, id, err)
	}
	return detectors, nil
}

func (d *Dispatcher) worker(ctx context.Context, id int, det detect.Detector, batches <-chan types.Batch, results chan<- batchResult, faces *atomic.Int64) {
	defer func() {
		if err := det.Close(); err != nil {
			logging.Debug("Worker %d: detector close: %v", id, err)
		}
	}()
	logging.Debug("Worker %d started", id)

	for batch := range batches {
		br := batchResult{index: batch.Index, items: make([]itemResult, 0, len(batch.Records))}
		for _, rec := range batch.Records {
			if err := ctx.Err(); err != nil {
				br.items = append(br.items, itemResult{record: rec, err: err})
				continue
			}
			br.items = append(br.items, d.process(ctx, det, rec, faces))
		}

		select {
		case results <- br:
		case <-ctx.Done():
			return
		}
	}
	logging.Debug("Worker %d finished", id)
}

// process decodes, resizes and detects one record.
func (d *Dispatcher) process(ctx context.Context, det detect.Detector, rec types.ImageRecord, faces *atomic.Int64) itemResult {
	start := time.Now()

	raster, err := d.decoder.Decode(rec.Path, d.config.MaxEdge)
	if err != nil {
		metrics.DetectImagesTotal.WithLabelValues("decode_error").Inc()
		var decErr *imageproc.DecodeError
		if !errors.As(err, &decErr) {
			err = &imageproc.DecodeError{Path: rec.Path, Err: err}
		}
		return itemResult{record: rec, err: err}
	}

	found, err := det.Detect(ctx, raster)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{record: rec, err: ctx.Err()}
		}
		metrics.DetectImagesTotal.WithLabelValues("inference_error").Inc()
		var infErr *detect.InferenceError
		if !errors.As(err, &infErr) {
			err = &detect.InferenceError{Err: err}
		}
		return itemResult{record: rec, err: err}
	}

	dets := detect.ToDetections(found, raster.Bounds())
	faces.Add(int64(len(dets)))

	metrics.DetectImagesTotal.WithLabelValues("ok").Inc()
	metrics.DetectFacesTotal.Add(float64(len(dets)))
	metrics.DetectDuration.Observe(time.Since(start).Seconds())

	it := itemResult{record: rec, result: types.NewDetectionResult(rec, dets)}
	if d.sink != nil {
		it.raster = raster
	}
	return it
}

// startPreview runs the sink on its own goroutine so rendering never holds up the collector.
func (d *Dispatcher) startPreview(ctx context.Context) (chan<- preview.Frame, <-chan struct{}) {
	if d.sink == nil {
		return nil, nil
	}
	frames := make(chan preview.Frame, d.config.PreviewBuffer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range frames {
			if err := d.sink.Show(ctx, f); err != nil {
				logging.Warn("Preview for batch %d failed: %v", f.BatchIndex, err)
			}
		}
	}()
	return frames, done
}

func tile(it itemResult) preview.Tile {
	boxes := make([]types.BoundingBox, len(it.result.Detections))
	for i, det := range it.result.Detections {
		boxes[i] = det.BBox
	}
	return preview.Tile{Path: it.record.Path, Raster: it.raster, Boxes: boxes}
}
