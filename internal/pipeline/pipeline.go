package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/facesweep/internal/detect"
	"github.com/andresmejia3/facesweep/internal/dispatch"
	"github.com/andresmejia3/facesweep/internal/imageproc"
	"github.com/andresmejia3/facesweep/internal/logging"
	"github.com/andresmejia3/facesweep/internal/metrics"
	"github.com/andresmejia3/facesweep/internal/preview"
	"github.com/andresmejia3/facesweep/internal/report"
	"github.com/andresmejia3/facesweep/internal/scanner"
	"github.com/andresmejia3/facesweep/internal/types"
)

// Options configures one end-to-end run.
type Options struct {
	Roots    []string
	Scan     scanner.Config
	Dispatch dispatch.Config
	// Dedupe drops records whose content hash was already seen.
	Dedupe bool
}

// Deps are the capabilities the run is built from. Sink may be nil.
type Deps struct {
	Factory detect.Factory
	Decoder imageproc.Decoder
	Sink    preview.Sink
}

// Run scans the roots, detects faces in every image found and returns the summary.
// In fail-fast mode the first detection failure is returned and no report is produced.
func Run(ctx context.Context, opts Options, deps Deps) (report.Report, error) {
	start := time.Now()

	records := scanner.New(opts.Scan).Scan(ctx, opts.Roots)
	if err := ctx.Err(); err != nil {
		return report.Report{}, err
	}

	var duplicates int
	if opts.Dedupe {
		var dups []types.ImageRecord
		records, dups = Dedupe(records)
		duplicates = len(dups)
		if duplicates > 0 {
			logging.Info("Skipping %d files with duplicate content", duplicates)
		}
	}

	if len(records) == 0 {
		rep := report.Aggregate(nil, time.Since(start))
		rep.Duplicates = duplicates
		recordRun(rep)
		return rep, nil
	}

	decoder := deps.Decoder
	if decoder == nil {
		decoder = imageproc.Imaging{}
	}

	out, err := dispatch.New(opts.Dispatch, deps.Factory, decoder, deps.Sink).Run(ctx, records)
	if err != nil {
		return report.Report{}, fmt.Errorf("face detection: %w", err)
	}

	rep := report.Aggregate(out.Results, 0)
	rep.Failed = len(out.Failures)
	rep.Duplicates = duplicates
	rep.Elapsed = time.Since(start)
	recordRun(rep)
	return rep, nil
}

// Dedupe keeps the first record seen for each content hash.
func Dedupe(records []types.ImageRecord) (unique, duplicates []types.ImageRecord) {
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		if seen[rec.ContentHash] {
			duplicates = append(duplicates, rec)
			continue
		}
		seen[rec.ContentHash] = true
		unique = append(unique, rec)
	}
	return unique, duplicates
}

func recordRun(rep report.Report) {
	metrics.RunLastDuration.Set(rep.Elapsed.Seconds())
	metrics.RunLastImages.Set(float64(rep.Images))
	metrics.RunLastFaces.Set(float64(rep.Faces))
	metrics.RunLastTimestamp.SetToCurrentTime()
}
