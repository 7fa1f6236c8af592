package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/andresmejia3/facesweep/internal/types"
)

// Report is the end-of-run summary.
type Report struct {
	Images     int                     `json:"images"`
	Faces      int                     `json:"faces"`
	Failed     int                     `json:"failed"`
	Duplicates int                     `json:"duplicates"`
	Elapsed    time.Duration           `json:"elapsed_ns"`
	Results    []types.DetectionResult `json:"results"`
}

// Aggregate counts images and faces across results.
func Aggregate(results []types.DetectionResult, elapsed time.Duration) Report {
	r := Report{Images: len(results), Elapsed: elapsed, Results: results}
	for _, res := range results {
		r.Faces += len(res.Detections)
	}
	return r
}

// Files is every file handed to detection, including the ones that failed.
func (r Report) Files() int {
	return r.Images + r.Failed
}

// AveragePerImage is undefined when nothing was processed.
func (r Report) AveragePerImage() (time.Duration, bool) {
	if r.Images == 0 {
		return 0, false
	}
	return r.Elapsed / time.Duration(r.Images), true
}

// Print writes the human-readable summary.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Total execution time: %s for %d files\n", r.Elapsed, r.Files())
	fmt.Fprintf(w, "Number of faces found: %d\n", r.Faces)
	if r.Failed > 0 {
		fmt.Fprintf(w, "Failed files: %d\n", r.Failed)
	}
	if r.Duplicates > 0 {
		fmt.Fprintf(w, "Duplicate files skipped: %d\n", r.Duplicates)
	}
	if avg, ok := r.AveragePerImage(); ok {
		fmt.Fprintf(w, "Time per file: %s\n", avg)
	} else {
		fmt.Fprintln(w, "No files processed.")
	}
}

// WriteJSON emits the report, results included, as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	if r.Results == nil {
		r.Results = []types.DetectionResult{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
