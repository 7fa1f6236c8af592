package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Scanner metrics
var (
	ScanFilesDiscovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_scan_files_discovered_total",
			Help: "Total number of eligible image files discovered",
		},
	)

	ScanDirsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_scan_dirs_skipped_total",
			Help: "Total number of directories or entries that could not be read",
		},
	)

	IdentityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_identity_failures_total",
			Help: "Total number of files that could not be hashed",
		},
	)

	IdentityBytesHashed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_identity_bytes_hashed_total",
			Help: "Total number of bytes streamed through the content hash",
		},
	)
)

// Detection metrics
var (
	DetectImagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "facesweep_detect_images_total",
			Help: "Total number of images run through detection",
		},
		[]string{"status"}, // "ok", "decode_error", "inference_error"
	)

	DetectFacesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_detect_faces_total",
			Help: "Total number of faces detected",
		},
	)

	DetectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "facesweep_detect_duration_seconds",
			Help:    "Per-image decode and detection duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	DetectBatchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_detect_batches_total",
			Help: "Total number of batches completed by the worker pool",
		},
	)

	DetectWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facesweep_detect_workers",
			Help: "Number of detection workers in the current run",
		},
	)

	PreviewDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "facesweep_preview_dropped_total",
			Help: "Total number of preview mosaics dropped because the sink was busy",
		},
	)
)

// Run metrics
var (
	RunLastDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facesweep_run_last_duration_seconds",
			Help: "Wall-clock duration of the last pipeline run in seconds",
		},
	)

	RunLastImages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facesweep_run_last_images",
			Help: "Number of images processed by the last pipeline run",
		},
	)

	RunLastFaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facesweep_run_last_faces",
			Help: "Number of faces found by the last pipeline run",
		},
	)

	RunLastTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "facesweep_run_last_timestamp",
			Help: "Unix timestamp of the last pipeline run",
		},
	)
)

// WriteTextfile dumps the default registry in the node_exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
