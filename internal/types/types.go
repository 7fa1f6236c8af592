package types

import (
	"time"

	"github.com/google/uuid"
)

// ImageRecord is one discovered file plus its content identity.
type ImageRecord struct {
	Path                string
	CreationTimestamp   time.Time
	ProcessingTimestamp time.Time
	ContentHash         string // hex SHA-256 of the full file content
	Size                int64
}

// BoundingBox is in pixel coordinates of the resized raster fed to the detector.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Detection is one located face. Confidence is nil when the backend doesn't report one.
type Detection struct {
	ID         uuid.UUID   `json:"id"`
	BBox       BoundingBox `json:"bbox"`
	Confidence *float32    `json:"confidence,omitempty"`
}

// NewDetection assigns a fresh ID to a detector-reported box.
func NewDetection(box BoundingBox, confidence *float32) Detection {
	return Detection{ID: uuid.New(), BBox: box, Confidence: confidence}
}

// DetectionResult holds all detections found in one image, in detector order.
type DetectionResult struct {
	ID          uuid.UUID   `json:"id"`
	SourcePath  string      `json:"source_path"`
	ContentHash string      `json:"content_hash"`
	Timestamp   time.Time   `json:"timestamp"`
	Detections  []Detection `json:"detections"`
}

// NewDetectionResult stamps a result for the given record.
func NewDetectionResult(rec ImageRecord, detections []Detection) DetectionResult {
	return DetectionResult{
		ID:          uuid.New(),
		SourcePath:  rec.Path,
		ContentHash: rec.ContentHash,
		Timestamp:   time.Now().UTC(),
		Detections:  detections,
	}
}

// Batch is a contiguous slice of records handed to one worker.
type Batch struct {
	Index   int
	Records []ImageRecord
}
