// Package frame defines the Frame event and Processor descriptor types that
// flow through the orchestrator, along with their boundary validation.
package frame

import (
	"fmt"
	"time"

	"github.com/frameworks-oss/frameorchestrator/internal/errs"
	"github.com/frameworks-oss/frameorchestrator/internal/trace"
)

// MetadataDetectionType is the required metadata key naming the capability
// a frame needs from its processor.
const MetadataDetectionType = "detection_type"

// MetadataPriority is the optional metadata key carrying an admission
// priority in [0, 10] inclusive (§3, §9 open question).
const MetadataPriority = "priority"

// MetadataQueueMaxLen optionally overrides the target queue's bound.
const MetadataQueueMaxLen = "queue_maxlen"

// MetadataRetryCount tracks redelivery attempts for the dead-letter cap.
const MetadataRetryCount = "retry_count"

// Event is an immutable record describing one captured image. It never
// carries pixel bytes; lifetime ends when the assigned processor acks it.
type Event struct {
	FrameID     string            `json:"frame_id"`
	CameraID    string            `json:"camera_id"`
	Timestamp   time.Time         `json:"timestamp"`
	SizeBytes   int64             `json:"size_bytes"`
	Width       int               `json:"width"`
	Height      int               `json:"height"`
	Format      string            `json:"format"`
	Metadata    map[string]string `json:"metadata"`
	TraceCtx    *trace.Context    `json:"trace_context"`
	EnqueuedAt  time.Time         `json:"enqueued_at,omitempty"`
}

// DetectionType returns the frame's required capability, or "" if absent.
func (e *Event) DetectionType() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[MetadataDetectionType]
}

// Priority returns the frame's admission priority, clamped to [0, 10] and
// defaulting to 0 when absent or unparsable.
func (e *Event) Priority() int {
	if e.Metadata == nil {
		return 0
	}
	v, ok := e.Metadata[MetadataPriority]
	if !ok {
		return 0
	}
	var p int
	if _, err := fmt.Sscanf(v, "%d", &p); err != nil {
		return 0
	}
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// Validate rejects malformed frames at the boundary (§7 validation errors):
// missing required fields, bad enum, negative dimensions.
func (e *Event) Validate() error {
	switch {
	case e.FrameID == "":
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("frame_id is required"))
	case e.CameraID == "":
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("camera_id is required"))
	case e.Timestamp.IsZero():
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("timestamp is required"))
	case e.SizeBytes < 0:
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("size_bytes must be non-negative"))
	case e.Width < 0 || e.Height < 0:
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("width/height must be non-negative"))
	case e.Format == "":
		return errs.New(errs.KindValidation, "frame.Validate", fmt.Errorf("format is required"))
	}
	return nil
}
