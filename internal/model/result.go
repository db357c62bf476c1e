package model

import (
	"math"
	"slices"
	"time"
)

// ResultRecord is the self-contained per-image document kept next to the
// relational store.
type ResultRecord struct {
	Filename   string           `json:"filename"`
	Timestamp  float64          `json:"timestamp"`
	Detections []DetectedObject `json:"detections"`
	Metadata   RunMetadata      `json:"metadata"`

	DocumentPath string `json:"-"`
	ImagePath    string `json:"-"`
}

func (r ResultRecord) Time() time.Time {
	return time.UnixMilli(int64(math.Round(r.Timestamp * 1000)))
}

// SourcePath is the path the relational store knows this record by.
func (r ResultRecord) SourcePath() string {
	if r.ImagePath != "" {
		return r.ImagePath
	}
	return r.DocumentPath
}

func (r ResultRecord) MeanConfidence() float64 {
	if len(r.Detections) == 0 {
		return 0
	}
	var sum float64
	for _, d := range r.Detections {
		sum += d.Confidence
	}
	return sum / float64(len(r.Detections))
}

func (r ResultRecord) Clone() ResultRecord {
	out := r
	out.Detections = slices.Clone(r.Detections)
	return out
}
