package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"time"
)

var ErrInvalidDetection = errors.New("invalid detection")

const PotholeClassName = "pothole"

type Detection struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	ImageID       uint      `gorm:"not null;index" json:"image_id"`
	ClassID       int       `gorm:"not null" json:"class_id"`
	ClassName     string    `gorm:"type:text;not null" json:"class_name"`
	Confidence    float64   `gorm:"not null" json:"confidence"`
	BBoxX1        int       `gorm:"column:bbox_x1;not null" json:"bbox_x1"`
	BBoxY1        int       `gorm:"column:bbox_y1;not null" json:"bbox_y1"`
	BBoxX2        int       `gorm:"column:bbox_x2;not null" json:"bbox_x2"`
	BBoxY2        int       `gorm:"column:bbox_y2;not null" json:"bbox_y2"`
	DetectionDate time.Time `gorm:"not null;index" json:"detection_date"`
}

func (Detection) TableName() string {
	return "detections"
}

// BoundingBox holds x1, y1, x2, y2 in pixels.
type BoundingBox [4]int

func (b BoundingBox) Valid() bool {
	return b[0] < b[2] && b[1] < b[3]
}

// DetectedObject is one box as produced by a detector and as written to
// result documents.
type DetectedObject struct {
	BBox       BoundingBox `json:"bbox"`
	Confidence float64     `json:"confidence"`
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
}

func (d DetectedObject) Validate() error {
	if !d.BBox.Valid() {
		return fmt.Errorf("%w: bbox %v must satisfy x1<x2 and y1<y2", ErrInvalidDetection, d.BBox)
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidDetection, d.Confidence)
	}
	if d.ClassName == "" {
		return fmt.Errorf("%w: class name is empty", ErrInvalidDetection)
	}
	return nil
}

func (d DetectedObject) Row(imageID uint, at time.Time) Detection {
	return Detection{
		ImageID:       imageID,
		ClassID:       d.ClassID,
		ClassName:     d.ClassName,
		Confidence:    d.Confidence,
		BBoxX1:        d.BBox[0],
		BBoxY1:        d.BBox[1],
		BBoxX2:        d.BBox[2],
		BBoxY2:        d.BBox[3],
		DetectionDate: at,
	}
}

// RunMetadata describes one detector run. On disk it is a flat object; keys
// that are not modeled here survive in Extra.
type RunMetadata struct {
	Width          int
	Height         int
	InferenceTime  float64
	Model          string
	DetectionCount int
	CapturedAt     time.Time
	Location       *Coordinates
	Extra          map[string]any
}

const (
	metaWidth          = "image_width"
	metaHeight         = "image_height"
	metaInferenceTime  = "inference_time"
	metaDetectionCount = "detection_count"
	metaModel          = "model"
	metaTimestamp      = "timestamp"
	metaLatitude       = "latitude"
	metaLongitude      = "longitude"
)

func (m RunMetadata) ToMap() map[string]any {
	out := make(map[string]any, len(m.Extra)+8)
	maps.Copy(out, m.Extra)
	out[metaWidth] = m.Width
	out[metaHeight] = m.Height
	out[metaInferenceTime] = m.InferenceTime
	out[metaDetectionCount] = m.DetectionCount
	out[metaModel] = m.Model
	if !m.CapturedAt.IsZero() {
		out[metaTimestamp] = float64(m.CapturedAt.UnixMilli()) / 1000
	}
	if m.Location != nil {
		out[metaLatitude] = m.Location.Latitude
		out[metaLongitude] = m.Location.Longitude
	}
	return out
}

func RunMetadataFromMap(raw map[string]any) (RunMetadata, error) {
	var m RunMetadata
	extra := make(map[string]any)
	var lat, lon *float64

	for key, value := range raw {
		switch key {
		case metaWidth, metaHeight, metaDetectionCount, metaInferenceTime, metaTimestamp, metaLatitude, metaLongitude:
			if value == nil {
				continue
			}
			n, ok := number(value)
			if !ok {
				return RunMetadata{}, fmt.Errorf("metadata %q: expected number, got %T", key, value)
			}
			switch key {
			case metaWidth:
				m.Width = int(n)
			case metaHeight:
				m.Height = int(n)
			case metaDetectionCount:
				m.DetectionCount = int(n)
			case metaInferenceTime:
				m.InferenceTime = n
			case metaTimestamp:
				m.CapturedAt = time.UnixMilli(int64(math.Round(n * 1000)))
			case metaLatitude:
				lat = &n
			case metaLongitude:
				lon = &n
			}
		case metaModel:
			s, ok := value.(string)
			if !ok && value != nil {
				return RunMetadata{}, fmt.Errorf("metadata %q: expected string, got %T", key, value)
			}
			m.Model = s
		default:
			extra[key] = value
		}
	}

	loc, err := CoordinatesFrom(lat, lon)
	if err != nil {
		return RunMetadata{}, err
	}
	m.Location = loc
	if len(extra) > 0 {
		m.Extra = extra
	}
	return m, nil
}

func (m RunMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

func (m *RunMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := RunMetadataFromMap(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// DetectionView is a detection joined with its image and optional metadata.
type DetectionView struct {
	ID            uint      `json:"id"`
	ImageID       uint      `json:"image_id"`
	Filename      string    `json:"filename"`
	FilePath      string    `json:"file_path"`
	ClassID       int       `json:"class_id"`
	ClassName     string    `json:"class_name"`
	Confidence    float64   `json:"confidence"`
	BBoxX1        int       `gorm:"column:bbox_x1" json:"bbox_x1"`
	BBoxY1        int       `gorm:"column:bbox_y1" json:"bbox_y1"`
	BBoxX2        int       `gorm:"column:bbox_x2" json:"bbox_x2"`
	BBoxY2        int       `gorm:"column:bbox_y2" json:"bbox_y2"`
	DetectionDate time.Time `json:"detection_date"`
	Latitude      *float64  `json:"latitude"`
	Longitude     *float64  `json:"longitude"`
}

// SavedRun identifies where a detection run ended up. ImageID is zero for
// file-only storage.
type SavedRun struct {
	ImageID      uint   `json:"image_id,omitempty"`
	DocumentPath string `json:"document_path,omitempty"`
}
