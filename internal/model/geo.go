package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidCoordinates = errors.New("invalid coordinates")

// potholeNamespace seeds the name-based ids handed out for detected potholes.
var potholeNamespace = uuid.MustParse("5b0f6a1e-3c7d-4f2a-9e61-2d8c4b7a9f10")

type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func NewCoordinates(lat, lon float64) (Coordinates, error) {
	c := Coordinates{Latitude: lat, Longitude: lon}
	if err := c.Validate(); err != nil {
		return Coordinates{}, err
	}
	return c, nil
}

func (c Coordinates) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %f out of range", ErrInvalidCoordinates, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %f out of range", ErrInvalidCoordinates, c.Longitude)
	}
	return nil
}

// CoordinatesFrom joins two nullable columns into one optional pair.
// A half-present pair is rejected.
func CoordinatesFrom(lat, lon *float64) (*Coordinates, error) {
	switch {
	case lat == nil && lon == nil:
		return nil, nil
	case lat == nil || lon == nil:
		return nil, fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidCoordinates)
	}
	c, err := NewCoordinates(*lat, *lon)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GeoPoint is one geotagged image with at least one detection.
type GeoPoint struct {
	PotholeID      string      `json:"pothole_id"`
	ImageID        uint        `json:"image_id,omitempty"`
	Filename       string      `json:"filename"`
	ImagePath      string      `json:"image_path"`
	Location       Coordinates `json:"location"`
	DetectionCount int         `json:"detection_count"`
	Confidence     float64     `json:"confidence"`
	Timestamp      time.Time   `json:"timestamp"`
	Synthetic      bool        `json:"synthetic"`
}

func (p GeoPoint) Severity() int {
	return Severity(p.DetectionCount)
}

// Severity maps a detection count onto the 0..10 scale.
func Severity(detectionCount int) int {
	if detectionCount <= 0 {
		return 0
	}
	return min(10, detectionCount*2)
}

// PotholeID derives a short stable identifier from a source key, so the same
// image keeps the same id across reloads.
func PotholeID(key string) string {
	return uuid.NewSHA1(potholeNamespace, []byte(key)).String()[:8]
}

func ImagePotholeKey(imageID uint) string {
	return fmt.Sprintf("image:%d", imageID)
}

// SourcePotholeKey keys a stored image on its source path, the same key a
// result document mirror of it gets. The id is used only when no path was
// recorded.
func SourcePotholeKey(path string, imageID uint) string {
	if path != "" {
		return path
	}
	return ImagePotholeKey(imageID)
}
