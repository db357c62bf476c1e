// Package geo turns detection records into map points and coarse grid
// hotspots.
package geo

import (
	"cmp"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"pothole-service/internal/model"
)

type Mode int

const (
	// Strict drops records without coordinates.
	Strict Mode = iota
	// Demo places untagged records around a center point and marks them
	// synthetic.
	Demo
)

type Options struct {
	Mode   Mode
	Center model.Coordinates
	// Jitter is the full width of the box around Center, in degrees.
	Jitter float64
	Rand   *rand.Rand
}

func (o Options) float64() float64 {
	if o.Rand != nil {
		return o.Rand.Float64()
	}
	return rand.Float64()
}

// ToGeoPoints emits one point per record that has at least one detection and
// a location, real or synthesized.
func ToGeoPoints(records []model.ResultRecord, opts Options) []model.GeoPoint {
	points := make([]model.GeoPoint, 0, len(records))
	for _, rec := range records {
		if len(rec.Detections) == 0 {
			continue
		}

		point := model.GeoPoint{
			PotholeID:      model.PotholeID(recordKey(rec)),
			Filename:       rec.Filename,
			ImagePath:      rec.SourcePath(),
			DetectionCount: len(rec.Detections),
			Confidence:     rec.MeanConfidence(),
			Timestamp:      rec.Time(),
		}

		switch {
		case rec.Metadata.Location != nil:
			point.Location = *rec.Metadata.Location
		case opts.Mode == Demo:
			point.Location = model.Coordinates{
				Latitude:  clamp(opts.Center.Latitude+(opts.float64()-0.5)*opts.Jitter, -90, 90),
				Longitude: clamp(opts.Center.Longitude+(opts.float64()-0.5)*opts.Jitter, -180, 180),
			}
			point.Synthetic = true
		default:
			continue
		}

		points = append(points, point)
	}
	return points
}

func recordKey(rec model.ResultRecord) string {
	if key := rec.SourcePath(); key != "" {
		return key
	}
	return fmt.Sprintf("%s@%.3f", rec.Filename, rec.Timestamp)
}

type Hotspot struct {
	Rank           int               `json:"rank"`
	Cell           model.Coordinates `json:"cell"`
	DetectionCount int               `json:"detection_count"`
	Points         int               `json:"points"`
	Severity       int               `json:"severity"`
}

// Cluster buckets points into a grid by truncating coordinates to resolution
// decimal places and ranks the cells by total detections, highest first.
func Cluster(points []model.GeoPoint, resolution int) []Hotspot {
	scale := math.Pow10(resolution)
	type cellKey struct{ lat, lon int64 }

	cells := make(map[cellKey]*Hotspot)
	for _, p := range points {
		key := cellKey{
			lat: int64(math.Trunc(p.Location.Latitude * scale)),
			lon: int64(math.Trunc(p.Location.Longitude * scale)),
		}
		h, ok := cells[key]
		if !ok {
			h = &Hotspot{Cell: model.Coordinates{
				Latitude:  float64(key.lat) / scale,
				Longitude: float64(key.lon) / scale,
			}}
			cells[key] = h
		}
		h.DetectionCount += p.DetectionCount
		h.Points++
	}

	out := make([]Hotspot, 0, len(cells))
	for _, h := range cells {
		h.Severity = model.Severity(h.DetectionCount)
		out = append(out, *h)
	}
	slices.SortFunc(out, func(a, b Hotspot) int {
		return cmp.Or(
			cmp.Compare(b.DetectionCount, a.DetectionCount),
			cmp.Compare(a.Cell.Latitude, b.Cell.Latitude),
			cmp.Compare(a.Cell.Longitude, b.Cell.Longitude),
		)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// Top returns at most limit hotspots; limit <= 0 means all.
func Top(hotspots []Hotspot, limit int) []Hotspot {
	if limit <= 0 || len(hotspots) <= limit {
		return hotspots
	}
	return hotspots[:limit]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
