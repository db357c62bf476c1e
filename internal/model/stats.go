package model

import (
	"slices"
	"time"
)

const DateLayout = "2006-01-02"

type StatsSummary struct {
	TotalImages         int64    `json:"total_images"`
	TotalDetections     int64    `json:"total_detections"`
	AvgPotholesPerImage float64  `json:"avg_potholes_per_image"`
	AvgConfidence       float64  `json:"avg_confidence"`
	DetectionRate       float64  `json:"detection_rate"`
	Dates               []string `json:"dates"`
	DailyCounts         []int64  `json:"daily_counts"`
}

// EmptyStats is the zero summary shared by every statistics source.
func EmptyStats() StatsSummary {
	return StatsSummary{
		Dates:       []string{},
		DailyCounts: []int64{},
	}
}

// NewStatsSummary derives the per-image averages and the detection rate from
// raw counts.
func NewStatsSummary(totalImages, imagesWithDetections, totalDetections int64, avgConfidence float64, hist DailyHistogram) StatsSummary {
	if totalImages <= 0 {
		return EmptyStats()
	}

	s := StatsSummary{
		TotalImages:         totalImages,
		TotalDetections:     totalDetections,
		AvgPotholesPerImage: float64(totalDetections) / float64(totalImages),
		DetectionRate:       100 * float64(imagesWithDetections) / float64(totalImages),
	}
	if totalDetections > 0 {
		s.AvgConfidence = avgConfidence
	}
	s.Dates, s.DailyCounts = hist.Sorted()
	return s
}

// DailyHistogram counts detections per local calendar day.
type DailyHistogram map[string]int64

func (h DailyHistogram) Add(t time.Time, n int64) {
	if n == 0 {
		return
	}
	h[t.Local().Format(DateLayout)] += n
}

func (h DailyHistogram) Sorted() ([]string, []int64) {
	dates := make([]string, 0, len(h))
	for d := range h {
		dates = append(dates, d)
	}
	slices.Sort(dates)

	counts := make([]int64, len(dates))
	for i, d := range dates {
		counts[i] = h[d]
	}
	return dates, counts
}
