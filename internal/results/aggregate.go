package results

import (
	"gonum.org/v1/gonum/stat"

	"pothole-service/internal/model"
)

// ComputeStatistics aggregates in memory with the same formulas the
// relational store uses.
func ComputeStatistics(records []model.ResultRecord) model.StatsSummary {
	if len(records) == 0 {
		return model.EmptyStats()
	}

	var totalDetections, withDetections int64
	var confidences []float64
	hist := model.DailyHistogram{}

	for _, rec := range records {
		n := int64(len(rec.Detections))
		totalDetections += n
		if n > 0 {
			withDetections++
		}
		for _, d := range rec.Detections {
			confidences = append(confidences, d.Confidence)
		}
		hist.Add(rec.Time(), n)
	}

	var avgConfidence float64
	if len(confidences) > 0 {
		avgConfidence = stat.Mean(confidences, nil)
	}

	return model.NewStatsSummary(int64(len(records)), withDetections, totalDetections, avgConfidence, hist)
}

type FilterOptions struct {
	MinConfidence float64
	MinDetections int
	From          *model.Date
	To            *model.Date
}

// Filter returns copies of the records that pass, in input order. The
// detection-count floor is checked first, then detections are narrowed to
// those meeting MinConfidence, then the inclusive date range is applied.
func Filter(records []model.ResultRecord, opts FilterOptions) []model.ResultRecord {
	out := make([]model.ResultRecord, 0, len(records))
	for _, rec := range records {
		if opts.MinDetections > 0 && len(rec.Detections) < opts.MinDetections {
			continue
		}

		kept := rec.Clone()
		if opts.MinConfidence > 0 {
			kept.Detections = make([]model.DetectedObject, 0, len(rec.Detections))
			for _, d := range rec.Detections {
				if d.Confidence >= opts.MinConfidence {
					kept.Detections = append(kept.Detections, d)
				}
			}
			if len(kept.Detections) == 0 {
				continue
			}
		}

		if opts.From != nil || opts.To != nil {
			day := model.DateOf(rec.Time().Local())
			if opts.From != nil && day.DaysSince(*opts.From) < 0 {
				continue
			}
			if opts.To != nil && day.DaysSince(*opts.To) > 0 {
				continue
			}
		}

		out = append(out, kept)
	}
	return out
}
