package service

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	ExportFormatJSON = "json"
	ExportFormatCSV  = "csv"
	ExportFormatText = "txt"
)

// ExportBatch renders a batch report and returns the body with its content type.
func ExportBatch(report *BatchReport, format string) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", ExportFormatJSON:
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, "", fmt.Errorf("encode batch report: %w", err)
		}
		return data, "application/json", nil
	case ExportFormatCSV:
		data, err := batchCSV(report)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	case ExportFormatText:
		return batchText(report), "text/plain; charset=utf-8", nil
	}
	return nil, "", invalidInput("unsupported export format %q", format)
}

func batchCSV(report *BatchReport) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	rows := [][]string{{"image", "status", "detections", "avg_confidence", "width", "height", "inference_time", "image_id", "error"}}
	for _, r := range report.Results {
		rows = append(rows, []string{
			r.Source,
			"ok",
			strconv.Itoa(r.DetectionCount),
			strconv.FormatFloat(r.AvgConfidence, 'f', 4, 64),
			strconv.Itoa(r.Width),
			strconv.Itoa(r.Height),
			strconv.FormatFloat(r.InferenceTime, 'f', 4, 64),
			strconv.FormatUint(uint64(r.ImageID), 10),
			"",
		})
	}
	for _, f := range report.Failures {
		rows = append(rows, []string{f.Name, "failed", "", "", "", "", "", "", f.Error})
	}

	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("encode batch csv: %w", err)
	}
	return buf.Bytes(), nil
}

func batchText(report *BatchReport) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Batch processing report\n")
	fmt.Fprintf(&b, "Started:   %s\n", report.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Finished:  %s\n", report.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Images:    %d total, %d processed, %d failed\n", report.Total, report.Processed, report.Failed)
	if report.Cancelled {
		fmt.Fprintf(&b, "Status:    cancelled before completion\n")
	}

	total := 0
	for _, r := range report.Results {
		total += r.DetectionCount
	}
	fmt.Fprintf(&b, "Potholes:  %d detected\n\n", total)

	for _, r := range report.Results {
		fmt.Fprintf(&b, "%s: %d potholes, avg confidence %.2f, %dx%d, %.3fs\n",
			r.Source, r.DetectionCount, r.AvgConfidence, r.Width, r.Height, r.InferenceTime)
	}
	for _, f := range report.Failures {
		fmt.Fprintf(&b, "%s: FAILED %s\n", f.Name, f.Error)
	}
	return []byte(b.String())
}
