package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"pothole-service/internal/model"
)

// Remote forwards images to an inference service that answers with
// {"detections": [...], "metadata": {...}}.
type Remote struct {
	inferenceURL string
	httpClient   *http.Client
	now          func() time.Time
}

func NewRemote(inferenceURL string) *Remote {
	return &Remote{
		inferenceURL: inferenceURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		now: time.Now,
	}
}

func (m *Remote) Detect(ctx context.Context, img []byte, threshold float64) (Result, error) {
	if err := checkThreshold(threshold); err != nil {
		return Result{}, err
	}
	width, height, err := imageSize(img)
	if err != nil {
		return Result{}, err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return Result{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, bytes.NewReader(img)); err != nil {
		return Result{}, fmt.Errorf("copy image data: %w", err)
	}
	if err := writer.WriteField("confidence", strconv.FormatFloat(threshold, 'f', -1, 64)); err != nil {
		return Result{}, fmt.Errorf("write confidence field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return Result{}, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.inferenceURL, body)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	started := m.now()
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("inference failed with status: %d", resp.StatusCode)
	}

	var payload struct {
		Detections []model.DetectedObject `json:"detections"`
		Metadata   *model.RunMetadata     `json:"metadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}

	detections := make([]model.DetectedObject, 0, len(payload.Detections))
	for _, d := range payload.Detections {
		if d.Confidence >= threshold {
			detections = append(detections, d)
		}
	}

	var meta model.RunMetadata
	if payload.Metadata != nil {
		meta = *payload.Metadata
	}
	if meta.Width == 0 || meta.Height == 0 {
		meta.Width, meta.Height = width, height
	}
	if meta.InferenceTime == 0 {
		meta.InferenceTime = m.now().Sub(started).Seconds()
	}
	if meta.CapturedAt.IsZero() {
		meta.CapturedAt = started
	}
	meta.DetectionCount = len(detections)

	return Result{Detections: detections, Metadata: meta}, nil
}

// CheckHealth reports whether the inference service answers.
func (m *Remote) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.inferenceURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service unhealthy: %d", resp.StatusCode)
	}
	return nil
}
