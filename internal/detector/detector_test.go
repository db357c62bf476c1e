package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pothole-service/internal/model"
)

func testImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	img.Set(w/2, h/2, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSimulatedDetect(t *testing.T) {
	ctx := context.Background()
	img := testImage(t, 320, 240)

	a := NewSimulated(42)
	b := NewSimulated(42)
	for range 20 {
		ra, err := a.Detect(ctx, img, 0.5)
		require.NoError(t, err)
		rb, err := b.Detect(ctx, img, 0.5)
		require.NoError(t, err)
		assert.Equal(t, ra.Detections, rb.Detections)

		assert.Equal(t, 320, ra.Metadata.Width)
		assert.Equal(t, 240, ra.Metadata.Height)
		assert.Equal(t, SimulatedModelName, ra.Metadata.Model)
		assert.LessOrEqual(t, len(ra.Detections), maxSimulatedBoxes)
		assert.Equal(t, len(ra.Detections), ra.Metadata.DetectionCount)
		for _, d := range ra.Detections {
			require.NoError(t, d.Validate())
			assert.GreaterOrEqual(t, d.Confidence, 0.5)
			assert.LessOrEqual(t, d.Confidence, maxConfidence)
			assert.LessOrEqual(t, d.BBox[2], 320)
			assert.LessOrEqual(t, d.BBox[3], 240)
		}
		if loc := ra.Metadata.Location; loc != nil {
			assert.InDelta(t, 40.7, loc.Latitude, 0.1)
			assert.InDelta(t, -74.0, loc.Longitude, 0.1)
		}
	}
}

func TestSimulatedDetectRejectsBadInput(t *testing.T) {
	s := NewSimulated(1)
	_, err := s.Detect(context.Background(), []byte("not an image"), 0.5)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = s.Detect(context.Background(), testImage(t, 10, 10), 1.5)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

func TestRemoteDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "0.4", r.FormValue("confidence"))
		if f, _, err := r.FormFile("file"); assert.NoError(t, err) {
			_, _ = io.Copy(io.Discard, f)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"detections": []model.DetectedObject{
				{BBox: model.BoundingBox{1, 1, 5, 5}, Confidence: 0.9, ClassName: "pothole"},
				{BBox: model.BoundingBox{2, 2, 6, 6}, Confidence: 0.2, ClassName: "pothole"},
			},
			"metadata": map[string]any{"model": "yolov8n", "inference_time": 0.04},
		})
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL)
	require.NoError(t, remote.CheckHealth(context.Background()))

	res, err := remote.Detect(context.Background(), testImage(t, 64, 48), 0.4)
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, 64, res.Metadata.Width)
	assert.Equal(t, 48, res.Metadata.Height)
	assert.Equal(t, "yolov8n", res.Metadata.Model)
	assert.Equal(t, 0.04, res.Metadata.InferenceTime)
	assert.Equal(t, 1, res.Metadata.DetectionCount)
	assert.False(t, res.Metadata.CapturedAt.IsZero())
}

func TestRemoteDetectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL).Detect(context.Background(), testImage(t, 8, 8), 0.5)
	assert.Error(t, err)
	assert.Error(t, NewRemote(srv.URL).CheckHealth(context.Background()))
}
