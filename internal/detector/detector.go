// Package detector defines the detection capability and its implementations.
package detector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"pothole-service/internal/model"
)

var (
	ErrInvalidImage     = errors.New("invalid image")
	ErrInvalidThreshold = errors.New("confidence threshold must be within [0,1]")
)

type Result struct {
	Detections []model.DetectedObject
	Metadata   model.RunMetadata
}

type Detector interface {
	Detect(ctx context.Context, image []byte, threshold float64) (Result, error)
}

// imageSize reads the dimensions from the image header without decoding
// pixels.
func imageSize(data []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return 0, 0, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	return cfg.Width, cfg.Height, nil
}

func checkThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return ErrInvalidThreshold
	}
	return nil
}
