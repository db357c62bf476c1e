package detector

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"pothole-service/internal/model"
)

const SimulatedModelName = "YOLOv8 (Simulation)"

const (
	maxSimulatedBoxes = 4
	maxBoxSide        = 200
	minConfidence     = 0.3
	maxConfidence     = 0.95
	geotagProbability = 0.7
)

// Simulated produces plausible random boxes. A fixed seed gives a repeatable
// sequence.
type Simulated struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

func NewSimulated(seed int64) *Simulated {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{
		rng: rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		now: time.Now,
	}
}

func (s *Simulated) Detect(ctx context.Context, img []byte, threshold float64) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := checkThreshold(threshold); err != nil {
		return Result{}, err
	}
	width, height, err := imageSize(img)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	started := s.now()
	lo := max(minConfidence, threshold)

	var detections []model.DetectedObject
	if width >= 2 && height >= 2 && lo <= maxConfidence {
		n := s.rng.IntN(maxSimulatedBoxes + 1)
		detections = make([]model.DetectedObject, 0, n)
		for range n {
			x1 := s.rng.IntN(width - 1)
			y1 := s.rng.IntN(height - 1)
			w := 1 + s.rng.IntN(min(maxBoxSide, width-x1))
			h := 1 + s.rng.IntN(min(maxBoxSide, height-y1))
			detections = append(detections, model.DetectedObject{
				BBox:       model.BoundingBox{x1, y1, x1 + w, y1 + h},
				Confidence: lo + s.rng.Float64()*(maxConfidence-lo),
				ClassID:    0,
				ClassName:  model.PotholeClassName,
			})
		}
	}

	meta := model.RunMetadata{
		Width:          width,
		Height:         height,
		InferenceTime:  0.05 + s.rng.Float64()*0.25,
		Model:          SimulatedModelName,
		DetectionCount: len(detections),
		CapturedAt:     started,
	}
	if s.rng.Float64() < geotagProbability {
		meta.Location = &model.Coordinates{
			Latitude:  40.6 + s.rng.Float64()*0.2,
			Longitude: -74.1 + s.rng.Float64()*0.2,
		}
	}

	return Result{Detections: detections, Metadata: meta}, nil
}
