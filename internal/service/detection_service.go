package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pothole-service/internal/detector"
	"pothole-service/internal/geo"
	"pothole-service/internal/model"
	"pothole-service/internal/repository"
	"pothole-service/internal/results"
)

// DetectionStore is the durable home of detection runs. The relational
// repository and the result-document store both satisfy it.
type DetectionStore interface {
	SaveDetectionRun(ctx context.Context, imagePath string, detections []model.DetectedObject, meta model.RunMetadata) (model.SavedRun, error)
	GetAllDetections(ctx context.Context) []model.DetectionView
	GetStatistics(ctx context.Context) model.StatsSummary
	GetMapData(ctx context.Context) []model.GeoPoint
	Ping(ctx context.Context) error
}

// imageRunSaver is implemented by stores that keep the image bytes next to
// the run themselves.
type imageRunSaver interface {
	SaveImageRun(ctx context.Context, name string, image []byte, detections []model.DetectedObject, meta model.RunMetadata) (model.SavedRun, error)
}

type imageDeleter interface {
	DeleteImage(ctx context.Context, id uint) error
}

type StatsSource string

const (
	StatsSourceStore StatsSource = "store"
	StatsSourceFiles StatsSource = "files"
)

type DetectionServiceConfig struct {
	// WriteDocuments mirrors every run into the result-document directory in
	// addition to the store.
	WriteDocuments bool
	// BatchDir confines batch items given by path. Paths outside it are
	// rejected.
	BatchDir          string
	StatsTTL          time.Duration
	DemoMode          bool
	MapCenter         model.Coordinates
	MapJitter         float64
	HotspotResolution int
	HotspotLimit      int
}

type cachedStats struct {
	summary model.StatsSummary
	expires time.Time
}

type DetectionService struct {
	store    DetectionStore
	files    *results.Store
	detector detector.Detector
	cfg      DetectionServiceConfig
	log      zerolog.Logger
	now      func() time.Time

	statsMu sync.Mutex
	stats   map[StatsSource]cachedStats
}

func NewDetectionService(store DetectionStore, files *results.Store, det detector.Detector, cfg DetectionServiceConfig, log zerolog.Logger) *DetectionService {
	if cfg.StatsTTL <= 0 {
		cfg.StatsTTL = 5 * time.Minute
	}
	return &DetectionService{
		store:    store,
		files:    files,
		detector: det,
		cfg:      cfg,
		log:      log.With().Str("component", "detection_service").Logger(),
		now:      time.Now,
		stats:    make(map[StatsSource]cachedStats),
	}
}

type ImageResult struct {
	Source         string                 `json:"source"`
	ImageID        uint                   `json:"image_id,omitempty"`
	DocumentPath   string                 `json:"document_path,omitempty"`
	Detections     []model.DetectedObject `json:"detections"`
	DetectionCount int                    `json:"detection_count"`
	AvgConfidence  float64                `json:"avg_confidence"`
	Width          int                    `json:"width"`
	Height         int                    `json:"height"`
	InferenceTime  float64                `json:"inference_time"`
	Location       *model.Coordinates     `json:"location,omitempty"`
}

// ProcessImage runs the detector on one image and stores the outcome.
func (s *DetectionService) ProcessImage(ctx context.Context, name string, data []byte, threshold float64) (*ImageResult, error) {
	res, err := s.detector.Detect(ctx, data, threshold)
	if err != nil {
		if errors.Is(err, detector.ErrInvalidImage) || errors.Is(err, detector.ErrInvalidThreshold) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("detect %s: %w", name, err)
	}
	if res.Metadata.CapturedAt.IsZero() {
		res.Metadata.CapturedAt = s.now()
	}

	saved, err := s.save(ctx, name, data, res)
	if err != nil {
		return nil, err
	}
	s.InvalidateStats()

	rec := model.ResultRecord{Detections: res.Detections}
	return &ImageResult{
		Source:         name,
		ImageID:        saved.ImageID,
		DocumentPath:   saved.DocumentPath,
		Detections:     res.Detections,
		DetectionCount: len(res.Detections),
		AvgConfidence:  rec.MeanConfidence(),
		Width:          res.Metadata.Width,
		Height:         res.Metadata.Height,
		InferenceTime:  res.Metadata.InferenceTime,
		Location:       res.Metadata.Location,
	}, nil
}

func (s *DetectionService) save(ctx context.Context, name string, data []byte, res detector.Result) (model.SavedRun, error) {
	if err := validateRun(res); err != nil {
		return model.SavedRun{}, err
	}
	if saver, ok := s.store.(imageRunSaver); ok {
		return saver.SaveImageRun(ctx, name, data, res.Detections, res.Metadata)
	}

	imagePath := name
	var mirror *model.ResultRecord
	if s.cfg.WriteDocuments {
		rec, err := s.files.Write(ctx, name, data, res.Detections, res.Metadata)
		if err != nil {
			s.log.Warn().Err(err).Str("image", name).Msg("result document not written")
		} else {
			imagePath = rec.SourcePath()
			mirror = &rec
		}
	}

	saved, err := s.store.SaveDetectionRun(ctx, imagePath, res.Detections, res.Metadata)
	if err != nil {
		if mirror != nil {
			if rmErr := s.files.Remove(*mirror); rmErr != nil {
				s.log.Error().Err(rmErr).Str("document", mirror.DocumentPath).Msg("orphaned result document not removed")
			}
		}
		return model.SavedRun{}, err
	}
	if saved.DocumentPath == "" && mirror != nil {
		saved.DocumentPath = mirror.DocumentPath
	}
	return saved, nil
}

// validateRun rejects a detector result before anything is written, so a bad
// run leaves no document behind.
func validateRun(res detector.Result) error {
	const op = "save detection run"

	for i, d := range res.Detections {
		if err := d.Validate(); err != nil {
			return &repository.StorageWriteError{Op: op, Err: fmt.Errorf("detection %d: %w", i, err)}
		}
	}
	if loc := res.Metadata.Location; loc != nil {
		if err := loc.Validate(); err != nil {
			return &repository.StorageWriteError{Op: op, Err: err}
		}
	}
	return nil
}

// Statistics serves a cached summary. The store source falls back to the
// result documents when the store does not answer.
func (s *DetectionService) Statistics(ctx context.Context, source StatsSource) model.StatsSummary {
	if source != StatsSourceFiles {
		source = StatsSourceStore
	}

	now := s.now()
	s.statsMu.Lock()
	cached, ok := s.stats[source]
	s.statsMu.Unlock()
	if ok && now.Before(cached.expires) {
		return cached.summary
	}

	var summary model.StatsSummary
	switch source {
	case StatsSourceFiles:
		summary = results.ComputeStatistics(s.files.LoadAll(ctx))
	default:
		if err := s.store.Ping(ctx); err != nil {
			s.log.Warn().Err(err).Msg("detection store unavailable, computing statistics from result documents")
			summary = results.ComputeStatistics(s.files.LoadAll(ctx))
		} else {
			summary = s.store.GetStatistics(ctx)
		}
	}

	s.statsMu.Lock()
	s.stats[source] = cachedStats{summary: summary, expires: now.Add(s.cfg.StatsTTL)}
	s.statsMu.Unlock()
	return summary
}

func (s *DetectionService) InvalidateStats() {
	s.statsMu.Lock()
	clear(s.stats)
	s.statsMu.Unlock()
}

func (s *DetectionService) Detections(ctx context.Context) []model.DetectionView {
	return s.store.GetAllDetections(ctx)
}

// Records lists result documents after filtering.
func (s *DetectionService) Records(ctx context.Context, opts results.FilterOptions) []model.ResultRecord {
	return results.Filter(s.files.LoadAll(ctx), opts)
}

func (s *DetectionService) DeleteImage(ctx context.Context, id uint) error {
	deleter, ok := s.store.(imageDeleter)
	if !ok {
		return invalidInput("image deletion is not supported by this storage mode")
	}
	if err := deleter.DeleteImage(ctx, id); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return err
	}
	s.InvalidateStats()
	return nil
}

// MapPoints returns geotagged points from the store, falling back to the
// result documents when the store has none. Demo mode always reads the
// documents and places untagged ones around the configured center.
func (s *DetectionService) MapPoints(ctx context.Context, demo bool) []model.GeoPoint {
	if !demo {
		if points := s.store.GetMapData(ctx); len(points) > 0 {
			return points
		}
		return geo.ToGeoPoints(s.files.LoadAll(ctx), geo.Options{Mode: geo.Strict})
	}

	return geo.ToGeoPoints(s.files.LoadAll(ctx), geo.Options{
		Mode:   geo.Demo,
		Center: s.cfg.MapCenter,
		Jitter: s.cfg.MapJitter,
		// fixed seed keeps synthetic positions stable between requests
		Rand: rand.New(rand.NewPCG(1, 2)),
	})
}

func (s *DetectionService) Hotspots(ctx context.Context, resolution, limit int) []geo.Hotspot {
	if resolution < 0 {
		resolution = s.cfg.HotspotResolution
	}
	if limit <= 0 {
		limit = s.cfg.HotspotLimit
	}
	return geo.Top(geo.Cluster(s.MapPoints(ctx, s.cfg.DemoMode), resolution), limit)
}

type MaintenancePriority struct {
	Rank     int            `json:"rank"`
	Point    model.GeoPoint `json:"point"`
	Severity int            `json:"severity"`
	Score    float64        `json:"score"`
	Level    string         `json:"level"`
}

// MaintenancePriorities scores every location and ranks the most urgent first.
func (s *DetectionService) MaintenancePriorities(ctx context.Context) []MaintenancePriority {
	points := s.MapPoints(ctx, s.cfg.DemoMode)
	out := make([]MaintenancePriority, 0, len(points))
	for _, p := range points {
		severity := p.Severity()
		score := float64(severity)*0.5 + float64(p.DetectionCount)*0.3 + p.Confidence*100*0.2
		out = append(out, MaintenancePriority{
			Point:    p,
			Severity: severity,
			Score:    score,
			Level:    priorityLevel(score),
		})
	}
	slices.SortStableFunc(out, func(a, b MaintenancePriority) int {
		return cmp.Compare(b.Score, a.Score)
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

func priorityLevel(score float64) string {
	switch {
	case score >= 8:
		return "Critical"
	case score >= 6:
		return "High"
	case score >= 4:
		return "Medium"
	}
	return "Low"
}

type BatchItem struct {
	Name string
	Path string
	Data []byte
}

type BatchProgress struct {
	Index int    `json:"index"`
	Total int    `json:"total"`
	Name  string `json:"name"`
	Err   error  `json:"-"`
}

type BatchFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

type BatchReport struct {
	Total      int            `json:"total"`
	Processed  int            `json:"processed"`
	Failed     int            `json:"failed"`
	Cancelled  bool           `json:"cancelled"`
	Results    []ImageResult  `json:"results"`
	Failures   []BatchFailure `json:"failures"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// ProcessBatch handles items one at a time. A failed item is recorded and
// the batch moves on; cancellation is honored between items and the partial
// report is returned with the context error.
func (s *DetectionService) ProcessBatch(ctx context.Context, items []BatchItem, threshold float64, progress func(BatchProgress)) (*BatchReport, error) {
	report := &BatchReport{
		Total:     len(items),
		Results:   []ImageResult{},
		Failures:  []BatchFailure{},
		StartedAt: s.now(),
	}

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			report.Cancelled = true
			break
		}

		name := item.Name
		if name == "" {
			name = filepath.Base(item.Path)
		}

		res, err := s.processItem(ctx, name, item, threshold)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			report.Cancelled = true
			break
		}
		if err != nil {
			s.log.Warn().Err(err).Str("item", name).Msg("batch item failed")
			report.Failed++
			report.Failures = append(report.Failures, BatchFailure{Name: name, Error: err.Error()})
		} else {
			report.Processed++
			report.Results = append(report.Results, *res)
		}

		if progress != nil {
			progress(BatchProgress{Index: i + 1, Total: len(items), Name: name, Err: err})
		}
	}

	report.FinishedAt = s.now()
	s.log.Info().
		Int("total", report.Total).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Bool("cancelled", report.Cancelled).
		Msg("batch finished")

	if report.Cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (s *DetectionService) processItem(ctx context.Context, name string, item BatchItem, threshold float64) (*ImageResult, error) {
	data := item.Data
	if data == nil {
		var err error
		data, err = s.readBatchFile(name, item.Path)
		if err != nil {
			return nil, err
		}
	}
	return s.ProcessImage(ctx, name, data, threshold)
}

// readBatchFile reads a batch item from inside BatchDir. Relative paths are
// taken from BatchDir; absolute ones must point into it. Errors name the item,
// never the path it was given.
func (s *DetectionService) readBatchFile(name, path string) ([]byte, error) {
	if s.cfg.BatchDir == "" {
		return nil, invalidInput("%s: batch input directory is not configured", name)
	}

	rel := path
	if filepath.IsAbs(path) {
		dir, err := filepath.Abs(s.cfg.BatchDir)
		if err != nil {
			return nil, fmt.Errorf("resolve batch input directory: %w", err)
		}
		if rel, err = filepath.Rel(dir, path); err != nil {
			return nil, invalidInput("%s is outside the batch input directory", name)
		}
	}
	if !filepath.IsLocal(rel) {
		return nil, invalidInput("%s is outside the batch input directory", name)
	}

	root, err := os.OpenRoot(s.cfg.BatchDir)
	if err != nil {
		return nil, fmt.Errorf("open batch input directory: %w", err)
	}
	defer root.Close()

	f, err := root.Open(rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, invalidInput("%s not found in the batch input directory", name)
		}
		return nil, invalidInput("%s cannot be opened from the batch input directory", name)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, invalidInput("%s cannot be read", name)
	}
	return data, nil
}
