// Package results reads and writes the per-image JSON result documents and
// aggregates over them when the relational store is not in use.
package results

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"pothole-service/internal/geo"
	"pothole-service/internal/model"
	"pothole-service/internal/repository"
	"pothole-service/internal/utils"
)

const documentExt = ".json"

var companionExts = []string{".jpg", ".jpeg", ".png"}

// MalformedRecordError is reported for a result document that cannot be
// decoded. Such documents are skipped.
type MalformedRecordError struct {
	Path string
	Err  error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed result document %s: %v", e.Path, e.Err)
}

func (e *MalformedRecordError) Unwrap() error {
	return e.Err
}

type Store struct {
	dir string
	log zerolog.Logger
	now func() time.Time
}

func NewStore(dir string, log zerolog.Logger) *Store {
	return &Store{
		dir: dir,
		log: log.With().Str("component", "results_store").Logger(),
		now: time.Now,
	}
}

func (s *Store) Dir() string {
	return s.dir
}

// LoadAll reads every result document in the directory, newest first.
func (s *Store) LoadAll(ctx context.Context) []model.ResultRecord {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn().Err(err).Str("dir", s.dir).Msg("result directory unreadable")
		}
		return []model.ResultRecord{}
	}

	records := make([]model.ResultRecord, 0, len(entries))
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != documentExt || strings.HasPrefix(entry.Name(), ".") {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		rec, err := s.Load(path)
		if err != nil {
			s.log.Error().Err(err).Str("path", path).Msg("skipping result document")
			continue
		}
		records = append(records, rec)
	}

	slices.SortStableFunc(records, func(a, b model.ResultRecord) int {
		return cmp.Or(
			cmp.Compare(b.Timestamp, a.Timestamp),
			cmp.Compare(a.DocumentPath, b.DocumentPath),
		)
	})
	return records
}

// document mirrors the on-disk layout with pointers so missing keys can be
// told apart from zero values.
type document struct {
	Filename   *string                 `json:"filename"`
	Timestamp  *float64                `json:"timestamp"`
	Detections *[]model.DetectedObject `json:"detections"`
	Metadata   json.RawMessage         `json:"metadata"`
}

func (s *Store) Load(path string) (model.ResultRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: err}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: err}
	}
	switch {
	case doc.Filename == nil || *doc.Filename == "":
		return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: errors.New("missing filename")}
	case doc.Timestamp == nil:
		return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: errors.New("missing timestamp")}
	case doc.Detections == nil:
		return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: errors.New("missing detections")}
	}

	rec := model.ResultRecord{
		Filename:     *doc.Filename,
		Timestamp:    *doc.Timestamp,
		Detections:   *doc.Detections,
		DocumentPath: path,
		ImagePath:    companionImage(path),
	}
	if len(doc.Metadata) > 0 && string(doc.Metadata) != "null" {
		if err := json.Unmarshal(doc.Metadata, &rec.Metadata); err != nil {
			return model.ResultRecord{}, &MalformedRecordError{Path: path, Err: fmt.Errorf("metadata: %w", err)}
		}
	}
	return rec, nil
}

func companionImage(documentPath string) string {
	base := strings.TrimSuffix(documentPath, documentExt)
	for _, ext := range companionExts {
		candidate := base + ext
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

// Write stores a result document and, when image bytes are given, a
// companion copy of the image under the same base name.
func (s *Store) Write(ctx context.Context, name string, image []byte, detections []model.DetectedObject, meta model.RunMetadata) (model.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.ResultRecord{}, err
	}

	at := meta.CapturedAt
	if at.IsZero() {
		at = s.now()
		meta.CapturedAt = at
	}
	meta.DetectionCount = len(detections)
	if detections == nil {
		detections = []model.DetectedObject{}
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || !slices.Contains(companionExts, ext) {
		ext = ".jpg"
	}
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	base := filepath.Join(s.dir, fmt.Sprintf("%s_%d", stem, at.Unix()))

	rec := model.ResultRecord{
		Filename:     filepath.Base(name),
		Timestamp:    float64(at.UnixMilli()) / 1000,
		Detections:   detections,
		Metadata:     meta,
		DocumentPath: base + documentExt,
	}

	if len(image) > 0 {
		rec.ImagePath = base + ext
		if err := utils.WriteFileAtomic(rec.ImagePath, image, 0o644); err != nil {
			return model.ResultRecord{}, fmt.Errorf("write companion image: %w", err)
		}
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return model.ResultRecord{}, fmt.Errorf("encode result document: %w", err)
	}
	if err := utils.WriteFileAtomic(rec.DocumentPath, data, 0o644); err != nil {
		return model.ResultRecord{}, fmt.Errorf("write result document: %w", err)
	}
	return rec, nil
}

// SaveImageRun validates the run, then writes its document and, when image
// bytes are given, the companion image.
func (s *Store) SaveImageRun(ctx context.Context, name string, image []byte, detections []model.DetectedObject, meta model.RunMetadata) (model.SavedRun, error) {
	const op = "save detection run"

	for i, d := range detections {
		if err := d.Validate(); err != nil {
			return model.SavedRun{}, &repository.StorageWriteError{Op: op, Err: fmt.Errorf("detection %d: %w", i, err)}
		}
	}
	if meta.Location != nil {
		if err := meta.Location.Validate(); err != nil {
			return model.SavedRun{}, &repository.StorageWriteError{Op: op, Err: err}
		}
	}
	rec, err := s.Write(ctx, name, image, detections, meta)
	if err != nil {
		return model.SavedRun{}, &repository.StorageWriteError{Op: op, Err: err}
	}
	return model.SavedRun{DocumentPath: rec.DocumentPath}, nil
}

// Remove deletes a written document and its companion image. Missing files
// are not an error.
func (s *Store) Remove(rec model.ResultRecord) error {
	var errs []error
	for _, path := range []string{rec.DocumentPath, rec.ImagePath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveDetectionRun lets the document directory stand in for the relational
// store.
func (s *Store) SaveDetectionRun(ctx context.Context, imagePath string, detections []model.DetectedObject, meta model.RunMetadata) (model.SavedRun, error) {
	return s.SaveImageRun(ctx, imagePath, nil, detections, meta)
}

func (s *Store) GetAllDetections(ctx context.Context) []model.DetectionView {
	records := s.LoadAll(ctx)
	views := make([]model.DetectionView, 0, len(records))
	for _, rec := range records {
		var lat, lon *float64
		if loc := rec.Metadata.Location; loc != nil {
			la, lo := loc.Latitude, loc.Longitude
			lat, lon = &la, &lo
		}
		for _, d := range rec.Detections {
			views = append(views, model.DetectionView{
				Filename:      rec.Filename,
				FilePath:      rec.SourcePath(),
				ClassID:       d.ClassID,
				ClassName:     d.ClassName,
				Confidence:    d.Confidence,
				BBoxX1:        d.BBox[0],
				BBoxY1:        d.BBox[1],
				BBoxX2:        d.BBox[2],
				BBoxY2:        d.BBox[3],
				DetectionDate: rec.Time(),
				Latitude:      lat,
				Longitude:     lon,
			})
		}
	}
	return views
}

func (s *Store) GetStatistics(ctx context.Context) model.StatsSummary {
	return ComputeStatistics(s.LoadAll(ctx))
}

func (s *Store) GetMapData(ctx context.Context) []model.GeoPoint {
	return geo.ToGeoPoints(s.LoadAll(ctx), geo.Options{Mode: geo.Strict})
}

func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}
