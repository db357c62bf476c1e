package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pothole-service/internal/model"
)

type DetectionRepository struct {
	db  *gorm.DB
	log zerolog.Logger
	now func() time.Time
}

func NewDetectionRepository(db *gorm.DB, log zerolog.Logger) *DetectionRepository {
	return &DetectionRepository{
		db:  db,
		log: log.With().Str("component", "detection_repository").Logger(),
		now: time.Now,
	}
}

// SaveDetectionRun stores one image, its metadata and every detection in a
// single transaction.
func (r *DetectionRepository) SaveDetectionRun(ctx context.Context, imagePath string, detections []model.DetectedObject, meta model.RunMetadata) (model.SavedRun, error) {
	const op = "save detection run"

	for i, d := range detections {
		if err := d.Validate(); err != nil {
			return model.SavedRun{}, &StorageWriteError{Op: op, Err: fmt.Errorf("detection %d: %w", i, err)}
		}
	}
	if meta.Location != nil {
		if err := meta.Location.Validate(); err != nil {
			return model.SavedRun{}, &StorageWriteError{Op: op, Err: err}
		}
	}

	at := meta.CapturedAt
	if at.IsZero() {
		at = r.now()
	}
	meta.DetectionCount = len(detections)

	image := model.Image{
		Filename:   filepath.Base(imagePath),
		FilePath:   imagePath,
		UploadDate: at,
		Width:      meta.Width,
		Height:     meta.Height,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&image).Error; err != nil {
			return fmt.Errorf("insert image: %w", err)
		}

		inference := meta.InferenceTime
		metadata := model.ImageMetadata{
			ImageID:       image.ID,
			InferenceTime: &inference,
			MetadataJSON:  datatypes.JSONMap(meta.ToMap()),
		}
		if meta.Model != "" {
			name := meta.Model
			metadata.ModelName = &name
		}
		metadata.SetCoordinates(meta.Location)
		if err := tx.Create(&metadata).Error; err != nil {
			return fmt.Errorf("insert image metadata: %w", err)
		}

		for i, d := range detections {
			row := d.Row(image.ID, at)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("insert detection %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return model.SavedRun{}, &StorageWriteError{Op: op, Err: err}
	}

	return model.SavedRun{ImageID: image.ID}, nil
}

// GetAllDetections returns every detection with its image and, when present,
// its coordinates. Newest first.
func (r *DetectionRepository) GetAllDetections(ctx context.Context) []model.DetectionView {
	var rows []model.DetectionView
	err := r.db.WithContext(ctx).
		Table("detections AS d").
		Select(`d.id, d.image_id, i.filename, i.file_path, d.class_id, d.class_name, d.confidence,
			d.bbox_x1, d.bbox_y1, d.bbox_x2, d.bbox_y2, d.detection_date, m.latitude, m.longitude`).
		Joins("JOIN images i ON i.id = d.image_id").
		Joins("LEFT JOIN image_metadata m ON m.image_id = i.id").
		Order("d.detection_date DESC, d.id DESC").
		Scan(&rows).Error
	if err != nil {
		r.log.Warn().Err(&AggregationError{Op: "detections", Err: err}).Msg("detection listing unavailable")
		return []model.DetectionView{}
	}
	if rows == nil {
		rows = []model.DetectionView{}
	}
	return rows
}

func (r *DetectionRepository) GetStatistics(ctx context.Context) model.StatsSummary {
	stats, err := r.statistics(ctx)
	if err != nil {
		r.log.Warn().Err(&AggregationError{Op: "statistics", Err: err}).Msg("statistics unavailable, returning empty summary")
		return model.EmptyStats()
	}
	return stats
}

func (r *DetectionRepository) statistics(ctx context.Context) (model.StatsSummary, error) {
	db := r.db.WithContext(ctx)

	var totalImages, totalDetections, imagesWithDetections int64
	if err := db.Model(&model.Image{}).Count(&totalImages).Error; err != nil {
		return model.StatsSummary{}, fmt.Errorf("count images: %w", err)
	}
	if err := db.Model(&model.Detection{}).Count(&totalDetections).Error; err != nil {
		return model.StatsSummary{}, fmt.Errorf("count detections: %w", err)
	}
	if err := db.Model(&model.Detection{}).Distinct("image_id").Count(&imagesWithDetections).Error; err != nil {
		return model.StatsSummary{}, fmt.Errorf("count images with detections: %w", err)
	}

	var avg sql.NullFloat64
	if err := db.Model(&model.Detection{}).Select("AVG(confidence)").Row().Scan(&avg); err != nil {
		return model.StatsSummary{}, fmt.Errorf("average confidence: %w", err)
	}

	var stamps []time.Time
	if err := db.Model(&model.Detection{}).Pluck("detection_date", &stamps).Error; err != nil {
		return model.StatsSummary{}, fmt.Errorf("detection dates: %w", err)
	}
	hist := model.DailyHistogram{}
	for _, t := range stamps {
		hist.Add(t, 1)
	}

	return model.NewStatsSummary(totalImages, imagesWithDetections, totalDetections, avg.Float64, hist), nil
}

type mapRow struct {
	ImageID        uint
	Filename       string
	FilePath       string
	UploadDate     time.Time
	Latitude       float64
	Longitude      float64
	DetectionCount int
	AvgConfidence  float64
}

// GetMapData lists geotagged images that have at least one detection.
func (r *DetectionRepository) GetMapData(ctx context.Context) []model.GeoPoint {
	var rows []mapRow
	err := r.db.WithContext(ctx).
		Table("images AS i").
		Select(`i.id AS image_id, i.filename, i.file_path, i.upload_date, m.latitude, m.longitude,
			COUNT(d.id) AS detection_count, AVG(d.confidence) AS avg_confidence`).
		Joins("JOIN image_metadata m ON m.image_id = i.id").
		Joins("JOIN detections d ON d.image_id = i.id").
		Where("m.latitude IS NOT NULL AND m.longitude IS NOT NULL").
		Group("i.id, i.filename, i.file_path, i.upload_date, m.latitude, m.longitude").
		Order("i.upload_date DESC, i.id DESC").
		Scan(&rows).Error
	if err != nil {
		r.log.Warn().Err(&AggregationError{Op: "map data", Err: err}).Msg("map data unavailable")
		return []model.GeoPoint{}
	}

	points := make([]model.GeoPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, model.GeoPoint{
			PotholeID:      model.PotholeID(model.SourcePotholeKey(row.FilePath, row.ImageID)),
			ImageID:        row.ImageID,
			Filename:       row.Filename,
			ImagePath:      row.FilePath,
			Location:       model.Coordinates{Latitude: row.Latitude, Longitude: row.Longitude},
			DetectionCount: row.DetectionCount,
			Confidence:     row.AvgConfidence,
			Timestamp:      row.UploadDate,
		})
	}
	return points
}

func (r *DetectionRepository) GetImage(ctx context.Context, id uint) (*model.Image, error) {
	var image model.Image
	if err := r.db.WithContext(ctx).First(&image, id).Error; err != nil {
		return nil, err
	}
	return &image, nil
}

// DeleteImage removes an image; its detections and metadata go with it.
func (r *DetectionRepository) DeleteImage(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&model.Image{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *DetectionRepository) HasImagePath(ctx context.Context, path string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Image{}).Where("file_path = ?", path).Count(&count).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	return count > 0, nil
}

func (r *DetectionRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
