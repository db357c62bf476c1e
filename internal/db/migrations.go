package db

import (
	"fmt"

	"gorm.io/gorm"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id SERIAL PRIMARY KEY,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		upload_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		width INTEGER,
		height INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS detections (
		id SERIAL PRIMARY KEY,
		image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		bbox_x1 INTEGER NOT NULL,
		bbox_y1 INTEGER NOT NULL,
		bbox_x2 INTEGER NOT NULL,
		bbox_y2 INTEGER NOT NULL,
		detection_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (bbox_x1 < bbox_x2 AND bbox_y1 < bbox_y2)
	);`,
	`CREATE TABLE IF NOT EXISTS image_metadata (
		id SERIAL PRIMARY KEY,
		image_id INTEGER NOT NULL UNIQUE REFERENCES images(id) ON DELETE CASCADE,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		inference_time DOUBLE PRECISION,
		model_name TEXT,
		metadata_json JSONB,
		CHECK ((latitude IS NULL) = (longitude IS NULL)),
		CHECK (latitude IS NULL OR latitude BETWEEN -90 AND 90),
		CHECK (longitude IS NULL OR longitude BETWEEN -180 AND 180)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_images_file_path ON images (file_path);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_image_id ON detections (image_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_detection_date ON detections (detection_date);`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		file_path TEXT NOT NULL,
		upload_date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		width INTEGER,
		height INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS detections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image_id INTEGER NOT NULL REFERENCES images(id) ON DELETE CASCADE,
		class_id INTEGER NOT NULL,
		class_name TEXT NOT NULL,
		confidence REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
		bbox_x1 INTEGER NOT NULL,
		bbox_y1 INTEGER NOT NULL,
		bbox_x2 INTEGER NOT NULL,
		bbox_y2 INTEGER NOT NULL,
		detection_date DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (bbox_x1 < bbox_x2 AND bbox_y1 < bbox_y2)
	);`,
	`CREATE TABLE IF NOT EXISTS image_metadata (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		image_id INTEGER NOT NULL UNIQUE REFERENCES images(id) ON DELETE CASCADE,
		latitude REAL,
		longitude REAL,
		inference_time REAL,
		model_name TEXT,
		metadata_json TEXT,
		CHECK ((latitude IS NULL) = (longitude IS NULL)),
		CHECK (latitude IS NULL OR latitude BETWEEN -90 AND 90),
		CHECK (longitude IS NULL OR longitude BETWEEN -180 AND 180)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_images_file_path ON images (file_path);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_image_id ON detections (image_id);`,
	`CREATE INDEX IF NOT EXISTS idx_detections_detection_date ON detections (detection_date);`,
}

func runMigrations(db *gorm.DB, statements []string) error {
	for i, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// Migrate reapplies the schema for the handle's dialect. Every statement is
// idempotent.
func Migrate(db *gorm.DB) error {
	if Backend(db) == BackendPostgres {
		return runMigrations(db, postgresSchema)
	}
	return runMigrations(db, sqliteSchema)
}
