package model

import (
	"time"

	"gorm.io/datatypes"
)

type Image struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Filename   string    `gorm:"type:text;not null" json:"filename"`
	FilePath   string    `gorm:"type:text;not null;index" json:"file_path"`
	UploadDate time.Time `gorm:"not null" json:"upload_date"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
}

func (Image) TableName() string {
	return "images"
}

type ImageMetadata struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	ImageID       uint              `gorm:"not null;uniqueIndex" json:"image_id"`
	Latitude      *float64          `json:"latitude"`
	Longitude     *float64          `json:"longitude"`
	InferenceTime *float64          `json:"inference_time"`
	ModelName     *string           `gorm:"type:text" json:"model_name"`
	MetadataJSON  datatypes.JSONMap `gorm:"column:metadata_json" json:"metadata_json"`
}

func (ImageMetadata) TableName() string {
	return "image_metadata"
}

func (m ImageMetadata) Coordinates() (*Coordinates, error) {
	return CoordinatesFrom(m.Latitude, m.Longitude)
}

func (m *ImageMetadata) SetCoordinates(c *Coordinates) {
	if c == nil {
		m.Latitude, m.Longitude = nil, nil
		return
	}
	lat, lon := c.Latitude, c.Longitude
	m.Latitude, m.Longitude = &lat, &lon
}
