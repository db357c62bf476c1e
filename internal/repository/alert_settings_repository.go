package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/goccy/go-yaml"

	"pothole-service/internal/model"
	"pothole-service/internal/utils"
)

type AlertSettingsRepository struct {
	path string
}

func NewAlertSettingsRepository(path string) *AlertSettingsRepository {
	return &AlertSettingsRepository{path: path}
}

// Get returns the stored settings, or the defaults when none were saved.
func (r *AlertSettingsRepository) Get(ctx context.Context) (model.AlertSettings, error) {
	if err := ctx.Err(); err != nil {
		return model.AlertSettings{}, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.DefaultAlertSettings(), nil
		}
		return model.AlertSettings{}, fmt.Errorf("read alert settings: %w", err)
	}

	settings := model.DefaultAlertSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return model.AlertSettings{}, fmt.Errorf("decode alert settings %s: %w", r.path, err)
	}
	return settings, nil
}

func (r *AlertSettingsRepository) Save(ctx context.Context, settings model.AlertSettings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode alert settings: %w", err)
	}
	if err := utils.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return &StorageWriteError{Op: "save alert settings", Err: err}
	}
	return nil
}
