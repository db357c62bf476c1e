package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"pothole-service/internal/model"
	"pothole-service/internal/utils"
)

// RepairRequestRepository keeps the whole ledger in one JSON document that
// is rewritten on every save.
type RepairRequestRepository struct {
	path string
}

func NewRepairRequestRepository(path string) *RepairRequestRepository {
	return &RepairRequestRepository{path: path}
}

func (r *RepairRequestRepository) Path() string {
	return r.path
}

// Load returns the stored ledger, or an empty one when no document exists yet.
func (r *RepairRequestRepository) Load(ctx context.Context) ([]model.RepairRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.RepairRequest{}, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return []model.RepairRequest{}, nil
	}

	var requests []model.RepairRequest
	if err := json.Unmarshal(data, &requests); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", r.path, err)
	}
	if requests == nil {
		requests = []model.RepairRequest{}
	}
	return requests, nil
}

func (r *RepairRequestRepository) Save(ctx context.Context, requests []model.RepairRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if requests == nil {
		requests = []model.RepairRequest{}
	}

	data, err := json.MarshalIndent(requests, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := utils.WriteFileAtomic(r.path, data, 0o644); err != nil {
		return &StorageWriteError{Op: "save ledger", Err: err}
	}
	return nil
}
