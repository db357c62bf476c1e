package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConflict         = errors.New("conflict")
	ErrDataIntegrity    = errors.New("data integrity violation")
)

// DuplicateActiveRequestError is returned when a pothole already has an open
// repair request.
type DuplicateActiveRequestError struct {
	PotholeID  string
	ExistingID string
}

func (e *DuplicateActiveRequestError) Error() string {
	return fmt.Sprintf("pothole %s already has an active repair request %s", e.PotholeID, e.ExistingID)
}

func (e *DuplicateActiveRequestError) Is(target error) bool {
	return target == ErrConflict
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
