package repository

import "fmt"

// StorageWriteError reports a save that was rolled back. Nothing it touched
// was persisted.
type StorageWriteError struct {
	Op  string
	Err error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageWriteError) Unwrap() error {
	return e.Err
}

// AggregationError is logged when a read-side query fails and the caller gets
// an empty result instead.
type AggregationError struct {
	Op  string
	Err error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("aggregate %s: %v", e.Op, e.Err)
}

func (e *AggregationError) Unwrap() error {
	return e.Err
}
