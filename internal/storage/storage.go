package storage

import (
	"context"
	"errors"
	"time"

	"github.com/farhan-ahmed1/exportd/internal/task"
)

// ErrNotFound is returned when a record or payload does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the interface for persisting export records and payloads
type Storage interface {
	// SaveRecord persists export metadata and indexes it by state
	SaveRecord(ctx context.Context, rec *task.Record) error

	// GetRecord retrieves a record by task ID
	GetRecord(ctx context.Context, taskID string) (*task.Record, error)

	// SavePayload persists the exported bytes of a successful export
	SavePayload(ctx context.Context, taskID string, data []byte) error

	// GetPayload retrieves exported bytes by task ID
	GetPayload(ctx context.Context, taskID string) ([]byte, error)

	// GetRecordsByState retrieves records by their state
	GetRecordsByState(ctx context.Context, state task.State, limit int) ([]*task.Record, error)

	// DeleteRecord removes a record and its payload
	DeleteRecord(ctx context.Context, taskID string) error

	// Stats counts stored records per state
	Stats(ctx context.Context) (*ExportStats, error)

	// Ping checks the backend is reachable
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}

// ExportStats holds statistics about stored exports
type ExportStats struct {
	Total      int64     `json:"total"`
	Executing  int64     `json:"executing"`
	Succeeded  int64     `json:"succeeded"`
	Failed     int64     `json:"failed"`
	LastUpdate time.Time `json:"last_update"`
}
