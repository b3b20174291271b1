package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the persisted export position
type Checkpoint struct {
	// LastExportTime is the watermark: the inclusive lower bound of the next delta query
	LastExportTime time.Time
	// WrittenAt is informational, used for staleness display
	WrittenAt time.Time
}

// Age returns how far the watermark lags behind now
func (c Checkpoint) Age(now time.Time) time.Duration {
	return now.Sub(c.LastExportTime)
}

// Store persists a single checkpoint record
type Store interface {
	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Load returns errors.ErrCheckpointNotFound when nothing was saved yet
	Load(ctx context.Context) (*Checkpoint, error)

	// Save overwrites the stored checkpoint
	Save(ctx context.Context, cp Checkpoint) error
}
