package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"litellm-exporter/internal/domain/checkpoint"
	"litellm-exporter/pkg/errors"
)

// Compile-time check
var _ checkpoint.Store = (*CheckpointStore)(nil)

const (
	lastExportTimeKey      = "last_export_time"
	lastCheckpointStampKey = "last_checkpoint_timestamp"
)

// Formats accepted on load. Older exporters wrote naive ISO-8601 strings in UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
}

// CheckpointStore implements checkpoint.Store as two plain string keys
type CheckpointStore struct {
	client *redis.Client
	prefix string
}

// NewCheckpointStore creates a checkpoint store. Keys are "<prefix>:last_export_time"
// and "<prefix>:last_checkpoint_timestamp".
func NewCheckpointStore(client *redis.Client, prefix string) *CheckpointStore {
	if prefix == "" {
		prefix = "litellm:exporter"
	}
	return &CheckpointStore{client: client, prefix: prefix}
}

// Ping checks connectivity
func (s *CheckpointStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.wrap(err, "failed to ping checkpoint store")
	}
	return nil
}

// Load reads the checkpoint
func (s *CheckpointStore) Load(ctx context.Context) (*checkpoint.Checkpoint, error) {
	values, err := s.client.MGet(ctx, s.key(lastExportTimeKey), s.key(lastCheckpointStampKey)).Result()
	if err != nil {
		return nil, s.wrap(err, "failed to load checkpoint")
	}

	raw, ok := values[0].(string)
	if !ok || raw == "" {
		return nil, errors.Wrapf(errors.ErrCheckpointNotFound, "key %s", s.key(lastExportTimeKey))
	}

	lastExport, err := parseTimestamp(raw)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrMalformedRow, "unparsable checkpoint %q", raw)
	}

	cp := &checkpoint.Checkpoint{LastExportTime: lastExport}
	if stamp, ok := values[1].(string); ok {
		// Informational only, a bad value does not invalidate the watermark
		if writtenAt, err := parseTimestamp(stamp); err == nil {
			cp.WrittenAt = writtenAt
		}
	}

	return cp, nil
}

// Save overwrites both keys in one MULTI/EXEC
func (s *CheckpointStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(lastExportTimeKey), cp.LastExportTime.UTC().Format(time.RFC3339Nano), 0)
		pipe.Set(ctx, s.key(lastCheckpointStampKey), cp.WrittenAt.UTC().Format(time.RFC3339Nano), 0)
		return nil
	})
	if err != nil {
		return s.wrap(err, "failed to save checkpoint")
	}
	return nil
}

func (s *CheckpointStore) key(name string) string {
	return s.prefix + ":" + name
}

func (s *CheckpointStore) wrap(err error, message string) error {
	if errors.IsConnectionError(err) {
		return errors.Newf("%s: %w: %w", message, errors.ErrCheckpointStoreUnavailable, err)
	}
	return errors.Wrap(err, message)
}

func parseTimestamp(raw string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, raw)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
