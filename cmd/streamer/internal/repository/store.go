package repository

import (
	"context"
)

// SnapshotStore keeps the most recent broadcast frame per topic so a freshly
// connected client gets current state immediately instead of waiting for the
// next worker tick.
type SnapshotStore interface {
	SetSnapshot(ctx context.Context, topicID int64, payload []byte) error
	// GetSnapshot returns nil (no error) when no snapshot exists yet.
	GetSnapshot(ctx context.Context, topicID int64) ([]byte, error)
	Close() error
}
