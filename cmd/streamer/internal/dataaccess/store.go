package dataaccess

import (
	"context"
	"errors"

	"github.com/marketlens/portfolio-stream/pkg/models"
)

var (
	// ErrNotFound means the topic does not exist.
	ErrNotFound = errors.New("dataaccess: topic not found")
	// ErrUnauthorized means the principal may not read the topic.
	ErrUnauthorized = errors.New("dataaccess: principal not authorized for topic")
)

// Store is the persistence boundary. The gateway authorizes principals before
// subscribing; topic workers resolve the symbol list and position overlay
// each cycle. Implementations must not retain pooled connections across
// calls — workers sleep between cycles and a held connection would starve
// the pool.
type Store interface {
	Authorize(ctx context.Context, topicID int64, principal string) error
	ResolveTopic(ctx context.Context, topicID int64) (*models.TopicData, error)
}
