package registry

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/dataaccess"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/firehose"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/pricesource"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/protocol"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/repository"
	"github.com/marketlens/portfolio-stream/pkg/config"
)

// Clock abstracts time for deterministic testing
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// WorkerDeps carries the collaborators every topic worker needs. Snapshots
// and Firehose may be nil; those steps are skipped.
type WorkerDeps struct {
	Store     dataaccess.Store
	Source    pricesource.Fetcher
	Snapshots repository.SnapshotStore
	Firehose  firehose.Sink
	Poll      config.PollConfig
	Clock     Clock
}

// topicWorker is the single background poll loop for one topic. Its whole
// lifetime is bounded by the topic having at least one subscriber; only the
// registry starts or cancels it.
type topicWorker struct {
	topicID int64
	reg     *Registry
	deps    WorkerDeps
	logger  *zap.Logger

	ctx      context.Context
	cancelFn context.CancelFunc
	done     chan struct{}
}

func newTopicWorker(topicID int64, reg *Registry, deps WorkerDeps, logger *zap.Logger) *topicWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &topicWorker{
		topicID:  topicID,
		reg:      reg,
		deps:     deps,
		logger:   logger,
		ctx:      ctx,
		cancelFn: cancel,
		done:     make(chan struct{}),
	}
}

func (w *topicWorker) cancel()         { w.cancelFn() }
func (w *topicWorker) cancelled() bool { return w.ctx.Err() != nil }

func (w *topicWorker) run() {
	// LIFO: the map entry is removed first, then done is closed, so anyone
	// woken by done sees the handle already gone.
	defer close(w.done)
	defer w.reg.removeWorker(w)

	for {
		if w.ctx.Err() != nil {
			return
		}

		w.runCycle()

		interval := w.deps.Poll.EffectiveInterval(w.deps.Clock.Now())
		timer := time.NewTimer(interval)
		select {
		case <-w.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// runCycle performs one poll: resolve the topic, fetch quotes, build and fan
// out the frame. Failures are absorbed and logged; only cancellation stops
// the worker. A total fetch failure skips the broadcast for this cycle (the
// next cycle retries) rather than emitting an all-null frame.
func (w *topicWorker) runCycle() {
	td, err := w.deps.Store.ResolveTopic(w.ctx, w.topicID)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Error("Topic resolve failed, skipping cycle",
				zap.Int64("topic_id", w.topicID), zap.Error(err))
		}
		return
	}

	quotes, err := w.deps.Source.Fetch(w.ctx, td.Symbols)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Warn("Upstream fetch failed, skipping cycle",
				zap.Int64("topic_id", w.topicID), zap.Error(err))
		}
		return
	}

	frame := protocol.BuildPriceUpdate(td, quotes, w.deps.Clock.Now())
	payload, err := json.Marshal(frame)
	if err != nil {
		w.logger.Error("Frame marshal failed", zap.Int64("topic_id", w.topicID), zap.Error(err))
		return
	}

	// A cancelled worker must not emit a final frame.
	if w.ctx.Err() != nil {
		return
	}

	if w.deps.Snapshots != nil {
		if err := w.deps.Snapshots.SetSnapshot(w.ctx, w.topicID, payload); err != nil {
			w.logger.Warn("Snapshot write failed", zap.Int64("topic_id", w.topicID), zap.Error(err))
		}
	}
	if w.deps.Firehose != nil {
		w.deps.Firehose.Publish(w.ctx, w.topicID, payload)
	}

	w.reg.Broadcast(w.topicID, payload)
	w.logger.Debug("Cycle broadcast",
		zap.Int64("topic_id", w.topicID), zap.Int("symbols", len(td.Symbols)))
}
