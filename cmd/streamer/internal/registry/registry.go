// Package registry is the single source of truth for which connections are
// subscribed to which topics and which topics have a running poll worker.
// All membership state is guarded by one mutex; the 0->1 and 1->0 subscriber
// transitions are the only places workers start and stop.
package registry

import (
	"sync"

	"go.uber.org/zap"
)

// Conn is one live client channel, owned by the registry for the duration of
// its subscription. Send must not block on the network: it either queues the
// payload or fails fast, and a failure gets the connection dropped.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close()
}

type Registry struct {
	mu      sync.Mutex
	subs    map[int64]map[Conn]struct{}
	workers map[int64]*topicWorker
	closed  bool

	deps   WorkerDeps
	logger *zap.Logger
}

func New(deps WorkerDeps, logger *zap.Logger) *Registry {
	if deps.Clock == nil {
		deps.Clock = RealClock{}
	}
	return &Registry{
		subs:    make(map[int64]map[Conn]struct{}),
		workers: make(map[int64]*topicWorker),
		deps:    deps,
		logger:  logger,
	}
}

// Subscribe adds conn to the topic's subscriber set. The caller must already
// have authenticated and authorized the connection. On the 0->1 transition
// exactly one worker is started; if a cancelled worker for the topic is still
// draining, Subscribe waits for it to finish (outside the lock) before
// starting a fresh one, so two workers never run at once. Subscribing the
// same connection twice is a no-op.
func (r *Registry) Subscribe(topicID int64, c Conn) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			c.Close()
			return
		}

		set := r.subs[topicID]
		if set == nil {
			set = make(map[Conn]struct{})
			r.subs[topicID] = set
		}
		set[c] = struct{}{}

		w := r.workers[topicID]
		if w == nil {
			w = newTopicWorker(topicID, r, r.deps, r.logger)
			r.workers[topicID] = w
			go w.run()
			r.mu.Unlock()
			r.logger.Info("Topic worker started", zap.Int64("topic_id", topicID))
			return
		}
		if !w.cancelled() {
			r.mu.Unlock()
			return
		}

		// Predecessor is draining. Wait for its goroutine to exit, then
		// retry; its exit hook removes it from the map.
		r.mu.Unlock()
		<-w.done
	}
}

// Unsubscribe removes conn from the topic's subscriber set; unknown
// connections are a no-op. On the 1->0 transition the topic's worker is
// cancelled, and Unsubscribe does not return until the worker goroutine has
// fully exited — an immediately following Subscribe is guaranteed to observe
// "no worker" and start a fresh one.
func (r *Registry) Unsubscribe(topicID int64, c Conn) {
	r.mu.Lock()
	set := r.subs[topicID]
	if set == nil {
		r.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)

	var w *topicWorker
	if len(set) == 0 {
		delete(r.subs, topicID)
		w = r.workers[topicID]
		if w != nil {
			w.cancel()
		}
	}
	r.mu.Unlock()

	if w != nil {
		<-w.done
		r.logger.Info("Topic worker stopped", zap.Int64("topic_id", topicID))
	}
}

// Broadcast sends payload to every connection currently subscribed to the
// topic. The subscriber set is snapshotted under the lock; the sends happen
// outside it so one slow client cannot block membership changes. A failed
// send drops that connection without aborting the rest.
func (r *Registry) Broadcast(topicID int64, payload []byte) {
	r.mu.Lock()
	set := r.subs[topicID]
	conns := make([]Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var failed []Conn
	for _, c := range conns {
		if err := c.Send(payload); err != nil {
			r.logger.Warn("Dropping connection after send failure",
				zap.Int64("topic_id", topicID), zap.String("conn_id", c.ID()), zap.Error(err))
			failed = append(failed, c)
		}
	}

	if len(failed) == 0 {
		return
	}

	// Broadcast runs on the worker goroutine, so it must not wait for the
	// worker's own teardown; it only requests cancellation. The worker
	// observes it before its next cycle.
	r.mu.Lock()
	set = r.subs[topicID]
	for _, c := range failed {
		if set == nil {
			break
		}
		if _, ok := set[c]; ok {
			delete(set, c)
		}
	}
	if set != nil && len(set) == 0 {
		delete(r.subs, topicID)
		if w := r.workers[topicID]; w != nil {
			w.cancel()
		}
	}
	r.mu.Unlock()

	for _, c := range failed {
		c.Close()
	}
}

// SubscriberCount reports the topic's current subscriber count.
func (r *Registry) SubscriberCount(topicID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[topicID])
}

// WorkerCount reports how many topics currently hold a worker handle.
func (r *Registry) WorkerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Close cancels every worker, waits for them to exit, and closes all
// connections. The registry accepts no subscriptions afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	workers := make([]*topicWorker, 0, len(r.workers))
	for _, w := range r.workers {
		w.cancel()
		workers = append(workers, w)
	}
	var conns []Conn
	for _, set := range r.subs {
		for c := range set {
			conns = append(conns, c)
		}
	}
	r.subs = make(map[int64]map[Conn]struct{})
	r.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	for _, c := range conns {
		c.Close()
	}
	r.logger.Info("Registry closed", zap.Int("workers_stopped", len(workers)), zap.Int("conns_closed", len(conns)))
}

// removeWorker is the worker's own exit hook; the handle leaves the map only
// here, after the goroutine is finished, which keeps "at most one handle per
// topic" true at every instant.
func (r *Registry) removeWorker(w *topicWorker) {
	r.mu.Lock()
	if r.workers[w.topicID] == w {
		delete(r.workers, w.topicID)
	}
	r.mu.Unlock()
}
