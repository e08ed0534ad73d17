package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/protocol"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/registry"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/testutils"
	"github.com/marketlens/portfolio-stream/pkg/config"
	"github.com/marketlens/portfolio-stream/pkg/models"
)

func fastPoll() config.PollConfig {
	return config.PollConfig{
		Interval:         10 * time.Millisecond,
		OffHoursInterval: 10 * time.Millisecond,
		TradingOpen:      "09:30",
		TradingClose:     "16:00",
	}
}

func setup(fetcher *testutils.MockFetcher) (*registry.Registry, *testutils.MockStore) {
	store := testutils.NewMockStore()
	store.Topics[1] = &models.TopicData{
		TopicID: 1,
		Symbols: []string{"AAA", "BBB"},
		Overlay: map[string]models.Overlay{},
	}
	reg := registry.New(registry.WorkerDeps{
		Store:  store,
		Source: fetcher,
		Poll:   fastPoll(),
	}, zap.NewNop())
	return reg, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for: %s", msg)
}

func TestRegistry_ConcurrentSubscribe_SingleWorker(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)
	defer reg.Close()

	const n = 16
	var wg sync.WaitGroup
	conns := make([]*testutils.MockConn, n)
	for i := 0; i < n; i++ {
		conns[i] = testutils.NewMockConn(string(rune('a' + i)))
		wg.Add(1)
		go func(c *testutils.MockConn) {
			defer wg.Done()
			reg.Subscribe(1, c)
		}(conns[i])
	}
	wg.Wait()

	if got := reg.WorkerCount(); got != 1 {
		t.Errorf("Expected exactly 1 worker after %d concurrent subscribes, got %d", n, got)
	}
	if got := reg.SubscriberCount(1); got != n {
		t.Errorf("Expected %d subscribers, got %d", n, got)
	}
}

func TestRegistry_TeardownBeforeRestart(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)
	defer reg.Close()

	c1 := testutils.NewMockConn("c1")
	reg.Subscribe(1, c1)
	waitFor(t, time.Second, func() bool { return fetcher.CallCount() >= 1 }, "first worker cycle")

	// Unsubscribe must not return before the worker has fully stopped.
	reg.Unsubscribe(1, c1)
	if got := reg.WorkerCount(); got != 0 {
		t.Fatalf("Expected 0 workers immediately after unsubscribe returned, got %d", got)
	}

	c2 := testutils.NewMockConn("c2")
	reg.Subscribe(1, c2)
	if got := reg.WorkerCount(); got != 1 {
		t.Errorf("Expected 1 worker after resubscribe, got %d", got)
	}

	waitFor(t, time.Second, func() bool { return c2.SendCount() >= 1 }, "new worker's first broadcast")
	if peak := fetcher.PeakConcurrency(); peak > 1 {
		t.Errorf("Two workers polled concurrently (peak in-flight fetches %d)", peak)
	}
}

func TestRegistry_RapidChurn_NeverTwoWorkers(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)
	defer reg.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c := testutils.NewMockConn(string(rune('A' + id)))
			for j := 0; j < 20; j++ {
				reg.Subscribe(1, c)
				reg.Unsubscribe(1, c)
			}
		}(i)
	}
	wg.Wait()

	if peak := fetcher.PeakConcurrency(); peak > 1 {
		t.Errorf("Churn produced overlapping workers (peak in-flight fetches %d)", peak)
	}
	if got := reg.WorkerCount(); got != 0 {
		t.Errorf("Expected 0 workers after churn, got %d", got)
	}
}

func TestRegistry_BroadcastFanOut(t *testing.T) {
	// Fetch failures keep the worker from broadcasting on its own, so the
	// only frames the conns see come from the explicit Broadcast below.
	fetcher := testutils.NewMockFetcher(func(symbols []string) (map[string]models.Quote, error) {
		return nil, errors.New("provider unreachable")
	})
	reg, _ := setup(fetcher)
	defer reg.Close()

	good1 := testutils.NewMockConn("good1")
	good2 := testutils.NewMockConn("good2")
	bad := testutils.NewMockConn("bad")
	bad.FailSend = true

	reg.Subscribe(2, good1)
	reg.Subscribe(2, good2)
	reg.Subscribe(2, bad)

	payload := []byte(`{"type":"price_update"}`)
	reg.Broadcast(2, payload)

	if good1.SendCount() == 0 || good2.SendCount() == 0 {
		t.Error("Healthy connections should receive the broadcast despite one failing send")
	}
	if string(good1.LastPayload()) != string(payload) {
		t.Errorf("Payload mismatch: got %s", good1.LastPayload())
	}
	if !bad.IsClosed() {
		t.Error("Failed connection should be closed")
	}
	if got := reg.SubscriberCount(2); got != 2 {
		t.Errorf("Failed connection should be removed from the set, got %d subscribers", got)
	}
}

func TestRegistry_IdempotentUnsubscribe(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)
	defer reg.Close()

	stranger := testutils.NewMockConn("stranger")
	// Never subscribed: must be a no-op, not a panic.
	reg.Unsubscribe(1, stranger)
	reg.Unsubscribe(99, stranger)

	c := testutils.NewMockConn("c")
	reg.Subscribe(1, c)
	reg.Unsubscribe(1, c)
	reg.Unsubscribe(1, c)

	if got := reg.WorkerCount(); got != 0 {
		t.Errorf("Expected 0 workers, got %d", got)
	}
}

func TestRegistry_DuplicateSubscribe(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)
	defer reg.Close()

	c := testutils.NewMockConn("c")
	reg.Subscribe(1, c)
	reg.Subscribe(1, c)

	if got := reg.SubscriberCount(1); got != 1 {
		t.Errorf("Duplicate subscribe should not duplicate membership, got %d", got)
	}
	if got := reg.WorkerCount(); got != 1 {
		t.Errorf("Duplicate subscribe should not start a second worker, got %d", got)
	}
}

func TestWorker_BroadcastsQuotesWithNulls(t *testing.T) {
	price := 100.0
	fetcher := testutils.NewMockFetcher(func(symbols []string) (map[string]models.Quote, error) {
		return map[string]models.Quote{
			"AAA": {Symbol: "AAA", Price: &price, Timestamp: time.Now()},
			"BBB": {Symbol: "BBB"}, // unavailable this cycle
		}, nil
	})
	reg, _ := setup(fetcher)
	defer reg.Close()

	c := testutils.NewMockConn("c")
	reg.Subscribe(1, c)
	waitFor(t, time.Second, func() bool { return c.SendCount() >= 1 }, "first broadcast")

	var frame protocol.PriceUpdate
	if err := json.Unmarshal(c.LastPayload(), &frame); err != nil {
		t.Fatalf("Broadcast payload is not a valid frame: %v", err)
	}
	if frame.Type != protocol.TypePriceUpdate {
		t.Errorf("Expected type %q, got %q", protocol.TypePriceUpdate, frame.Type)
	}
	if frame.TopicID != 1 {
		t.Errorf("Expected topic_id 1, got %d", frame.TopicID)
	}
	if len(frame.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(frame.Items))
	}
	if frame.Items[0].Symbol != "AAA" || frame.Items[0].Price == nil || *frame.Items[0].Price != 100.0 {
		t.Errorf("Unexpected AAA item: %+v", frame.Items[0])
	}
	if frame.Items[1].Symbol != "BBB" || frame.Items[1].Price != nil {
		t.Errorf("BBB should have a null price, got: %+v", frame.Items[1])
	}
}

func TestWorker_TotalFetchFailureSkipsBroadcast(t *testing.T) {
	fetcher := testutils.NewMockFetcher(func(symbols []string) (map[string]models.Quote, error) {
		return nil, errors.New("provider unreachable")
	})
	reg, _ := setup(fetcher)
	defer reg.Close()

	c := testutils.NewMockConn("c")
	reg.Subscribe(1, c)
	waitFor(t, time.Second, func() bool { return fetcher.CallCount() >= 3 }, "several failed cycles")

	if got := c.SendCount(); got != 0 {
		t.Errorf("Failed cycles must not broadcast, got %d sends", got)
	}
	if got := reg.WorkerCount(); got != 1 {
		t.Errorf("Worker should survive fetch failures, got %d workers", got)
	}
}

func TestWorker_WritesSnapshotAndFirehose(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	store := testutils.NewMockStore()
	store.Topics[1] = &models.TopicData{TopicID: 1, Symbols: []string{"AAA"}, Overlay: map[string]models.Overlay{}}
	snapshots := testutils.NewMockSnapshots()
	sink := testutils.NewMockSink()

	reg := registry.New(registry.WorkerDeps{
		Store:     store,
		Source:    fetcher,
		Snapshots: snapshots,
		Firehose:  sink,
		Poll:      fastPoll(),
	}, zap.NewNop())
	defer reg.Close()

	c := testutils.NewMockConn("c")
	reg.Subscribe(1, c)
	waitFor(t, time.Second, func() bool { return c.SendCount() >= 1 }, "first broadcast")

	snap, _ := snapshots.GetSnapshot(context.Background(), 1)
	if snap == nil {
		t.Error("Worker should cache the latest frame as the topic snapshot")
	}
	if sink.PublishCount() == 0 {
		t.Error("Worker should publish frames to the firehose")
	}
	if string(snap) != string(c.LastPayload()) && c.SendCount() == 1 {
		t.Error("Snapshot should match the broadcast payload")
	}
}

func TestRegistry_CloseStopsEverything(t *testing.T) {
	fetcher := testutils.NewMockFetcher(nil)
	reg, _ := setup(fetcher)

	c1 := testutils.NewMockConn("c1")
	c2 := testutils.NewMockConn("c2")
	reg.Subscribe(1, c1)
	reg.Subscribe(2, c2)

	reg.Close()

	if got := reg.WorkerCount(); got != 0 {
		t.Errorf("Expected 0 workers after close, got %d", got)
	}
	if !c1.IsClosed() || !c2.IsClosed() {
		t.Error("All connections should be closed on registry close")
	}

	late := testutils.NewMockConn("late")
	reg.Subscribe(1, late)
	if !late.IsClosed() {
		t.Error("Subscribe after close should close the connection")
	}
	if got := reg.WorkerCount(); got != 0 {
		t.Errorf("Subscribe after close should not start a worker, got %d", got)
	}
}
