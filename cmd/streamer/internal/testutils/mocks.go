package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/marketlens/portfolio-stream/pkg/models"
)

// MockConn simulates a connected websocket client
type MockConn struct {
	IDVal    string
	Payloads [][]byte
	Closed   bool
	FailSend bool
	Mu       sync.Mutex
}

func NewMockConn(id string) *MockConn {
	return &MockConn{IDVal: id}
}

func (m *MockConn) ID() string { return m.IDVal }

func (m *MockConn) Send(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.FailSend {
		return errors.New("mock send failure")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	m.Payloads = append(m.Payloads, cp)
	return nil
}

func (m *MockConn) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockConn) SendCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Payloads)
}

func (m *MockConn) LastPayload() []byte {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Payloads) == 0 {
		return nil
	}
	return m.Payloads[len(m.Payloads)-1]
}

func (m *MockConn) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

// MockStore simulates the persistence layer
type MockStore struct {
	Topics     map[int64]*models.TopicData
	AuthErr    error
	ResolveErr error
	Mu         sync.Mutex
}

func NewMockStore() *MockStore {
	return &MockStore{Topics: make(map[int64]*models.TopicData)}
}

func (m *MockStore) Authorize(ctx context.Context, topicID int64, principal string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.AuthErr
}

func (m *MockStore) ResolveTopic(ctx context.Context, topicID int64) (*models.TopicData, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ResolveErr != nil {
		return nil, m.ResolveErr
	}
	if td, ok := m.Topics[topicID]; ok {
		return td, nil
	}
	return &models.TopicData{TopicID: topicID, Overlay: map[string]models.Overlay{}}, nil
}

// MockFetcher simulates the limiter-throttled price source
type MockFetcher struct {
	FetchFn     func(symbols []string) (map[string]models.Quote, error)
	Calls       int
	InFlight    int
	MaxInFlight int
	Mu          sync.Mutex
}

func NewMockFetcher(fn func(symbols []string) (map[string]models.Quote, error)) *MockFetcher {
	return &MockFetcher{FetchFn: fn}
}

func (m *MockFetcher) Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	m.Mu.Lock()
	m.Calls++
	m.InFlight++
	if m.InFlight > m.MaxInFlight {
		m.MaxInFlight = m.InFlight
	}
	fn := m.FetchFn
	m.Mu.Unlock()

	defer func() {
		m.Mu.Lock()
		m.InFlight--
		m.Mu.Unlock()
	}()

	if fn != nil {
		return fn(symbols)
	}
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		price := 100.0
		out[s] = models.Quote{Symbol: s, Price: &price, Timestamp: time.Now()}
	}
	return out, nil
}

func (m *MockFetcher) CallCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Calls
}

func (m *MockFetcher) PeakConcurrency() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.MaxInFlight
}

// MockSnapshots is an in-memory snapshot store
type MockSnapshots struct {
	Data map[int64][]byte
	Mu   sync.Mutex
}

func NewMockSnapshots() *MockSnapshots {
	return &MockSnapshots{Data: make(map[int64][]byte)}
}

func (m *MockSnapshots) SetSnapshot(ctx context.Context, topicID int64, payload []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Data[topicID] = cp
	return nil
}

func (m *MockSnapshots) GetSnapshot(ctx context.Context, topicID int64) ([]byte, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Data[topicID], nil
}

func (m *MockSnapshots) Close() error { return nil }

// MockSink records firehose publishes
type MockSink struct {
	Published [][]byte
	Mu        sync.Mutex
}

func NewMockSink() *MockSink {
	return &MockSink{}
}

func (m *MockSink) Publish(ctx context.Context, topicID int64, payload []byte) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.Published = append(m.Published, cp)
}

func (m *MockSink) PublishCount() int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return len(m.Published)
}

// FixedClock returns a constant instant
type FixedClock struct {
	At time.Time
}

func (c FixedClock) Now() time.Time { return c.At }
