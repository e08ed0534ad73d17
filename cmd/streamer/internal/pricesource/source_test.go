package pricesource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/ratelimit"
	"github.com/marketlens/portfolio-stream/pkg/models"
)

type stubProvider struct {
	quotes map[string]models.Quote
	err    error
	calls  int
	mu     sync.Mutex
}

func (p *stubProvider) Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.quotes, nil
}

type stubAcquirer struct {
	err error
}

func (a *stubAcquirer) Acquire(ctx context.Context, cost int) error { return a.err }

func TestSource_FillsMissingSymbols(t *testing.T) {
	price := 100.0
	provider := &stubProvider{quotes: map[string]models.Quote{
		"AAA": {Symbol: "AAA", Price: &price},
	}}
	src := New(provider, &stubAcquirer{}, time.Second, zap.NewNop())

	quotes, err := src.Fetch(context.Background(), []string{"AAA", "BBB"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !quotes["AAA"].Available() {
		t.Error("AAA should be available")
	}
	if quotes["BBB"].Available() {
		t.Error("BBB was omitted by the provider and should be unavailable")
	}
	if quotes["BBB"].Symbol != "BBB" {
		t.Errorf("Filled quote should carry its symbol, got %q", quotes["BBB"].Symbol)
	}
}

func TestSource_LimiterTimeoutDegradesToUnavailable(t *testing.T) {
	provider := &stubProvider{}
	src := New(provider, &stubAcquirer{err: ratelimit.ErrAcquireTimeout}, 50*time.Millisecond, zap.NewNop())

	quotes, err := src.Fetch(context.Background(), []string{"AAA", "BBB"})
	if err != nil {
		t.Fatalf("A starved limiter must not error the cycle, got %v", err)
	}
	for sym, q := range quotes {
		if q.Available() {
			t.Errorf("%s should be unavailable when no token was granted", sym)
		}
	}
	if provider.calls != 0 {
		t.Errorf("Provider must not be called without a token, got %d calls", provider.calls)
	}
}

func TestSource_ProviderErrorPropagates(t *testing.T) {
	provider := &stubProvider{err: errors.New("connection refused")}
	src := New(provider, &stubAcquirer{}, time.Second, zap.NewNop())

	if _, err := src.Fetch(context.Background(), []string{"AAA"}); err == nil {
		t.Error("Total provider failure should surface as an error")
	}
}

func TestSource_EmptySymbolList(t *testing.T) {
	provider := &stubProvider{}
	src := New(provider, &stubAcquirer{}, time.Second, zap.NewNop())

	quotes, err := src.Fetch(context.Background(), nil)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(quotes) != 0 {
		t.Errorf("Expected no quotes, got %d", len(quotes))
	}
	if provider.calls != 0 {
		t.Error("Empty symbol list should not hit the provider or spend tokens")
	}
}

func TestHTTPProvider_ParsesQuotesAndDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbols"); got != "AAA,BBB" {
			t.Errorf("Expected symbols=AAA,BBB, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"symbol":"AAA","price":110.0,"prev_close":100.0},
			{"symbol":"BBB","price":null}
		]`))
	}))
	defer srv.Close()

	provider := NewHTTPProvider(srv.URL, time.Second)
	quotes, err := provider.Fetch(context.Background(), []string{"AAA", "BBB"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	aaa := quotes["AAA"]
	if !aaa.Available() || *aaa.Price != 110.0 {
		t.Fatalf("Unexpected AAA quote: %+v", aaa)
	}
	if aaa.Delta == nil || *aaa.Delta != 10.0 {
		t.Errorf("Expected delta 10.0, got %v", aaa.Delta)
	}
	if aaa.DeltaPercent == nil || *aaa.DeltaPercent != 10.0 {
		t.Errorf("Expected delta_percent 10.0, got %v", aaa.DeltaPercent)
	}
	if quotes["BBB"].Available() {
		t.Error("BBB has a null price and should be unavailable")
	}
}

func TestHTTPProvider_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	provider := NewHTTPProvider(srv.URL, time.Second)
	if _, err := provider.Fetch(context.Background(), []string{"AAA"}); err == nil {
		t.Error("Non-200 response should be an error")
	}
}
