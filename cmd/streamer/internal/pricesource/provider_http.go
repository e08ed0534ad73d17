package pricesource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/marketlens/portfolio-stream/pkg/models"
)

// HTTPProvider queries a JSON quote endpoint:
//
//	GET {base}?symbols=AAA,BBB
//	-> [{"symbol":"AAA","price":101.2,"prev_close":99.8}, ...]
//
// Entries with a null price are reported as unavailable quotes; symbols
// missing from the response are filled in by the Source.
type HTTPProvider struct {
	base   string
	client *http.Client
}

type providerQuote struct {
	Symbol    string   `json:"symbol"`
	Price     *float64 `json:"price"`
	PrevClose *float64 `json:"prev_close"`
}

func NewHTTPProvider(base string, timeout time.Duration) *HTTPProvider {
	return &HTTPProvider{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	u, err := url.Parse(p.base)
	if err != nil {
		return nil, fmt.Errorf("provider url: %w", err)
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var raw []providerQuote
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("provider response: %w", err)
	}

	at := time.Now()
	out := make(map[string]models.Quote, len(raw))
	for _, pq := range raw {
		if pq.Symbol == "" {
			continue
		}
		if pq.Price == nil {
			out[pq.Symbol] = models.Unavailable(pq.Symbol, at)
			continue
		}

		quote := models.Quote{Symbol: pq.Symbol, Price: pq.Price, Timestamp: at}
		if pq.PrevClose != nil && *pq.PrevClose != 0 {
			delta := *pq.Price - *pq.PrevClose
			pct := delta / *pq.PrevClose * 100
			quote.Delta = &delta
			quote.DeltaPercent = &pct
		}
		out[pq.Symbol] = quote
	}
	return out, nil
}
