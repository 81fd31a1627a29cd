// Package rates resolves exchange rates between asset codes from an
// external rates service, with a TTL cache in front.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

var ErrUnknownRate = errors.New("unknown exchange rate")

// Client resolves the rate that converts one unit of the source asset
// into destination asset units, both at scale 0.
type Client interface {
	Rate(ctx context.Context, sourceCode, destinationCode string) (decimal.Decimal, error)
}

// HTTPClient fetches rates from the configured service and caches each
// base currency's rate table for the configured lifetime.
type HTTPClient struct {
	url    string
	client *http.Client
	cache  *expirable.LRU[string, map[string]decimal.Decimal]
}

// NewHTTPClient creates a client. lifetime bounds cache staleness; an
// http.Client may be supplied for tests.
func NewHTTPClient(ratesURL string, lifetime time.Duration, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPClient{
		url:    ratesURL,
		client: client,
		cache:  expirable.NewLRU[string, map[string]decimal.Decimal](64, nil, lifetime),
	}
}

var _ Client = (*HTTPClient)(nil)

// response is the rates service body: {"base": "USD", "rates": {...}}.
type response struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (c *HTTPClient) Rate(ctx context.Context, sourceCode, destinationCode string) (decimal.Decimal, error) {
	if sourceCode == destinationCode {
		return decimal.NewFromInt(1), nil
	}
	table, ok := c.cache.Get(sourceCode)
	if !ok {
		var err error
		table, err = c.fetch(ctx, sourceCode)
		if err != nil {
			return decimal.Decimal{}, err
		}
		c.cache.Add(sourceCode, table)
	}
	rate, ok := table[destinationCode]
	if !ok || rate.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%w: %s to %s", ErrUnknownRate, sourceCode, destinationCode)
	}
	return rate, nil
}

func (c *HTTPClient) fetch(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	u := c.url + "?base=" + url.QueryEscape(base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates service status %d", resp.StatusCode)
	}
	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	return body.Rates, nil
}

// Static is a fixed rate table for tests and standalone mode, keyed
// "SRC/DST".
type Static map[string]decimal.Decimal

var _ Client = Static(nil)

func (s Static) Rate(_ context.Context, sourceCode, destinationCode string) (decimal.Decimal, error) {
	if sourceCode == destinationCode {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := s[sourceCode+"/"+destinationCode]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s to %s", ErrUnknownRate, sourceCode, destinationCode)
	}
	return rate, nil
}
