package oracle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Quote captures a collateral price for a symbol along with the timestamp
// reported by the upstream source and the source identifier. Prices are
// expressed in 1e18 fixed point units of the debt asset per whole unit of
// collateral.
type Quote struct {
	Price     *big.Int
	Timestamp time.Time
	Origin    string
}

// Clone returns a deep copy of the quote to prevent accidental mutations.
func (q Quote) Clone() Quote {
	clone := Quote{Timestamp: q.Timestamp, Origin: q.Origin}
	if q.Price != nil {
		clone.Price = new(big.Int).Set(q.Price)
	}
	return clone
}

// Source resolves a price quote for the provided collateral symbol.
type Source interface {
	Quote(symbol string) (Quote, error)
}

// ErrNoFreshQuote indicates that the aggregator could not retrieve a quote
// within the configured freshness window.
var ErrNoFreshQuote = errors.New("oracle: no fresh quote available")

// ErrDeviation indicates that every candidate quote moved further from the
// last accepted price than the configured deviation bound allows.
var ErrDeviation = errors.New("oracle: quote deviates beyond configured bound")

const basisPoints = 10_000

// Aggregator consults a list of registered sources in priority order until a
// fresh quote is obtained. An optional deviation bound rejects quotes that
// move too far from the last accepted price for the same symbol.
type Aggregator struct {
	mu           sync.RWMutex
	priority     []string
	sources      map[string]Source
	maxAge       time.Duration
	deviationBps uint64
	last         map[string]Quote
	nowFn        func() time.Time
	onFailure    func(source string)
}

// NewAggregator constructs a new aggregator with the provided priority and
// freshness window. When priority is nil a zero-length slice is initialised so
// that Register can safely append identifiers without additional checks.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	prio := append([]string{}, priority...)
	return &Aggregator{
		priority: prio,
		sources:  make(map[string]Source),
		maxAge:   maxAge,
		last:     make(map[string]Quote),
		nowFn:    time.Now,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *Aggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// SetDeviationBps configures the maximum allowed move, in basis points,
// between consecutive accepted quotes for a symbol. Zero disables the guard.
func (a *Aggregator) SetDeviationBps(bps uint64) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.deviationBps = bps
	a.mu.Unlock()
}

// SetFailureHook installs a callback invoked with the source identifier each
// time a registered source fails to produce an acceptable quote. Callers use
// it to feed failure counters without coupling the aggregator to a metrics
// backend.
func (a *Aggregator) SetFailureHook(hook func(source string)) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.onFailure = hook
	a.mu.Unlock()
}

// SetNowFunc overrides the clock used for freshness checks.
func (a *Aggregator) SetNowFunc(now func() time.Time) {
	if a == nil || now == nil {
		return
	}
	a.mu.Lock()
	a.nowFn = now
	a.mu.Unlock()
}

// Register adds or replaces a source under the supplied identifier.
// Identifiers are stored in lowercase so lookups remain consistent regardless
// of the configuration casing.
func (a *Aggregator) Register(name string, source Source) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sources[trimmed] = source
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// Price fetches a quote for the symbol respecting the priority ordering. The
// aggregator enforces the freshness window and the deviation bound, and the
// returned quote contains a defensive copy of the upstream value.
func (a *Aggregator) Price(symbol string) (Quote, error) {
	if a == nil {
		return Quote{}, fmt.Errorf("oracle: aggregator not configured")
	}
	sym := normaliseSymbol(symbol)
	if sym == "" {
		return Quote{}, fmt.Errorf("oracle: symbol required")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	deviation := a.deviationBps
	reference := a.last[sym].Clone()
	now := a.nowFn()
	onFailure := a.onFailure
	a.mu.RUnlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = now.Add(-maxAge)
	}

	reject := func(name string) {
		if onFailure != nil {
			onFailure(name)
		}
	}

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		source := a.sources[name]
		a.mu.RUnlock()
		if source == nil {
			continue
		}
		quote, err := source.Quote(sym)
		if err != nil {
			lastErr = err
			reject(name)
			continue
		}
		if quote.Price == nil || quote.Price.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle: source %s returned invalid price", name)
			reject(name)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			reject(name)
			continue
		}
		if deviation > 0 && reference.Price != nil && exceedsDeviation(reference.Price, quote.Price, deviation) {
			lastErr = ErrDeviation
			reject(name)
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Origin) == "" {
			result.Origin = name
		}
		a.mu.Lock()
		a.last[sym] = result.Clone()
		a.mu.Unlock()
		return result, nil
	}
	if lastErr != nil {
		return Quote{}, lastErr
	}
	return Quote{}, ErrNoFreshQuote
}

// exceedsDeviation reports whether candidate moved more than bps basis points
// away from reference in either direction.
func exceedsDeviation(reference, candidate *big.Int, bps uint64) bool {
	diff := new(big.Int).Sub(candidate, reference)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(basisPoints))
	bound := new(big.Int).Mul(reference, new(big.Int).SetUint64(bps))
	return diff.Cmp(bound) > 0
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Feed binds an aggregator to a single collateral symbol so the pair can be
// consumed where only a bare price lookup is expected.
type Feed struct {
	agg    *Aggregator
	symbol string
}

// NewFeed constructs a feed for the supplied symbol.
func NewFeed(agg *Aggregator, symbol string) *Feed {
	return &Feed{agg: agg, symbol: normaliseSymbol(symbol)}
}

// GetPrice resolves the bound symbol through the aggregator.
func (f *Feed) GetPrice() (*big.Int, error) {
	if f == nil || f.agg == nil {
		return nil, fmt.Errorf("oracle: feed not configured")
	}
	quote, err := f.agg.Price(f.symbol)
	if err != nil {
		return nil, err
	}
	return quote.Price, nil
}

// StaticSource serves a fixed quote and is primarily useful for tests and
// local development networks.
type StaticSource struct {
	mu    sync.RWMutex
	price *big.Int
	at    time.Time
}

// NewStaticSource constructs a static source with an initial price.
func NewStaticSource(price *big.Int, at time.Time) *StaticSource {
	s := &StaticSource{at: at}
	if price != nil {
		s.price = new(big.Int).Set(price)
	}
	return s
}

// Update replaces the served price and timestamp.
func (s *StaticSource) Update(price *big.Int, at time.Time) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if price == nil {
		s.price = nil
	} else {
		s.price = new(big.Int).Set(price)
	}
	s.at = at
}

// Quote returns the currently configured price.
func (s *StaticSource) Quote(string) (Quote, error) {
	if s == nil {
		return Quote{}, fmt.Errorf("oracle: static source not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price == nil || s.price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle: static source has no price")
	}
	return Quote{Price: new(big.Int).Set(s.price), Timestamp: s.at, Origin: "static"}, nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSource fetches spot prices from a JSON endpoint. The endpoint is
// expected to answer GET requests carrying a symbol query parameter with a
// body of the form {"price":"<decimal wad>","timestamp":<unix seconds>}.
type HTTPSource struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	name     string
}

// NewHTTPSource constructs an HTTP source adapter. When the client is nil
// http.DefaultClient is used. The API key is optional and only added to the
// request headers when supplied.
func NewHTTPSource(client HTTPDoer, name, endpoint, apiKey string) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		client:   client,
		endpoint: strings.TrimSpace(endpoint),
		apiKey:   strings.TrimSpace(apiKey),
		name:     strings.ToLower(strings.TrimSpace(name)),
	}
}

// Quote fetches the current price for the symbol from the remote endpoint.
func (s *HTTPSource) Quote(symbol string) (Quote, error) {
	if s == nil || s.endpoint == "" {
		return Quote{}, fmt.Errorf("oracle: http source not configured")
	}
	req, err := http.NewRequest(http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("symbol", normaliseSymbol(symbol))
	req.URL.RawQuery = values.Encode()
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("oracle: %s status %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Price     string `json:"price"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("oracle: %s decode: %w", s.name, err)
	}
	raw := strings.TrimSpace(payload.Price)
	if raw == "" {
		return Quote{}, fmt.Errorf("oracle: %s returned empty price", s.name)
	}
	price, ok := new(big.Int).SetString(raw, 10)
	if !ok || price.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle: %s returned invalid price %q", s.name, payload.Price)
	}
	return Quote{Price: price, Timestamp: time.Unix(payload.Timestamp, 0), Origin: s.name}, nil
}
