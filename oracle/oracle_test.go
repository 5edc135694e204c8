package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubSource struct {
	quote Quote
	err   error
	calls int
}

func (s *stubSource) Quote(string) (Quote, error) {
	s.calls++
	if s.err != nil {
		return Quote{}, s.err
	}
	return s.quote.Clone(), nil
}

func wadPrice(units int64) *big.Int {
	wad := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func TestAggregatorPriorityFallback(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	primary := &stubSource{err: errors.New("upstream down")}
	secondary := &stubSource{quote: Quote{Price: wadPrice(3), Timestamp: now}}

	agg := NewAggregator([]string{"primary", "secondary"}, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	quote, err := agg.Price("atom")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Price.Cmp(wadPrice(3)) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if quote.Origin != "secondary" {
		t.Fatalf("expected secondary origin, got %q", quote.Origin)
	}
	if primary.calls != 1 {
		t.Fatalf("expected primary to be consulted first")
	}
}

func TestAggregatorRejectsStaleQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	stale := &stubSource{quote: Quote{Price: wadPrice(3), Timestamp: now.Add(-2 * time.Minute)}}

	agg := NewAggregator(nil, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("stale", stale)

	if _, err := agg.Price("atom"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}

func TestAggregatorDeviationGuard(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	source := &stubSource{quote: Quote{Price: wadPrice(100), Timestamp: now}}

	agg := NewAggregator(nil, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.SetDeviationBps(1_000)
	agg.Register("feed", source)

	if _, err := agg.Price("atom"); err != nil {
		t.Fatalf("seed quote: %v", err)
	}

	// A 10% move sits exactly on the bound and is accepted.
	source.quote.Price = wadPrice(110)
	if _, err := agg.Price("atom"); err != nil {
		t.Fatalf("boundary move rejected: %v", err)
	}

	// The next bound is now relative to 110.
	source.quote.Price = wadPrice(150)
	if _, err := agg.Price("atom"); !errors.Is(err, ErrDeviation) {
		t.Fatalf("expected ErrDeviation, got %v", err)
	}
}

func TestAggregatorFailureHook(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	broken := &stubSource{err: errors.New("upstream down")}
	stale := &stubSource{quote: Quote{Price: wadPrice(3), Timestamp: now.Add(-2 * time.Minute)}}
	healthy := &stubSource{quote: Quote{Price: wadPrice(3), Timestamp: now}}

	agg := NewAggregator([]string{"broken", "stale", "healthy"}, time.Minute)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("broken", broken)
	agg.Register("stale", stale)
	agg.Register("healthy", healthy)

	var failures []string
	agg.SetFailureHook(func(source string) { failures = append(failures, source) })

	if _, err := agg.Price("atom"); err != nil {
		t.Fatalf("price: %v", err)
	}
	if len(failures) != 2 || failures[0] != "broken" || failures[1] != "stale" {
		t.Fatalf("unexpected failure reports %v", failures)
	}

	// The accepted source never reports.
	failures = nil
	if _, err := agg.Price("atom"); err != nil {
		t.Fatalf("price: %v", err)
	}
	if len(failures) != 2 {
		t.Fatalf("unexpected failure reports %v", failures)
	}
}

func TestAggregatorNoSources(t *testing.T) {
	agg := NewAggregator(nil, time.Minute)
	if _, err := agg.Price("atom"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected ErrNoFreshQuote, got %v", err)
	}
}

func TestFeedGetPrice(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	agg := NewAggregator(nil, 0)
	agg.SetNowFunc(func() time.Time { return now })
	agg.Register("static", NewStaticSource(wadPrice(7), now))

	feed := NewFeed(agg, "atom")
	price, err := feed.GetPrice()
	if err != nil {
		t.Fatalf("get price: %v", err)
	}
	if price.Cmp(wadPrice(7)) != 0 {
		t.Fatalf("unexpected price %s", price)
	}
}

func TestStaticSourceUpdate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	src := NewStaticSource(wadPrice(2), now)
	src.Update(wadPrice(4), now.Add(time.Second))

	quote, err := src.Quote("atom")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Price.Cmp(wadPrice(4)) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if !quote.Timestamp.Equal(now.Add(time.Second)) {
		t.Fatalf("timestamp not updated")
	}
}

func TestHTTPSourceQuote(t *testing.T) {
	price := wadPrice(5)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "ATOM" {
			t.Errorf("unexpected symbol %q", got)
		}
		if got := r.Header.Get("x-api-key"); got != "secret" {
			t.Errorf("unexpected api key %q", got)
		}
		fmt.Fprintf(w, `{"price":"%s","timestamp":1700000000}`, price)
	}))
	defer server.Close()

	src := NewHTTPSource(server.Client(), "spot", server.URL, "secret")
	quote, err := src.Quote("atom")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quote.Price.Cmp(price) != 0 {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if quote.Origin != "spot" {
		t.Fatalf("unexpected origin %q", quote.Origin)
	}
	if quote.Timestamp.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected timestamp %d", quote.Timestamp.Unix())
	}
}

func TestHTTPSourceRejectsBadPayloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"price":"-1","timestamp":1700000000}`)
	}))
	defer server.Close()

	src := NewHTTPSource(server.Client(), "spot", server.URL, "")
	if _, err := src.Quote("atom"); err == nil {
		t.Fatalf("expected error for non-positive price")
	}
}
