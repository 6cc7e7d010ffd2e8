package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

// Name is the venue identifier.
const Name = "binance"

const tickerPath = "/fapi/v1/ticker/bookTicker"

// requestTimeout bounds each per-symbol request.
const requestTimeout = 5 * time.Second

// warnWindow throttles repeated per-symbol fetch warnings.
const warnWindow = time.Minute

// Adapter polls the book ticker endpoint once per symbol per cycle. The
// venue has no batch top-of-book endpoint, so requests are staggered
// through the shared host limiter.
type Adapter struct {
	settings venues.Settings
	loop     *venues.PollLoop
	client   *http.Client
	limiter  *venues.HostLimiter
	host     string

	order   []string          // venue symbols in request order
	symbols map[string]string // venue symbol -> canonical symbol

	mu         sync.Mutex
	lastWarned map[string]time.Time
}

// New builds the adapter for the configured symbol list.
func New(s venues.Settings, client *http.Client, limiter *venues.HostLimiter) *Adapter {
	a := &Adapter{
		settings:   s,
		client:     client,
		limiter:    limiter,
		host:       hostOf(s.RestURL),
		order:      append([]string(nil), s.Symbols...),
		symbols:    make(map[string]string, len(s.Symbols)),
		lastWarned: make(map[string]time.Time),
	}
	for _, sym := range s.Symbols {
		a.symbols[sym] = s.Normalizer.Normalize(sym)
	}
	a.loop = venues.NewPollLoop(s, a.fetch)
	return a
}

// Name implements venues.Adapter.
func (a *Adapter) Name() string { return Name }

// Start implements venues.Adapter.
func (a *Adapter) Start(ctx context.Context) error { return a.loop.Start(ctx) }

// Stop implements venues.Adapter.
func (a *Adapter) Stop(ctx context.Context) error { return a.loop.Stop(ctx) }

type bookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
}

// fetch runs one polling cycle. A failing symbol is logged and skipped;
// the cycle only fails as a whole when no symbol could be fetched.
func (a *Adapter) fetch(ctx context.Context) ([]model.Quote, error) {
	quotes := make([]model.Quote, 0, len(a.order))
	var firstErr error

	for _, venueSymbol := range a.order {
		if err := a.limiter.Wait(ctx, a.host); err != nil {
			return quotes, err
		}
		q, err := a.fetchSymbol(ctx, venueSymbol)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			a.warnSymbol(venueSymbol, err)
			continue
		}
		quotes = append(quotes, q)
	}

	if len(quotes) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return quotes, nil
}

func (a *Adapter) fetchSymbol(ctx context.Context, venueSymbol string) (model.Quote, error) {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s%s?symbol=%s", a.settings.RestURL, tickerPath, url.QueryEscape(venueSymbol))
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("build request for %s: %w", venueSymbol, err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("fetch %s: %w", venueSymbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.Quote{}, fmt.Errorf("fetch %s: unexpected status %d", venueSymbol, resp.StatusCode)
	}

	var ticker bookTicker
	if err := json.NewDecoder(resp.Body).Decode(&ticker); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return model.Quote{}, fmt.Errorf("decode %s: %w", venueSymbol, err)
	}

	bid, errBid := strconv.ParseFloat(ticker.BidPrice, 64)
	ask, errAsk := strconv.ParseFloat(ticker.AskPrice, 64)
	if errBid != nil || errAsk != nil || bid <= 0 || ask <= 0 {
		a.settings.Metrics.RecordParseError(Name)
		return model.Quote{}, fmt.Errorf("%s: unparseable ticker prices", venueSymbol)
	}

	return model.Quote{
		Venue:      Name,
		Symbol:     a.symbols[venueSymbol],
		Bid:        bid,
		Ask:        ask,
		ObservedAt: time.Now(),
	}, nil
}

// warnSymbol logs a per-symbol fetch failure at most once per window.
func (a *Adapter) warnSymbol(venueSymbol string, err error) {
	a.mu.Lock()
	last, seen := a.lastWarned[venueSymbol]
	throttled := seen && time.Since(last) < warnWindow
	if !throttled {
		a.lastWarned[venueSymbol] = time.Now()
	}
	a.mu.Unlock()

	if throttled {
		return
	}
	log.Warn().Err(err).Str("venue", Name).Str("symbol", venueSymbol).Msg("Symbol fetch failed")
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
