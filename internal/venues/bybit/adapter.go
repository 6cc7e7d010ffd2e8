package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

// Name is the venue identifier.
const Name = "bybit"

const tickersPath = "/v5/market/tickers?category=linear"

// requestTimeout bounds the batch request.
const requestTimeout = 5 * time.Second

// Adapter polls the linear tickers endpoint. The venue returns every
// contract in one response, so each cycle is a single request filtered to
// the configured symbols.
type Adapter struct {
	settings venues.Settings
	loop     *venues.PollLoop
	client   *http.Client
	limiter  *venues.HostLimiter
	host     string

	symbols map[string]string // venue symbol -> canonical symbol
}

// New builds the adapter for the configured symbol list.
func New(s venues.Settings, client *http.Client, limiter *venues.HostLimiter) *Adapter {
	a := &Adapter{
		settings: s,
		client:   client,
		limiter:  limiter,
		host:     hostOf(s.RestURL),
		symbols:  make(map[string]string, len(s.Symbols)),
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

type tickersResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string   `json:"category"`
		List     []ticker `json:"list"`
	} `json:"result"`
}

type ticker struct {
	Symbol    string `json:"symbol"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
}

// fetch runs one polling cycle: one batch request, filtered to the working
// set. A non-zero venue return code fails the whole cycle.
func (a *Adapter) fetch(ctx context.Context) ([]model.Quote, error) {
	if err := a.limiter.Wait(ctx, a.host); err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, a.settings.RestURL+tickersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build tickers request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tickers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch tickers: unexpected status %d", resp.StatusCode)
	}

	var payload tickersResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return nil, fmt.Errorf("decode tickers: %w", err)
	}
	if payload.RetCode != 0 {
		return nil, fmt.Errorf("tickers rejected: code %d (%s)", payload.RetCode, payload.RetMsg)
	}

	now := time.Now()
	quotes := make([]model.Quote, 0, len(a.symbols))
	for _, tk := range payload.Result.List {
		symbol, tracked := a.symbols[tk.Symbol]
		if !tracked {
			continue
		}
		bid, errBid := strconv.ParseFloat(tk.Bid1Price, 64)
		ask, errAsk := strconv.ParseFloat(tk.Ask1Price, 64)
		if errBid != nil || errAsk != nil || bid <= 0 || ask <= 0 {
			a.settings.Metrics.RecordParseError(Name)
			log.Warn().Str("venue", Name).Str("symbol", tk.Symbol).Str("bid", tk.Bid1Price).Str("ask", tk.Ask1Price).Msg("Dropping unparseable ticker")
			continue
		}
		quotes = append(quotes, model.Quote{
			Venue:      Name,
			Symbol:     symbol,
			Bid:        bid,
			Ask:        ask,
			ObservedAt: now,
		})
	}
	return quotes, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
