package paradex

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

// Name is the venue identifier.
const Name = "paradex"

// Adapter consumes best bid/offer channels over the venue's JSON-RPC
// WebSocket, one subscription per configured market.
type Adapter struct {
	settings venues.Settings
	mgr      *venues.ConnManager

	mu      sync.Mutex
	markets map[string]string // venue market -> canonical symbol
	pending map[int64]string  // subscribe request id -> venue market
	nextID  int64
}

// New builds the adapter for the configured market list.
func New(s venues.Settings) *Adapter {
	a := &Adapter{
		settings: s,
		markets:  make(map[string]string, len(s.Symbols)),
		pending:  make(map[int64]string),
	}
	for _, market := range s.Symbols {
		a.markets[market] = s.Normalizer.Normalize(market)
	}
	a.mgr = venues.NewConnManager(s, venues.Hooks{
		OnConnect: a.subscribe,
		OnMessage: a.handleMessage,
	})
	return a
}

// Name implements venues.Adapter.
func (a *Adapter) Name() string { return Name }

// Start implements venues.Adapter.
func (a *Adapter) Start(ctx context.Context) error { return a.mgr.Start(ctx) }

// Stop implements venues.Adapter.
func (a *Adapter) Stop(ctx context.Context) error { return a.mgr.Stop(ctx) }

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Channel string `json:"channel"`
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
	ID      *int64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subscriptionParams struct {
	Channel string  `json:"channel"`
	Data    bboData `json:"data"`
}

type bboData struct {
	Market        string `json:"market"`
	Bid           string `json:"bid"`
	Ask           string `json:"ask"`
	LastUpdatedAt int64  `json:"last_updated_at"`
}

// subscribe issues one bbo subscription per market still in the working
// set. Request ids are tracked so error responses can be attributed.
func (a *Adapter) subscribe(ctx context.Context) error {
	a.mu.Lock()
	a.pending = make(map[int64]string, len(a.markets))
	reqs := make([]rpcRequest, 0, len(a.markets))
	for market := range a.markets {
		a.nextID++
		a.pending[a.nextID] = market
		reqs = append(reqs, rpcRequest{
			JSONRPC: "2.0",
			Method:  "subscribe",
			Params:  rpcParams{Channel: "bbo." + market},
			ID:      a.nextID,
		})
	}
	a.mu.Unlock()

	for _, req := range reqs {
		if err := a.mgr.Send(req); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) handleMessage(data []byte) error {
	var frame rpcFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("paradex frame: %w", err)
	}

	if frame.Method == "subscription" {
		return a.handleUpdate(frame.Params)
	}
	if frame.ID != nil {
		a.resolvePending(*frame.ID, frame.Error)
		return nil
	}
	log.Debug().Str("venue", Name).Str("method", frame.Method).Msg("Ignoring unhandled frame")
	return nil
}

// resolvePending settles a subscribe acknowledgement. An error response
// means the venue rejected the channel, so the market leaves the working
// set and is not retried on reconnect.
func (a *Adapter) resolvePending(id int64, rpcErr *rpcError) {
	a.mu.Lock()
	market, ok := a.pending[id]
	if ok {
		delete(a.pending, id)
		if rpcErr != nil {
			delete(a.markets, market)
		}
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	if rpcErr != nil {
		log.Warn().Str("venue", Name).Str("market", market).Int("code", rpcErr.Code).Str("reason", rpcErr.Message).Msg("Venue rejected subscription, dropping market")
		return
	}
	log.Debug().Str("venue", Name).Str("market", market).Msg("Subscription confirmed")
}

func (a *Adapter) handleUpdate(raw []byte) error {
	var params subscriptionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("paradex subscription params: %w", err)
	}

	a.mu.Lock()
	symbol, ok := a.markets[params.Data.Market]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	bid, errBid := strconv.ParseFloat(params.Data.Bid, 64)
	ask, errAsk := strconv.ParseFloat(params.Data.Ask, 64)
	if errBid != nil || errAsk != nil || bid <= 0 || ask <= 0 {
		a.settings.Metrics.RecordParseError(Name)
		log.Warn().Str("venue", Name).Str("market", params.Data.Market).Str("bid", params.Data.Bid).Str("ask", params.Data.Ask).Msg("Dropping unparseable quote")
		return nil
	}

	a.settings.Sink.Quote(model.Quote{
		Venue:      Name,
		Symbol:     symbol,
		Bid:        bid,
		Ask:        ask,
		ObservedAt: time.Now(),
	})
	a.settings.Metrics.RecordQuote(Name)
	return nil
}
