package gateio

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
const Name = "gateio"

const (
	bookChannel  = "futures.order_book_update"
	bookInterval = "100ms"
	bookDepth    = "20"
)

// Adapter consumes the futures order-book update stream. The venue sends
// level-2 snapshots and diffs, so a per-contract book re-derives the best
// bid/ask after every change.
type Adapter struct {
	settings venues.Settings
	mgr      *venues.ConnManager

	mu        sync.Mutex
	contracts map[string]string // venue contract -> canonical symbol
	books     map[string]*book  // venue contract -> tracked levels
	pending   map[int64]string  // subscribe request id -> contract
	nextID    int64
}

// New builds the adapter for the configured contract list.
func New(s venues.Settings) *Adapter {
	a := &Adapter{
		settings:  s,
		contracts: make(map[string]string, len(s.Symbols)),
		books:     make(map[string]*book, len(s.Symbols)),
		pending:   make(map[int64]string),
	}
	for _, contract := range s.Symbols {
		a.contracts[contract] = s.Normalizer.Normalize(contract)
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

type request struct {
	ID      int64    `json:"id"`
	Time    int64    `json:"time"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload"`
}

type frame struct {
	ID      *int64          `json:"id"`
	Time    int64           `json:"time"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *wsError        `json:"error"`
	Result  json.RawMessage `json:"result"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type level struct {
	Price string  `json:"p"`
	Size  float64 `json:"s"`
}

// bookResult covers both event shapes: full snapshots carry contract/bids/
// asks, diffs carry s/b/a.
type bookResult struct {
	Contract string  `json:"contract"`
	Symbol   string  `json:"s"`
	Bids     []level `json:"bids"`
	Asks     []level `json:"asks"`
	B        []level `json:"b"`
	A        []level `json:"a"`
}

func (r bookResult) contractName() string {
	if r.Contract != "" {
		return r.Contract
	}
	return r.Symbol
}

func (r bookResult) bidLevels() []level {
	if r.Bids != nil {
		return r.Bids
	}
	return r.B
}

func (r bookResult) askLevels() []level {
	if r.Asks != nil {
		return r.Asks
	}
	return r.A
}

// subscribe issues one order-book subscription per contract still in the
// working set, clearing any levels tracked on a previous connection.
func (a *Adapter) subscribe(ctx context.Context) error {
	now := time.Now().Unix()

	a.mu.Lock()
	a.pending = make(map[int64]string, len(a.contracts))
	a.books = make(map[string]*book, len(a.contracts))
	reqs := make([]request, 0, len(a.contracts))
	for contract := range a.contracts {
		a.nextID++
		a.pending[a.nextID] = contract
		reqs = append(reqs, request{
			ID:      a.nextID,
			Time:    now,
			Channel: bookChannel,
			Event:   "subscribe",
			Payload: []string{contract, bookInterval, bookDepth},
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
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("gateio frame: %w", err)
	}

	switch f.Event {
	case "subscribe":
		a.handleAck(f)
		return nil
	case "all":
		return a.handleBook(f.Result, true)
	case "update":
		return a.handleBook(f.Result, false)
	default:
		log.Debug().Str("venue", Name).Str("event", f.Event).Msg("Ignoring unhandled event")
		return nil
	}
}

// handleAck settles a subscribe acknowledgement. An error status means the
// venue rejected the contract, so it leaves the working set and is not
// retried on reconnect.
func (a *Adapter) handleAck(f frame) {
	if f.ID == nil {
		return
	}

	a.mu.Lock()
	contract, ok := a.pending[*f.ID]
	if ok {
		delete(a.pending, *f.ID)
		if f.Error != nil {
			delete(a.contracts, contract)
			delete(a.books, contract)
		}
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	if f.Error != nil {
		log.Warn().Str("venue", Name).Str("contract", contract).Int("code", f.Error.Code).Str("reason", f.Error.Message).Msg("Venue rejected subscription, dropping contract")
		return
	}
	log.Debug().Str("venue", Name).Str("contract", contract).Msg("Subscription confirmed")
}

func (a *Adapter) handleBook(raw []byte, snapshot bool) error {
	var res bookResult
	if err := json.Unmarshal(raw, &res); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("gateio book payload: %w", err)
	}
	contract := res.contractName()

	a.mu.Lock()
	symbol, tracked := a.contracts[contract]
	if !tracked {
		a.mu.Unlock()
		return nil
	}
	bk := a.books[contract]
	if bk == nil {
		bk = newBook()
		a.books[contract] = bk
	}
	if snapshot {
		bk.reset()
	}

	badLevels := 0
	for _, lvl := range res.bidLevels() {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || price <= 0 {
			badLevels++
			continue
		}
		bk.applyBid(price, lvl.Size)
	}
	for _, lvl := range res.askLevels() {
		price, err := strconv.ParseFloat(lvl.Price, 64)
		if err != nil || price <= 0 {
			badLevels++
			continue
		}
		bk.applyAsk(price, lvl.Size)
	}
	bid, ask, ok := bk.best()
	a.mu.Unlock()

	if badLevels > 0 {
		a.settings.Metrics.RecordParseError(Name)
		log.Warn().Str("venue", Name).Str("contract", contract).Int("levels", badLevels).Msg("Dropping unparseable book levels")
	}
	if !ok {
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
