package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

// Name is the venue identifier.
const Name = "hyperliquid"

// halfSpread is the symmetric half-spread applied around the venue mid
// when synthesizing a two-sided quote (1 bp).
const halfSpread = 0.0001

// Adapter streams the allMids channel. Hyperliquid publishes mid prices
// only, so every quote it emits is synthetic and flagged as such.
type Adapter struct {
	settings venues.Settings
	mgr      *venues.ConnManager

	// coins maps the venue's coin code to the canonical symbol for the
	// configured working set.
	coins map[string]string
}

// New builds the adapter for the configured coin list.
func New(s venues.Settings) *Adapter {
	a := &Adapter{
		settings: s,
		coins:    make(map[string]string, len(s.Symbols)),
	}
	for _, coin := range s.Symbols {
		a.coins[strings.ToUpper(coin)] = s.Normalizer.Normalize(coin)
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

type subscribeRequest struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Type string `json:"type"`
}

func (a *Adapter) subscribe(ctx context.Context) error {
	return a.mgr.Send(subscribeRequest{
		Method:       "subscribe",
		Subscription: subscription{Type: "allMids"},
	})
}

type inboundFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

type allMidsData struct {
	Mids map[string]string `json:"mids"`
}

func (a *Adapter) handleMessage(data []byte) error {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("hyperliquid frame: %w", err)
	}

	switch frame.Channel {
	case "allMids":
		return a.handleMids(frame.Data)
	case "subscriptionResponse", "pong":
		return nil
	default:
		log.Debug().Str("venue", Name).Str("channel", frame.Channel).Msg("Ignoring unhandled channel")
		return nil
	}
}

func (a *Adapter) handleMids(data []byte) error {
	var payload allMidsData
	if err := json.Unmarshal(data, &payload); err != nil {
		a.settings.Metrics.RecordParseError(Name)
		return fmt.Errorf("hyperliquid allMids payload: %w", err)
	}

	now := time.Now()
	for coin, raw := range payload.Mids {
		symbol, ok := a.coins[strings.ToUpper(coin)]
		if !ok {
			continue
		}
		mid, err := strconv.ParseFloat(raw, 64)
		if err != nil || mid <= 0 {
			a.settings.Metrics.RecordParseError(Name)
			log.Warn().Str("venue", Name).Str("coin", coin).Str("mid", raw).Msg("Dropping unparseable mid price")
			continue
		}
		a.settings.Sink.Quote(model.Quote{
			Venue:      Name,
			Symbol:     symbol,
			Bid:        mid * (1 - halfSpread),
			Ask:        mid * (1 + halfSpread),
			ObservedAt: now,
			Synthetic:  true,
		})
		a.settings.Metrics.RecordQuote(Name)
	}
	return nil
}
