package gateio

import "math"

// depthCap bounds each tracked side to the subscribed book depth.
const depthCap = 20

// book tracks the live price levels of one contract. The venue streams
// level-2 diffs, so the touch is re-derived from the surviving levels after
// every change rather than nudged around removals. Sizes only matter as
// zero or non-zero on the wire, so only prices are retained.
type book struct {
	bids map[float64]struct{}
	asks map[float64]struct{}
}

func newBook() *book {
	return &book{
		bids: make(map[float64]struct{}, depthCap),
		asks: make(map[float64]struct{}, depthCap),
	}
}

// reset drops both sides ahead of a full snapshot.
func (b *book) reset() {
	b.bids = make(map[float64]struct{}, depthCap)
	b.asks = make(map[float64]struct{}, depthCap)
}

// applyBid records one bid level change; size zero removes the level.
func (b *book) applyBid(price, size float64) {
	if size == 0 {
		delete(b.bids, price)
		return
	}
	b.bids[price] = struct{}{}
	if len(b.bids) > depthCap {
		delete(b.bids, lowest(b.bids))
	}
}

// applyAsk records one ask level change; size zero removes the level.
func (b *book) applyAsk(price, size float64) {
	if size == 0 {
		delete(b.asks, price)
		return
	}
	b.asks[price] = struct{}{}
	if len(b.asks) > depthCap {
		delete(b.asks, highest(b.asks))
	}
}

// best returns the current touch; ok is false while either side is empty.
func (b *book) best() (bid, ask float64, ok bool) {
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return 0, 0, false
	}
	return highest(b.bids), lowest(b.asks), true
}

func highest(side map[float64]struct{}) float64 {
	top := math.Inf(-1)
	for p := range side {
		if p > top {
			top = p
		}
	}
	return top
}

func lowest(side map[float64]struct{}) float64 {
	bottom := math.Inf(1)
	for p := range side {
		if p < bottom {
			bottom = p
		}
	}
	return bottom
}
