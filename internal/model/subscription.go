package model

// Subscription is a per-client fan-out filter. An empty set on either axis
// means "all".
type Subscription struct {
	Symbols map[string]struct{}
	Venues  map[string]struct{}
}

// NewSubscription returns a filter that matches everything.
func NewSubscription() Subscription {
	return Subscription{
		Symbols: make(map[string]struct{}),
		Venues:  make(map[string]struct{}),
	}
}

// WantsSymbol reports whether the filter admits symbol.
func (s Subscription) WantsSymbol(symbol string) bool {
	if len(s.Symbols) == 0 {
		return true
	}
	_, ok := s.Symbols[symbol]
	return ok
}

// WantsVenue reports whether the filter admits venue.
func (s Subscription) WantsVenue(venue string) bool {
	if len(s.Venues) == 0 {
		return true
	}
	_, ok := s.Venues[venue]
	return ok
}

// MatchesUpdate reports whether a price update passes both axes.
func (s Subscription) MatchesUpdate(u PriceUpdate) bool {
	return s.WantsSymbol(u.Symbol) && s.WantsVenue(u.Exchange)
}

// Clone returns an independent copy of the filter.
func (s Subscription) Clone() Subscription {
	c := NewSubscription()
	for k := range s.Symbols {
		c.Symbols[k] = struct{}{}
	}
	for k := range s.Venues {
		c.Venues[k] = struct{}{}
	}
	return c
}
