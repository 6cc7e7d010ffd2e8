package bybit

import (
	"context"
	"net/http"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

// Probe runs a single fetch cycle outside the poll loop. Used by the probe
// command for connectivity checks.
func Probe(ctx context.Context, client *http.Client, s venues.Settings) ([]model.Quote, error) {
	a := New(s, client, venues.NewHostLimiter(20, 1))
	return a.fetch(ctx)
}
