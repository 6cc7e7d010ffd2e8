package hyperliquid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/perpscan/perpscan/internal/model"
	"github.com/perpscan/perpscan/internal/venues"
)

type infoRequest struct {
	Type string `json:"type"`
}

// ProbeQuotes fetches a one-shot allMids snapshot from the info endpoint
// and synthesizes quotes for the configured coins. Used by probe runs.
func ProbeQuotes(ctx context.Context, client *http.Client, s venues.Settings) ([]model.Quote, error) {
	body, err := json.Marshal(infoRequest{Type: "allMids"})
	if err != nil {
		return nil, fmt.Errorf("marshal info request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.RestURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build info request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hyperliquid info request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("hyperliquid info status %d", resp.StatusCode)
	}

	var mids map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&mids); err != nil {
		return nil, fmt.Errorf("decode allMids response: %w", err)
	}

	now := time.Now()
	quotes := make([]model.Quote, 0, len(s.Symbols))
	for _, coin := range s.Symbols {
		raw, ok := mids[strings.ToUpper(coin)]
		if !ok {
			continue
		}
		mid, err := strconv.ParseFloat(raw, 64)
		if err != nil || mid <= 0 {
			continue
		}
		quotes = append(quotes, model.Quote{
			Venue:      Name,
			Symbol:     s.Normalizer.Normalize(coin),
			Bid:        mid * (1 - halfSpread),
			Ask:        mid * (1 + halfSpread),
			ObservedAt: now,
			Synthetic:  true,
		})
	}
	return quotes, nil
}
