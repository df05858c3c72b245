package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// StatementMatcher reports whether an incoming transfer of exactly amount
// reached the funding instrument.
type StatementMatcher interface {
	MatchIncoming(ctx context.Context, instrumentRef string, amount int64) (bool, error)
}

// RelayMatcher queries the bank-statement relay that mirrors card SMS notifications.
// Relays maps an instrument ref to its relay; Default serves the rest.
type RelayMatcher struct {
	HTTP    *http.Client
	Default string
	Relays  map[string]string
}

type relayResponse struct {
	Transactions []json.RawMessage `json:"transactions"`
}

func (m *RelayMatcher) relayFor(instrumentRef string) string {
	if u, ok := m.Relays[instrumentRef]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(m.Default, "/")
}

func (m *RelayMatcher) MatchIncoming(ctx context.Context, instrumentRef string, amount int64) (bool, error) {
	base := m.relayFor(instrumentRef)
	if base == "" {
		return false, fmt.Errorf("no statement relay for instrument %q", instrumentRef)
	}
	hc := m.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	u := base + "/last_transactions?amount=" + url.QueryEscape(strconv.FormatInt(amount, 10))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return false, fmt.Errorf("statement relay: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("statement relay: http %d", resp.StatusCode)
	}
	var body relayResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("statement relay: decode: %w", err)
	}
	return len(body.Transactions) > 0, nil
}
