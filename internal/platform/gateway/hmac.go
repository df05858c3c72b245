package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/signing"
)

const (
	DefaultHMACBaseURL = "https://apimb.com"
	hmacProject        = "MBC"
)

var failedTransactionStatuses = map[string]bool{
	"FAILED":    true,
	"ERROR":     true,
	"REJECTED":  true,
	"CANCELED":  true,
	"CANCELLED": true,
}

// HMACBackend speaks the X-Signature protocol of cashpoint platforms.
type HMACBackend struct {
	HTTP  *http.Client
	Clock clock.Clock
}

func NewHMACBackend(hc *http.Client, clk clock.Clock) *HMACBackend {
	if hc == nil {
		hc = http.DefaultClient
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &HMACBackend{HTTP: hc, Clock: clk}
}

type hmacDepositRequest struct {
	BrandID  int    `json:"brandId"`
	PlayerID string `json:"playerId"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type hmacCashoutConfirm struct {
	Code          string `json:"code"`
	TransactionID int64  `json:"transactionId"`
}

type hmacTransactionResponse struct {
	TransactionID int64  `json:"transactionId"`
	Status        string `json:"status"`
}

type hmacBalanceResponse struct {
	Balance  json.Number `json:"balance"`
	Currency string      `json:"currency"`
}

type hmacTransactionItem struct {
	TransactionID int64       `json:"transactionId"`
	Type          string      `json:"type"`
	Status        string      `json:"status"`
	PlayerID      string      `json:"playerId"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
}

type hmacTransactionList struct {
	Items []hmacTransactionItem `json:"items"`
}

// call signs resource (relative to the cashpoint) and sends body verbatim.
func (b *HMACBackend) call(ctx context.Context, p Platform, method, resource, query string, body []byte, out any) Result {
	fullPath := signing.CashpointPath(p.CashdeskID, resource)
	h := signing.NewHMACHeaders(p.APIKey, p.Secret, fullPath, body, b.Clock.Now())

	u := baseURL(p, DefaultHMACBaseURL) + fullPath
	if query != "" {
		u += "?" + query
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	req.Header.Set("X-Api-Key", h.APIKey)
	req.Header.Set("X-Timestamp", h.Timestamp)
	req.Header.Set("X-Signature", h.Signature)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("X-Project", hmacProject)
	}

	resp, err := b.HTTP.Do(req)
	if err != nil {
		return transportFailure(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transportFailure(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(categorizeStatus(resp.StatusCode), fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return failure(CategoryTransient, "decode response: "+err.Error())
	}
	return ok()
}

// LookupAccount has no remote counterpart on cashpoint platforms; any
// well-formed player id is accepted and labelled with the platform name.
func (b *HMACBackend) LookupAccount(_ context.Context, p Platform, accountID string) Result {
	res := ok()
	res.Account = &Account{ID: accountID, HolderName: strings.ToUpper(p.Name), Secondary: p.Secondary}
	return res
}

func (b *HMACBackend) Deposit(ctx context.Context, p Platform, accountID string, amount int64, _ string) Result {
	brand := p.BrandID
	if brand == 0 {
		brand = 1
	}
	body, err := json.Marshal(hmacDepositRequest{BrandID: brand, PlayerID: accountID, Amount: amount, Currency: p.CurrencyCode})
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	var tx hmacTransactionResponse
	res := b.call(ctx, p, http.MethodPost, "/player/deposit", "", body, &tx)
	if !res.OK {
		return res
	}
	if failedTransactionStatuses[strings.ToUpper(tx.Status)] {
		return failure(CategoryRejected, "deposit status "+tx.Status)
	}
	res.ExternalRef = strconv.FormatInt(tx.TransactionID, 10)
	res.AmountConfirmed = decimal.NewFromInt(amount)
	return res
}

// Payout confirms the player's pending cashout with the code they supplied.
func (b *HMACBackend) Payout(ctx context.Context, p Platform, accountID, code string) Result {
	q := url.Values{}
	q.Set("playerId", accountID)
	q.Set("type", "CASHOUT")
	q.Set("status", "NEW")
	var list hmacTransactionList
	res := b.call(ctx, p, http.MethodGet, "/transactions", q.Encode(), nil, &list)
	if !res.OK {
		return res
	}
	var pending *hmacTransactionItem
	for i := range list.Items {
		it := list.Items[i]
		if it.PlayerID == accountID && strings.EqualFold(it.Status, "NEW") {
			pending = &list.Items[i]
			break
		}
	}
	if pending == nil {
		return failure(CategoryRejected, "no pending cashout for player")
	}

	body, err := json.Marshal(hmacCashoutConfirm{Code: code, TransactionID: pending.TransactionID})
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	var tx hmacTransactionResponse
	res = b.call(ctx, p, http.MethodPost, "/player/cashout/confirmation", "", body, &tx)
	if !res.OK {
		return res
	}
	if !strings.EqualFold(tx.Status, "COMPLETED") {
		return failure(CategoryRejected, "cashout status "+tx.Status)
	}
	res.ExternalRef = strconv.FormatInt(tx.TransactionID, 10)
	if amount, err := decimal.NewFromString(pending.Amount.String()); err == nil {
		res.AmountConfirmed = amount
	}
	return res
}

func (b *HMACBackend) Balance(ctx context.Context, p Platform) Result {
	var bal hmacBalanceResponse
	res := b.call(ctx, p, http.MethodGet, "/balance", "", nil, &bal)
	if !res.OK {
		return res
	}
	amount, err := decimal.NewFromString(bal.Balance.String())
	if err != nil {
		return failure(CategoryTransient, "unparseable balance "+bal.Balance.String())
	}
	res.Balance = &amount
	return res
}
