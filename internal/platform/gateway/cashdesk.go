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

// DefaultCashdeskBaseURL is used when a cashdesk platform leaves BaseURL empty.
const DefaultCashdeskBaseURL = "https://partners.servcul.com/CashdeskBotAPI"

// CashdeskBackend speaks the sign/confirm protocol.
type CashdeskBackend struct {
	HTTP  *http.Client
	Clock clock.Clock
}

func NewCashdeskBackend(hc *http.Client, clk clock.Clock) *CashdeskBackend {
	if hc == nil {
		hc = http.DefaultClient
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &CashdeskBackend{HTTP: hc, Clock: clk}
}

type cashdeskProfile struct {
	UserID     json.Number `json:"UserId"`
	Name       string      `json:"Name"`
	CurrencyID int64       `json:"CurrencyId"`
}

type cashdeskOperation struct {
	Success      *bool       `json:"success"`
	SuccessUpper *bool       `json:"Success"`
	Message      string      `json:"Message"`
	Summa        json.Number `json:"Summa"`
}

func (o cashdeskOperation) succeeded() bool {
	if o.Success != nil {
		return *o.Success
	}
	return o.SuccessUpper != nil && *o.SuccessUpper
}

type cashdeskBalance struct {
	Balance json.Number `json:"Balance"`
	Limit   json.Number `json:"Limit"`
}

type cashdeskDepositBody struct {
	CashdeskID int    `json:"cashdeskId"`
	Lng        string `json:"lng"`
	Summa      int64  `json:"summa"`
	Confirm    string `json:"confirm"`
	CardNumber string `json:"cardNumber"`
}

type cashdeskPayoutBody struct {
	CashdeskID int    `json:"cashdeskId"`
	Lng        string `json:"lng"`
	Code       string `json:"code"`
	Confirm    string `json:"confirm"`
}

func credentials(p Platform) signing.CashdeskCredentials {
	return signing.CashdeskCredentials{Hash: p.APIHash, CashierPass: p.CashierPass, CashdeskID: p.CashdeskID}
}

func baseURL(p Platform, fallback string) string {
	if p.BaseURL == "" {
		return fallback
	}
	return strings.TrimRight(p.BaseURL, "/")
}

// do sends req and decodes a 2xx JSON body into out. Non-2xx statuses are categorized.
func (b *CashdeskBackend) do(req *http.Request, out any) Result {
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
		// The call may have landed; only the response is unreadable.
		return failure(CategoryTransient, "decode response: "+err.Error())
	}
	return ok()
}

func (b *CashdeskBackend) LookupAccount(ctx context.Context, p Platform, accountID string) Result {
	s := signing.SignLookup(credentials(p), accountID)
	u := fmt.Sprintf("%s/Users/%s?confirm=%s&cashdeskId=%s",
		baseURL(p, DefaultCashdeskBaseURL), url.PathEscape(accountID), url.QueryEscape(s.Confirm), url.QueryEscape(p.CashdeskID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	req.Header.Set("sign", s.Sign)

	var profile cashdeskProfile
	res := b.do(req, &profile)
	if !res.OK {
		return res
	}
	if profile.UserID.String() == "" || profile.Name == "" {
		return failure(CategoryNotFound, "empty user profile")
	}
	res.Account = &Account{ID: profile.UserID.String(), HolderName: profile.Name, Secondary: profile.CurrencyID == 1}
	return res
}

func (b *CashdeskBackend) post(ctx context.Context, u, sign string, body any) (cashdeskOperation, Result) {
	payload, err := json.Marshal(body)
	if err != nil {
		return cashdeskOperation{}, failure(CategoryRejected, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return cashdeskOperation{}, failure(CategoryRejected, err.Error())
	}
	req.Header.Set("sign", sign)
	req.Header.Set("Content-Type", "application/json")

	var op cashdeskOperation
	res := b.do(req, &op)
	if !res.OK {
		return op, res
	}
	if !op.succeeded() {
		msg := op.Message
		if msg == "" {
			msg = "platform reported failure"
		}
		return op, failure(CategoryRejected, msg)
	}
	return op, res
}

// Deposit credits accountID. card is the card the money arrived on and is
// passed through to the platform for its own reconciliation.
func (b *CashdeskBackend) Deposit(ctx context.Context, p Platform, accountID string, amount int64, card string) Result {
	deskID, err := strconv.Atoi(p.CashdeskID)
	if err != nil {
		return failure(CategoryRejected, "invalid cashdesk id "+p.CashdeskID)
	}
	s := signing.SignDeposit(credentials(p), accountID, amount)
	u := fmt.Sprintf("%s/Deposit/%s/Add", baseURL(p, DefaultCashdeskBaseURL), url.PathEscape(accountID))
	_, res := b.post(ctx, u, s.Sign, cashdeskDepositBody{
		CashdeskID: deskID,
		Lng:        signing.Language,
		Summa:      amount,
		Confirm:    s.Confirm,
		CardNumber: card,
	})
	if res.OK {
		res.AmountConfirmed = decimal.NewFromInt(amount)
	}
	return res
}

func (b *CashdeskBackend) Payout(ctx context.Context, p Platform, accountID, code string) Result {
	deskID, err := strconv.Atoi(p.CashdeskID)
	if err != nil {
		return failure(CategoryRejected, "invalid cashdesk id "+p.CashdeskID)
	}
	s := signing.SignPayout(credentials(p), accountID, code)
	u := fmt.Sprintf("%s/Deposit/%s/Payout", baseURL(p, DefaultCashdeskBaseURL), url.PathEscape(accountID))
	op, res := b.post(ctx, u, s.Sign, cashdeskPayoutBody{
		CashdeskID: deskID,
		Lng:        signing.Language,
		Code:       code,
		Confirm:    s.Confirm,
	})
	if !res.OK {
		return res
	}
	if op.Summa != "" {
		summa, err := decimal.NewFromString(op.Summa.String())
		if err != nil {
			// the payout went through; keep the success and surface the odd amount
			res.Message = "unparseable payout summa " + op.Summa.String()
			return res
		}
		res.AmountConfirmed = summa
	}
	return res
}

func (b *CashdeskBackend) Balance(ctx context.Context, p Platform) Result {
	dt := signing.BalanceTimestamp(b.Clock.Now())
	s := signing.SignBalance(credentials(p), dt)
	u := fmt.Sprintf("%s/Cashdesk/%s/Balance?confirm=%s&dt=%s",
		baseURL(p, DefaultCashdeskBaseURL), url.PathEscape(p.CashdeskID), url.QueryEscape(s.Confirm), url.QueryEscape(dt))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	req.Header.Set("sign", s.Sign)

	var bal cashdeskBalance
	res := b.do(req, &bal)
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
