package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/signing"
)

var fixedNow = time.Date(2026, 2, 11, 10, 30, 0, 0, time.UTC)

func cashdeskPlatform(baseURL string) Platform {
	return Platform{
		Name:        "alpha",
		Protocol:    ProtocolCashdesk,
		BaseURL:     baseURL,
		CashdeskID:  "5",
		APIHash:     "abc",
		CashierPass: "pass",
	}
}

func newTestClient(t *testing.T, p Platform, timeout time.Duration) *Client {
	t.Helper()
	clk := clock.NewFixedClock(fixedNow)
	return NewClient(NewStaticDirectory(p), timeout, map[Protocol]Backend{
		ProtocolCashdesk: NewCashdeskBackend(nil, clk),
		ProtocolHMAC:     NewHMACBackend(nil, clk),
	})
}

func TestCashdeskLookupSendsSignatureAndParsesProfile(t *testing.T) {
	want := signing.SignLookup(signing.CashdeskCredentials{Hash: "abc", CashierPass: "pass", CashdeskID: "5"}, "123")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Users/123" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("sign") != want.Sign {
			t.Errorf("unexpected sign header %q", r.Header.Get("sign"))
		}
		if r.URL.Query().Get("confirm") != want.Confirm || r.URL.Query().Get("cashdeskId") != "5" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"UserId":123,"Name":"Ali Valiyev","CurrencyId":1}`))
	}))
	defer srv.Close()

	res := newTestClient(t, cashdeskPlatform(srv.URL), time.Second).LookupAccount(context.Background(), "alpha", "123")
	if !res.OK || res.Account == nil {
		t.Fatalf("expected account, got %+v", res)
	}
	if res.Account.HolderName != "Ali Valiyev" || !res.Account.Secondary {
		t.Fatalf("unexpected account %+v", res.Account)
	}
}

func TestCashdeskCategorizesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Category
	}{
		{name: "not found", status: http.StatusNotFound, want: CategoryNotFound},
		{name: "bad signature", status: http.StatusUnauthorized, want: CategoryAuth},
		{name: "bad confirm", status: http.StatusForbidden, want: CategoryAuth},
		{name: "server error", status: http.StatusBadGateway, want: CategoryTransient},
		{name: "bad request", status: http.StatusBadRequest, want: CategoryRejected},
		{name: "declined", status: http.StatusOK, body: `{"Success":false,"Message":"limit exceeded"}`, want: CategoryRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			res := newTestClient(t, cashdeskPlatform(srv.URL), time.Second).Deposit(context.Background(), "alpha", "123", 50042, "8600123412341234")
			if res.OK || res.Category != tc.want {
				t.Fatalf("expected %s, got %+v", tc.want, res)
			}
		})
	}
}

func TestCashdeskTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	res := newTestClient(t, cashdeskPlatform(srv.URL), 50*time.Millisecond).Deposit(context.Background(), "alpha", "123", 50042, "8600123412341234")
	if res.OK || res.Category != CategoryTransient {
		t.Fatalf("expected transient timeout, got %+v", res)
	}
}

func TestCashdeskDepositAndPayout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/Deposit/123/Add":
			if body["summa"] != float64(50042) || body["lng"] != "ru" || body["cashdeskId"] != float64(5) {
				t.Errorf("unexpected deposit body %v", body)
			}
			if body["cardNumber"] != "8600123412341234" {
				t.Errorf("deposit body carries card %v", body["cardNumber"])
			}
			want := signing.SignDeposit(signing.CashdeskCredentials{Hash: "abc", CashierPass: "pass", CashdeskID: "5"}, "123", 50042)
			if body["confirm"] != want.Confirm || r.Header.Get("sign") != want.Sign {
				t.Errorf("unexpected deposit signature")
			}
			_, _ = w.Write([]byte(`{"success":true}`))
		case "/Deposit/123/Payout":
			if body["code"] != "X1Y2" {
				t.Errorf("unexpected payout body %v", body)
			}
			_, _ = w.Write([]byte(`{"Success":true,"Summa":-125000.50}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, cashdeskPlatform(srv.URL), time.Second)

	dep := c.Deposit(context.Background(), "alpha", "123", 50042, "8600123412341234")
	if !dep.OK || !dep.AmountConfirmed.Equal(decimal.NewFromInt(50042)) {
		t.Fatalf("unexpected deposit result %+v", dep)
	}
	pay := c.Payout(context.Background(), "alpha", "123", "X1Y2")
	if !pay.OK || !pay.AmountConfirmed.Equal(decimal.RequireFromString("-125000.50")) {
		t.Fatalf("unexpected payout result %+v", pay)
	}
}

func TestCashdeskBalanceUsesDtTimestamp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/Cashdesk/5/Balance" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("dt"); got != "2026.02.11 10:30:00" {
			t.Errorf("unexpected dt %q", got)
		}
		want := signing.SignBalance(signing.CashdeskCredentials{Hash: "abc", CashierPass: "pass", CashdeskID: "5"}, "2026.02.11 10:30:00")
		if r.Header.Get("sign") != want.Sign || r.URL.Query().Get("confirm") != want.Confirm {
			t.Errorf("unexpected balance signature")
		}
		_, _ = w.Write([]byte(`{"Balance":1500000.25,"Limit":9000000}`))
	}))
	defer srv.Close()

	res := newTestClient(t, cashdeskPlatform(srv.URL), time.Second).Balance(context.Background(), "alpha")
	if !res.OK || res.Balance == nil || !res.Balance.Equal(decimal.RequireFromString("1500000.25")) {
		t.Fatalf("unexpected balance result %+v", res)
	}
}

func TestUnknownPlatformIsReportedSeparately(t *testing.T) {
	res := newTestClient(t, cashdeskPlatform("http://127.0.0.1:1"), time.Second).Balance(context.Background(), "missing")
	if res.OK || res.Category != CategoryUnknownPlatform {
		t.Fatalf("expected unknown platform, got %+v", res)
	}
}

func hmacPlatform(baseURL string) Platform {
	return Platform{
		Name:         "beta",
		Protocol:     ProtocolHMAC,
		BaseURL:      baseURL,
		CashdeskID:   "77",
		APIKey:       "api-key:k1",
		Secret:       "s3cret",
		CurrencyCode: "RUB",
		Secondary:    true,
	}
}

func TestHMACDepositSignsExactBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"brandId":1,"playerId":"998","amount":1000,"currency":"RUB"}` {
			t.Errorf("unexpected body %s", body)
		}
		if r.URL.Path != "/mbc/gateway/v1/api/cashpoint/77/player/deposit" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		ts := r.Header.Get("X-Timestamp")
		if ts != "2026-02-11 10:30:00" || r.Header.Get("X-Project") != "MBC" || r.Header.Get("X-Api-Key") != "api-key:k1" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		if got := r.Header.Get("X-Signature"); got != "b9e10ab0f5df3ae88f703723276130dc9a6cb8c9ab45f750a2388977b3547ad6" {
			t.Errorf("unexpected signature %s", got)
		}
		_, _ = w.Write([]byte(`{"transactionId":4411,"status":"NEW"}`))
	}))
	defer srv.Close()

	res := newTestClient(t, hmacPlatform(srv.URL), time.Second).Deposit(context.Background(), "beta", "998", 1000, "8600123412341234")
	if !res.OK || res.ExternalRef != "4411" {
		t.Fatalf("unexpected deposit result %+v", res)
	}
}

func TestHMACPayoutConfirmsPendingCashout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/mbc/gateway/v1/api/cashpoint/77/transactions":
			if r.URL.Query().Get("playerId") != "998" {
				t.Errorf("unexpected query %s", r.URL.RawQuery)
			}
			_, _ = w.Write([]byte(`{"items":[{"transactionId":9,"type":"CASHOUT","status":"NEW","playerId":"998","amount":2500,"currency":"RUB"}]}`))
		case "/mbc/gateway/v1/api/cashpoint/77/player/cashout/confirmation":
			var body hmacCashoutConfirm
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body.Code != "C0DE" || body.TransactionID != 9 {
				t.Errorf("unexpected confirmation %+v", body)
			}
			_, _ = w.Write([]byte(`{"transactionId":9,"status":"COMPLETED"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	res := newTestClient(t, hmacPlatform(srv.URL), time.Second).Payout(context.Background(), "beta", "998", "C0DE")
	if !res.OK || res.ExternalRef != "9" || !res.AmountConfirmed.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("unexpected payout result %+v", res)
	}
}

func TestHMACLookupIsLocal(t *testing.T) {
	res := newTestClient(t, hmacPlatform("http://127.0.0.1:1"), time.Second).LookupAccount(context.Background(), "beta", "998")
	if !res.OK || res.Account.HolderName != "BETA" || !res.Account.Secondary {
		t.Fatalf("unexpected lookup %+v", res)
	}
}

func TestRelayMatcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("amount") == "50042" {
			_, _ = w.Write([]byte(`{"transactions":[{"amount":50042}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer srv.Close()

	m := &RelayMatcher{Default: srv.URL}
	hit, err := m.MatchIncoming(context.Background(), "card-1", 50042)
	if err != nil || !hit {
		t.Fatalf("expected match, got hit=%v err=%v", hit, err)
	}
	hit, err = m.MatchIncoming(context.Background(), "card-1", 50043)
	if err != nil || hit {
		t.Fatalf("expected no match, got hit=%v err=%v", hit, err)
	}

	empty := &RelayMatcher{}
	if _, err := empty.MatchIncoming(context.Background(), "card-1", 1); err == nil {
		t.Fatalf("expected error without relay")
	}
}
