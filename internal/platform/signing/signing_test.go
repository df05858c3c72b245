package signing

import (
	"testing"
	"time"
)

var testCreds = CashdeskCredentials{Hash: "abc", CashierPass: "pass", CashdeskID: "5"}

func TestCashdeskGoldenSignatures(t *testing.T) {
	cases := []struct {
		name        string
		got         Signed
		wantSign    string
		wantConfirm string
	}{
		{
			name:        "lookup",
			got:         SignLookup(testCreds, "123"),
			wantSign:    "8132964097883cee0261927c43827c6963d0d1acf1d854954e3c61ecd234e4e6",
			wantConfirm: "ebecf09cd7c661306f05c7c7fa017549",
		},
		{
			name:        "deposit",
			got:         SignDeposit(testCreds, "123", 50000),
			wantSign:    "cc95923662926ebd603def92902e423f252fdc1c36c8dbf0702f98d6ec61d806",
			wantConfirm: "ebecf09cd7c661306f05c7c7fa017549",
		},
		{
			name:        "payout",
			got:         SignPayout(testCreds, "123", "X1Y2"),
			wantSign:    "6acfd6bb4c5854af3c47ced927aed064d88543dd821bc2927be678ff162b1677",
			wantConfirm: "ebecf09cd7c661306f05c7c7fa017549",
		},
		{
			name:        "balance",
			got:         SignBalance(testCreds, "2026.02.11 10:30:00"),
			wantSign:    "faa7d04311e93baf01d2ee92f28e89705d97c9398a15816390d5f11abf9f1448",
			wantConfirm: "69d23e6826298e545b085dbf334ba839",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got.Sign != tc.wantSign {
				t.Fatalf("sign mismatch: got=%s want=%s", tc.got.Sign, tc.wantSign)
			}
			if tc.got.Confirm != tc.wantConfirm {
				t.Fatalf("confirm mismatch: got=%s want=%s", tc.got.Confirm, tc.wantConfirm)
			}
		})
	}
}

func TestCashdeskSignatureDependsOnEveryField(t *testing.T) {
	base := SignDeposit(testCreds, "123", 50000).Sign
	if SignDeposit(testCreds, "123", 50001).Sign == base {
		t.Fatalf("expected amount to change signature")
	}
	other := testCreds
	other.CashierPass = "pass2"
	if SignDeposit(other, "123", 50000).Sign == base {
		t.Fatalf("expected cashier pass to change signature")
	}
	if SignPayout(testCreds, "123", "50000").Sign == base {
		t.Fatalf("payout and deposit signatures must not collide")
	}
}

func TestBalanceTimestamp(t *testing.T) {
	at := time.Date(2026, 2, 11, 15, 30, 0, 0, time.FixedZone("UZT", 5*3600))
	if got := BalanceTimestamp(at); got != "2026.02.11 10:30:00" {
		t.Fatalf("unexpected dt: %s", got)
	}
}

func TestHMACGoldenSignature(t *testing.T) {
	body := []byte(`{"brandId":1,"playerId":"998","amount":1000,"currency":"RUB"}`)
	path := CashpointPath("77", "/player/deposit")
	if path != "/mbc/gateway/v1/api/cashpoint/77/player/deposit" {
		t.Fatalf("unexpected path: %s", path)
	}
	got := SignHMAC("api-key:k1", "s3cret", path, body, "2026-02-11 10:30:00")
	if got != "b9e10ab0f5df3ae88f703723276130dc9a6cb8c9ab45f750a2388977b3547ad6" {
		t.Fatalf("unexpected signature: %s", got)
	}

	at := time.Date(2026, 2, 11, 10, 30, 0, 0, time.UTC)
	h := NewHMACHeaders("api-key:k1", "s3cret", CashpointPath("77", "/balance"), nil, at)
	if h.Timestamp != "2026-02-11 10:30:00" {
		t.Fatalf("unexpected timestamp: %s", h.Timestamp)
	}
	if h.Signature != "b53bac568af13c0a02910cde026d7220eef351597dabe087eb0f484b40d09548" {
		t.Fatalf("unexpected GET signature: %s", h.Signature)
	}
}
