// Package signing computes request signatures for the settlement platforms.
// Every function here is pure; credentials are passed in by the caller.
package signing

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Language sent with deposit and payout calls.
const Language = "ru"

// CashdeskCredentials identify one cashdesk on a scheme A platform.
type CashdeskCredentials struct {
	Hash        string
	CashierPass string
	CashdeskID  string
}

// Signed carries the two values a scheme A call needs: the sign header and the confirm parameter.
type Signed struct {
	Sign    string
	Confirm string
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// combine is sha256hex(sha256hex(ctx) + md5hex(sensitive)).
func combine(ctx, sensitive string) string {
	return sha256Hex(sha256Hex(ctx) + md5Hex(sensitive))
}

func Confirm(subject, hash string) string {
	return md5Hex(subject + ":" + hash)
}

func SignLookup(c CashdeskCredentials, userID string) Signed {
	ctx := "hash=" + c.Hash + "&userid=" + userID + "&cashdeskid=" + c.CashdeskID
	sensitive := "userid=" + userID + "&cashierpass=" + c.CashierPass + "&hash=" + c.Hash
	return Signed{Sign: combine(ctx, sensitive), Confirm: Confirm(userID, c.Hash)}
}

// SignDeposit signs a deposit of summa (platform currency units, already converted) to userID.
func SignDeposit(c CashdeskCredentials, userID string, summa int64) Signed {
	ctx := "hash=" + c.Hash + "&lng=" + Language + "&userid=" + userID
	sensitive := "summa=" + strconv.FormatInt(summa, 10) + "&cashierpass=" + c.CashierPass + "&cashdeskid=" + c.CashdeskID
	return Signed{Sign: combine(ctx, sensitive), Confirm: Confirm(userID, c.Hash)}
}

func SignPayout(c CashdeskCredentials, userID, code string) Signed {
	ctx := "hash=" + c.Hash + "&lng=" + Language + "&userid=" + userID
	sensitive := "code=" + code + "&cashierpass=" + c.CashierPass + "&cashdeskid=" + c.CashdeskID
	return Signed{Sign: combine(ctx, sensitive), Confirm: Confirm(userID, c.Hash)}
}

// SignBalance signs a cashdesk balance query. dt is the timestamp string sent as the dt parameter.
func SignBalance(c CashdeskCredentials, dt string) Signed {
	ctx := "hash=" + c.Hash + "&cashierpass=" + c.CashierPass + "&dt=" + dt
	sensitive := "dt=" + dt + "&cashierpass=" + c.CashierPass + "&cashdeskid=" + c.CashdeskID
	return Signed{Sign: combine(ctx, sensitive), Confirm: Confirm(c.CashdeskID, c.Hash)}
}

// BalanceTimestamp formats t as the dt parameter of a balance query.
func BalanceTimestamp(t time.Time) string {
	return t.UTC().Format("2006.01.02 15:04:05")
}
