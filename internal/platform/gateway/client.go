package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const DefaultTimeout = 5 * time.Second

var callDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "paydesk",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Latency of settlement platform calls by operation and outcome category.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"operation", "category"},
)

// Backend implements one platform protocol.
type Backend interface {
	LookupAccount(ctx context.Context, p Platform, accountID string) Result
	Deposit(ctx context.Context, p Platform, accountID string, amount int64, card string) Result
	Payout(ctx context.Context, p Platform, accountID, code string) Result
	Balance(ctx context.Context, p Platform) Result
}

// Client routes calls to the backend of the platform's protocol. It applies a
// per-call timeout and never retries: retry policy belongs to the caller.
type Client struct {
	Directory Directory
	Backends  map[Protocol]Backend
	Timeout   time.Duration
}

func NewClient(dir Directory, timeout time.Duration, backends map[Protocol]Backend) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{Directory: dir, Backends: backends, Timeout: timeout}
}

func (c *Client) invoke(ctx context.Context, op, platform string, fn func(ctx context.Context, b Backend, p Platform) Result) Result {
	started := time.Now()
	res := c.route(ctx, platform, fn)
	callDuration.WithLabelValues(op, res.label()).Observe(time.Since(started).Seconds())
	return res
}

func (c *Client) route(ctx context.Context, platform string, fn func(ctx context.Context, b Backend, p Platform) Result) Result {
	p, err := c.Directory.Platform(ctx, platform)
	if errors.Is(err, ErrUnknownPlatform) {
		return failure(CategoryUnknownPlatform, platform+": "+err.Error())
	}
	if err != nil {
		return failure(CategoryRejected, err.Error())
	}
	b, ok := c.Backends[p.Protocol]
	if !ok {
		return failure(CategoryRejected, "no backend for protocol "+string(p.Protocol))
	}
	callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return fn(callCtx, b, p)
}

func (c *Client) LookupAccount(ctx context.Context, platform, accountID string) Result {
	return c.invoke(ctx, "lookup", platform, func(ctx context.Context, b Backend, p Platform) Result {
		return b.LookupAccount(ctx, p, accountID)
	})
}

func (c *Client) Deposit(ctx context.Context, platform, accountID string, amount int64, card string) Result {
	return c.invoke(ctx, "deposit", platform, func(ctx context.Context, b Backend, p Platform) Result {
		return b.Deposit(ctx, p, accountID, amount, card)
	})
}

func (c *Client) Payout(ctx context.Context, platform, accountID, code string) Result {
	return c.invoke(ctx, "payout", platform, func(ctx context.Context, b Backend, p Platform) Result {
		return b.Payout(ctx, p, accountID, code)
	})
}

func (c *Client) Balance(ctx context.Context, platform string) Result {
	return c.invoke(ctx, "balance", platform, func(ctx context.Context, b Backend, p Platform) Result {
		return b.Balance(ctx, p)
	})
}
