package gateway

import (
	"context"
	"errors"
	"sync"
)

type Protocol string

const (
	ProtocolCashdesk Protocol = "cashdesk"
	ProtocolHMAC     Protocol = "hmac"
)

var ErrUnknownPlatform = errors.New("unknown platform")

// Platform carries the connection details of one settlement platform.
// CashdeskID doubles as the cashpoint id on hmac platforms.
type Platform struct {
	Name         string
	Protocol     Protocol
	BaseURL      string
	CashdeskID   string
	APIHash      string
	CashierPass  string
	APIKey       string
	Secret       string
	CurrencyCode string
	Secondary    bool
	BrandID      int
}

type Directory interface {
	Platform(ctx context.Context, name string) (Platform, error)
}

// StaticDirectory is a Directory over a fixed set loaded from configuration.
type StaticDirectory struct {
	mu        sync.RWMutex
	platforms map[string]Platform
}

func NewStaticDirectory(platforms ...Platform) *StaticDirectory {
	d := &StaticDirectory{platforms: make(map[string]Platform, len(platforms))}
	for _, p := range platforms {
		d.platforms[p.Name] = p
	}
	return d
}

func (d *StaticDirectory) Platform(_ context.Context, name string) (Platform, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.platforms[name]
	if !ok {
		return Platform{}, ErrUnknownPlatform
	}
	return p, nil
}

func (d *StaticDirectory) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.platforms))
	for name := range d.platforms {
		out = append(out, name)
	}
	return out
}
