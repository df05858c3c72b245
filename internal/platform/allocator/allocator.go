// Package allocator hands out the funding instrument (admin card) a user is
// asked to pay into, rotating least-recently-used first.
package allocator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

var (
	ErrNoInstrument      = errors.New("no enabled funding instrument")
	ErrInstrumentUnknown = errors.New("funding instrument unknown or disabled")
)

type PaymentSystem string

const (
	PaymentSystemHumo   PaymentSystem = "HUMO"
	PaymentSystemUzcard PaymentSystem = "UZCARD"
)

type FundingInstrument struct {
	Ref           string
	CardNumber    string
	CapacityLabel string
	PaymentSystem PaymentSystem
	Disabled      bool
	LastUsedAt    *time.Time
}

type Allocator interface {
	// Allocate picks the enabled instrument used longest ago and stamps it.
	Allocate(ctx context.Context) (FundingInstrument, error)
	// Reserve stamps a caller-chosen instrument.
	Reserve(ctx context.Context, ref string) (FundingInstrument, error)
	// Lookup returns an instrument without stamping it, disabled or not.
	Lookup(ctx context.Context, ref string) (FundingInstrument, error)
}

// MemoryAllocator serializes allocation under one mutex.
type MemoryAllocator struct {
	Clock clock.Clock

	mu          sync.Mutex
	instruments map[string]FundingInstrument
}

func NewMemoryAllocator(clk clock.Clock, instruments ...FundingInstrument) *MemoryAllocator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	a := &MemoryAllocator{Clock: clk, instruments: make(map[string]FundingInstrument, len(instruments))}
	for _, fi := range instruments {
		a.instruments[fi.Ref] = fi
	}
	return a
}

func (a *MemoryAllocator) Put(fi FundingInstrument) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.instruments[fi.Ref] = fi
}

func (a *MemoryAllocator) Allocate(_ context.Context) (FundingInstrument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := make([]FundingInstrument, 0, len(a.instruments))
	for _, fi := range a.instruments {
		if !fi.Disabled {
			candidates = append(candidates, fi)
		}
	}
	if len(candidates) == 0 {
		return FundingInstrument{}, ErrNoInstrument
	}
	sort.Slice(candidates, func(i, j int) bool {
		return lessRecentlyUsed(candidates[i], candidates[j])
	})
	return a.stampLocked(candidates[0].Ref), nil
}

func (a *MemoryAllocator) Reserve(_ context.Context, ref string) (FundingInstrument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fi, ok := a.instruments[ref]
	if !ok || fi.Disabled {
		return FundingInstrument{}, ErrInstrumentUnknown
	}
	return a.stampLocked(ref), nil
}

func (a *MemoryAllocator) Lookup(_ context.Context, ref string) (FundingInstrument, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fi, ok := a.instruments[ref]
	if !ok {
		return FundingInstrument{}, ErrInstrumentUnknown
	}
	return fi, nil
}

func (a *MemoryAllocator) stampLocked(ref string) FundingInstrument {
	fi := a.instruments[ref]
	now := a.Clock.Now()
	fi.LastUsedAt = &now
	a.instruments[ref] = fi
	return fi
}

// never-used instruments come first, ties broken by ref for determinism.
func lessRecentlyUsed(x, y FundingInstrument) bool {
	switch {
	case x.LastUsedAt == nil && y.LastUsedAt == nil:
		return x.Ref < y.Ref
	case x.LastUsedAt == nil:
		return true
	case y.LastUsedAt == nil:
		return false
	case x.LastUsedAt.Equal(*y.LastUsedAt):
		return x.Ref < y.Ref
	}
	return x.LastUsedAt.Before(*y.LastUsedAt)
}
