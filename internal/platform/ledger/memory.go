package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

// MemoryStore keeps everything in maps behind one mutex.
type MemoryStore struct {
	Clock clock.Clock

	mu        sync.Mutex
	requests  map[string]Request
	order     []string
	balances  map[string]Balance
	referrals map[string]string
	rates     []ExchangeRate
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryStore{
		Clock:     clk,
		requests:  make(map[string]Request),
		balances:  make(map[string]Balance),
		referrals: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, r Request) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, other := range s.requests {
		if other.OwnerID == r.OwnerID && other.PlatformName == r.PlatformName &&
			other.PlatformAccountID == r.PlatformAccountID && openStatus(other.Status) {
			return Request{}, ErrOpenRequestExists
		}
	}

	now := s.Clock.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	s.requests[r.ID] = r.clone()
	s.order = append(s.order, r.ID)
	return r, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	return r.clone(), nil
}

func (s *MemoryStore) LatestOpen(_ context.Context, ownerID, platform, accountID string) (Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.requests[s.order[i]]
		if r.OwnerID == ownerID && r.PlatformName == platform && r.PlatformAccountID == accountID && openStatus(r.Status) {
			return r.clone(), true, nil
		}
	}
	return Request{}, false, nil
}

func (s *MemoryStore) ListOpen(_ context.Context, olderThan time.Time) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, id := range s.order {
		r := s.requests[id]
		if openStatus(r.Status) && r.UpdatedAt.Before(olderThan) {
			out = append(out, r.clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPendingEffects(_ context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Request, 0)
	for _, id := range s.order {
		r := s.requests[id]
		if approvedStatus(r.Status) && !r.EffectsApplied {
			out = append(out, r.clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) amountTakenLocked(r Request) bool {
	if r.DisambiguationAmount == nil || r.FundingInstrumentRef == "" || !openStatus(r.Status) {
		return false
	}
	for id, other := range s.requests {
		if id == r.ID || !openStatus(other.Status) || other.DisambiguationAmount == nil {
			continue
		}
		if other.FundingInstrumentRef == r.FundingInstrumentRef && *other.DisambiguationAmount == *r.DisambiguationAmount {
			return true
		}
	}
	return false
}

func (s *MemoryStore) Transition(_ context.Context, id string, from, to Status, mutate Mutator, ops ...BalanceOp) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}
	if cur.Status != from {
		return Request{}, ErrConcurrencyConflict
	}

	next := cur.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return Request{}, err
		}
	}
	next.ID = cur.ID
	next.Status = to
	next.UpdatedAt = s.Clock.Now()
	if s.amountTakenLocked(next) {
		return Request{}, ErrAmountTaken
	}

	staged := make(map[string]Balance, len(ops))
	for _, op := range ops {
		b, ok := staged[op.OwnerID]
		if !ok {
			b = s.balanceLocked(op.OwnerID)
		}
		b.Funds = b.Funds.Add(op.Funds)
		b.Tickets += op.Tickets
		if b.Funds.IsNegative() || b.Tickets < 0 {
			return Request{}, ErrInsufficientFunds
		}
		staged[op.OwnerID] = b
	}
	for owner, b := range staged {
		s.balances[owner] = b
	}
	s.requests[id] = next
	return next.clone(), nil
}

func (s *MemoryStore) balanceLocked(ownerID string) Balance {
	b, ok := s.balances[ownerID]
	if !ok {
		return Balance{OwnerID: ownerID, Funds: decimal.Zero}
	}
	return b
}

func (s *MemoryStore) Balance(_ context.Context, ownerID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(ownerID), nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, op BalanceOp) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.balanceLocked(op.OwnerID)
	b.Funds = b.Funds.Add(op.Funds)
	b.Tickets += op.Tickets
	if b.Funds.IsNegative() || b.Tickets < 0 {
		return Balance{}, ErrInsufficientFunds
	}
	s.balances[op.OwnerID] = b
	return b, nil
}

// LinkReferral records the first referrer of an owner; later links are ignored.
func (s *MemoryStore) LinkReferral(_ context.Context, referredID, referrerID string) (bool, error) {
	if referredID == referrerID {
		return false, ErrSelfReferral
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.referrals[referredID]; ok {
		return false, nil
	}
	s.referrals[referredID] = referrerID
	return true, nil
}

func (s *MemoryStore) ReferrerOf(_ context.Context, ownerID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.referrals[ownerID]
	return ref, ok, nil
}

func (s *MemoryStore) LatestExchangeRate(_ context.Context) (ExchangeRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rates) == 0 {
		return ExchangeRate{}, ErrNoExchangeRate
	}
	return s.rates[len(s.rates)-1], nil
}

func (s *MemoryStore) AddExchangeRate(_ context.Context, rate ExchangeRate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rate.CreatedAt.IsZero() {
		rate.CreatedAt = s.Clock.Now()
	}
	s.rates = append(s.rates, rate)
	return nil
}
