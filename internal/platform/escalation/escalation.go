// Package escalation hands requests to human operators: it builds the
// decision payload and keeps the queue of requests waiting on a decision.
package escalation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

type Action string

const (
	ActionApprove Action = "approve"
	ActionDecline Action = "decline"
	// ActionRetry is an approve that re-sends a settlement that failed.
	ActionRetry Action = "retry"
)

type Reason string

const (
	ReasonAwaitingApproval      Reason = "awaiting_approval"
	ReasonVerificationExhausted Reason = "verification_exhausted"
	ReasonEvidenceSubmitted     Reason = "evidence_submitted"
	ReasonSettlementFailed      Reason = "settlement_failed"
	ReasonStale                 Reason = "stale"
)

// Notice is the payload an operator decides on.
type Notice struct {
	RequestID            string    `json:"request_id"`
	OwnerID              string    `json:"owner_id"`
	Kind                 string    `json:"kind"`
	Status               string    `json:"status"`
	Platform             string    `json:"platform"`
	AccountID            string    `json:"account_id"`
	HolderName           string    `json:"holder_name"`
	RequestedAmount      int64     `json:"requested_amount"`
	DisambiguationAmount int64     `json:"disambiguation_amount,omitempty"`
	InstrumentRef        string    `json:"instrument_ref,omitempty"`
	DestinationCard      string    `json:"destination_card,omitempty"`
	Reason               Reason    `json:"reason"`
	Detail               string    `json:"detail,omitempty"`
	Actions              []Action  `json:"actions"`
	RaisedAt             time.Time `json:"raised_at"`
}

func NoticeFor(req ledger.Request, reason Reason, detail string, at time.Time) Notice {
	n := Notice{
		RequestID:       req.ID,
		OwnerID:         req.OwnerID,
		Kind:            string(req.Kind),
		Status:          string(req.Status),
		Platform:        req.PlatformName,
		AccountID:       req.PlatformAccountID,
		HolderName:      req.AccountHolderName,
		RequestedAmount: req.RequestedAmount,
		InstrumentRef:   req.FundingInstrumentRef,
		DestinationCard: req.DestinationCard,
		Reason:          reason,
		Detail:          detail,
		RaisedAt:        at,
	}
	if req.DisambiguationAmount != nil {
		n.DisambiguationAmount = *req.DisambiguationAmount
	}
	if reason == ReasonSettlementFailed {
		n.Actions = []Action{ActionRetry, ActionDecline}
	} else {
		n.Actions = []Action{ActionApprove, ActionDecline}
	}
	return n
}

type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Queue is the pending-decision list. A later notice for the same request replaces the earlier one.
type Queue struct {
	mu      sync.Mutex
	pending map[string]Notice
}

func NewQueue() *Queue {
	return &Queue{pending: make(map[string]Notice)}
}

func (q *Queue) Notify(_ context.Context, n Notice) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[n.RequestID] = n
	return nil
}

func (q *Queue) Resolve(requestID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, requestID)
}

func (q *Queue) Get(requestID string) (Notice, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.pending[requestID]
	return n, ok
}

// Pending lists notices oldest first.
func (q *Queue) Pending() []Notice {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Notice, 0, len(q.pending))
	for _, n := range q.pending {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RaisedAt.Equal(out[j].RaisedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].RaisedAt.Before(out[j].RaisedAt)
	})
	return out
}

// LogNotifier writes notices to the operator log stream.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	l.Logger.WithFields(logrus.Fields{
		"request_id": n.RequestID,
		"kind":       n.Kind,
		"status":     n.Status,
		"platform":   n.Platform,
		"amount":     n.RequestedAmount,
		"reason":     n.Reason,
	}).Warn("request needs operator decision")
	return nil
}

// Multi notifies every member and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
