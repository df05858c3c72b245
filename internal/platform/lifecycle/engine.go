// Package lifecycle drives one payment request from creation to a terminal
// status. Every status change goes through the transition table and a
// compare-and-swap on the stored status, so concurrent callers racing on the
// same request see exactly one winner.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/allocator"
	"github.com/wizardbeardstudio/paydesk/internal/platform/audit"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/effects"
	"github.com/wizardbeardstudio/paydesk/internal/platform/escalation"
	"github.com/wizardbeardstudio/paydesk/internal/platform/events"
	"github.com/wizardbeardstudio/paydesk/internal/platform/evidence"
	"github.com/wizardbeardstudio/paydesk/internal/platform/gateway"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
	"github.com/wizardbeardstudio/paydesk/internal/platform/session"
)

const disambiguationSpread = 100

var (
	accountIDPattern = regexp.MustCompile(`^[0-9]{1,20}$`)
	cardPattern      = regexp.MustCompile(`^[0-9]{16}$`)
)

// Gateway is the subset of the settlement client the engine drives.
type Gateway interface {
	LookupAccount(ctx context.Context, platform, accountID string) gateway.Result
	Deposit(ctx context.Context, platform, accountID string, amount int64, card string) gateway.Result
	Payout(ctx context.Context, platform, accountID, code string) gateway.Result
	Balance(ctx context.Context, platform string) gateway.Result
}

// Observer receives engine counters; server.Metrics implements it.
type Observer interface {
	ObserveTransition(kind, from, to string)
	ObserveConflict(command string)
	SetStaleRequests(n int)
}

// Config bounds amounts per kind. MinAmount and MaxAmount apply to top-ups,
// the Bonus bounds to bonus transfers.
type Config struct {
	MinAmount              int64
	MaxAmount              int64
	BonusMinAmount         int64
	BonusMaxAmount         int64
	VerificationAttemptCap int
	Policy                 effects.Policy
	StaleAfter             time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinAmount:              5000,
		MaxAmount:              10000000,
		BonusMinAmount:         3600,
		BonusMaxAmount:         100000,
		VerificationAttemptCap: 2,
		Policy:                 effects.DefaultPolicy(),
		StaleAfter:             30 * time.Minute,
	}
}

// Deps wires the engine. Store, Gateway, Matcher and Allocator are required;
// the rest fall back to in-memory implementations.
type Deps struct {
	Store     ledger.Store
	Gateway   Gateway
	Matcher   gateway.StatementMatcher
	Allocator allocator.Allocator
	Notifier  escalation.Notifier
	Queue     *escalation.Queue
	Audit     audit.Sink
	Events    events.Publisher
	Sessions  session.Store
	Evidence  evidence.Store
	Clock     clock.Clock
	Logger    logrus.FieldLogger
	Observer  Observer
	// Perm returns a permutation of [0,n); tests pin it.
	Perm func(n int) []int
}

type Engine struct {
	store     ledger.Store
	gateway   Gateway
	matcher   gateway.StatementMatcher
	allocator allocator.Allocator
	notifier  escalation.Notifier
	queue     *escalation.Queue
	audit     audit.Sink
	events    events.Publisher
	sessions  session.Store
	evidence  evidence.Store
	clock     clock.Clock
	logger    logrus.FieldLogger
	observer  Observer
	perm      func(n int) []int
	effects   effects.Applier
	cfg       Config
}

func New(d Deps, cfg Config) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("lifecycle: store is required")
	case d.Gateway == nil:
		return nil, errors.New("lifecycle: gateway is required")
	case d.Matcher == nil:
		return nil, errors.New("lifecycle: statement matcher is required")
	case d.Allocator == nil:
		return nil, errors.New("lifecycle: allocator is required")
	}
	if cfg.VerificationAttemptCap <= 0 {
		cfg.VerificationAttemptCap = 2
	}
	if cfg.BonusMaxAmount <= 0 {
		defaults := DefaultConfig()
		cfg.BonusMinAmount, cfg.BonusMaxAmount = defaults.BonusMinAmount, defaults.BonusMaxAmount
	}
	if cfg.Policy.TicketUnit <= 0 {
		cfg.Policy = effects.DefaultPolicy()
	}
	e := &Engine{
		store:     d.Store,
		gateway:   d.Gateway,
		matcher:   d.Matcher,
		allocator: d.Allocator,
		notifier:  d.Notifier,
		queue:     d.Queue,
		audit:     d.Audit,
		events:    d.Events,
		sessions:  d.Sessions,
		evidence:  d.Evidence,
		clock:     d.Clock,
		logger:    d.Logger,
		observer:  d.Observer,
		perm:      d.Perm,
		cfg:       cfg,
	}
	if e.clock == nil {
		e.clock = clock.RealClock{}
	}
	if e.queue == nil {
		e.queue = escalation.NewQueue()
	}
	if e.audit == nil {
		e.audit = audit.NewInMemoryStore()
	}
	if e.events == nil {
		e.events = events.NewMemoryPublisher()
	}
	if e.sessions == nil {
		e.sessions = session.NewMemoryStore(e.clock, session.DefaultTTL)
	}
	if e.evidence == nil {
		e.evidence = evidence.NewMemoryStore()
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.perm == nil {
		e.perm = rand.Perm
	}
	e.effects = effects.Applier{Store: d.Store, Policy: cfg.Policy}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Queue exposes the pending operator decisions.
func (e *Engine) Queue() *escalation.Queue { return e.queue }

// Actor identifies who caused a transition.
type Actor struct {
	ID   string
	Type string
}

var systemActor = Actor{ID: "paydesk", Type: "system"}

func ownerActor(r ledger.Request) Actor {
	return Actor{ID: r.OwnerID, Type: "owner"}
}

// Decision is an operator's verdict on a request waiting for one.
type Decision struct {
	RequestID  string
	OperatorID string
	Approve    bool
	Note       string
}

type Outcome string

const (
	OutcomeApproved  Outcome = "APPROVED"
	OutcomeRetry     Outcome = "RETRY"
	OutcomeEscalated Outcome = "ESCALATED"
	OutcomeNoop      Outcome = "NOOP"
)

type VerifyResult struct {
	Outcome Outcome
	Request ledger.Request
}

func (e *Engine) log(r ledger.Request) *logrus.Entry {
	return e.logger.WithFields(logrus.Fields{
		"request_id": r.ID,
		"kind":       r.Kind,
		"status":     r.Status,
	})
}

// apply moves req along the table by cmd. The store CAS guarantees that of
// concurrent callers holding the same snapshot only one succeeds.
func (e *Engine) apply(ctx context.Context, req ledger.Request, cmd Command, actor Actor, mutate ledger.Mutator, ops ...ledger.BalanceOp) (ledger.Request, error) {
	to, err := Next(req.Kind, req.Status, cmd)
	if err != nil {
		return req, err
	}
	next, err := e.store.Transition(ctx, req.ID, req.Status, to, mutate, ops...)
	if err != nil {
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			e.log(req).WithField("command", cmd).Warn("status changed underneath, transition dropped")
			e.record(ctx, req, req.Status, req.Status, string(cmd), actor, audit.ResultConflict, err.Error())
			if e.observer != nil {
				e.observer.ObserveConflict(string(cmd))
			}
		}
		return req, fmt.Errorf("%s %s: %w", cmd, req.ID, err)
	}

	e.record(ctx, next, req.Status, to, string(cmd), actor, audit.ResultSuccess, next.EscalationReason)
	if e.observer != nil {
		e.observer.ObserveTransition(string(next.Kind), string(req.Status), string(to))
	}
	e.log(next).WithFields(logrus.Fields{"from": req.Status, "command": cmd, "actor": actor.ID}).Info("request transitioned")
	e.remember(ctx, next)
	e.announce(ctx, next)
	return next, nil
}

// touch mutates req without changing its status, still guarded by the CAS.
func (e *Engine) touch(ctx context.Context, req ledger.Request, action string, actor Actor, mutate ledger.Mutator) (ledger.Request, error) {
	next, err := e.store.Transition(ctx, req.ID, req.Status, req.Status, mutate)
	if err != nil {
		if errors.Is(err, ledger.ErrConcurrencyConflict) && e.observer != nil {
			e.observer.ObserveConflict(action)
		}
		return req, fmt.Errorf("%s %s: %w", action, req.ID, err)
	}
	e.record(ctx, next, req.Status, next.Status, action, actor, audit.ResultSuccess, "")
	return next, nil
}

func (e *Engine) record(ctx context.Context, r ledger.Request, from, to ledger.Status, action string, actor Actor, result audit.Result, reason string) {
	detail, _ := json.Marshal(map[string]any{
		"attempts":    r.VerificationAttempts,
		"amount":      r.RequestedAmount,
		"instrument":  r.FundingInstrumentRef,
		"external":    r.ExternalTransactionRef,
		"dispatched":  r.SettlementDispatched,
		"effects_set": r.EffectsApplied,
	})
	now := e.clock.Now()
	_, err := e.audit.Append(ctx, audit.Event{
		AuditID:    "aud_" + uuid.NewString(),
		RecordedAt: now,
		ActorID:    actor.ID,
		ActorType:  actor.Type,
		RequestID:  r.ID,
		Action:     action,
		FromStatus: string(from),
		ToStatus:   string(to),
		Detail:     detail,
		Result:     result,
		Reason:     reason,
	})
	if err != nil {
		e.log(r).WithError(err).Error("audit append failed")
	}
}

func (e *Engine) remember(ctx context.Context, r ledger.Request) {
	var err error
	if r.Status.Terminal() {
		err = e.sessions.Clear(ctx, r.OwnerID)
	} else {
		err = e.sessions.Put(ctx, r.OwnerID, session.State{RequestID: r.ID, Step: string(r.Status)})
	}
	if err != nil {
		e.log(r).WithError(err).Warn("session update failed")
	}
}

func (e *Engine) announce(ctx context.Context, r ledger.Request) {
	var typ events.Type
	switch r.Status {
	case ledger.StatusApproved, ledger.StatusBonusApproved:
		typ = events.RequestApproved
	case ledger.StatusCanceled:
		typ = events.RequestCanceled
	case ledger.StatusEscalatedToAdmin:
		typ = events.RequestEscalated
	default:
		return
	}
	if r.Status.Terminal() {
		e.queue.Resolve(r.ID)
	}
	err := e.events.Publish(ctx, events.Event{
		Type:       typ,
		RequestID:  r.ID,
		OwnerID:    r.OwnerID,
		Kind:       string(r.Kind),
		Status:     string(r.Status),
		Amount:     r.RequestedAmount,
		Reason:     r.EscalationReason,
		OccurredAt: e.clock.Now(),
	})
	if err != nil {
		e.log(r).WithError(err).Warn("event publish failed")
	}
}

func (e *Engine) notify(ctx context.Context, r ledger.Request, reason escalation.Reason, detail string) {
	n := escalation.NoticeFor(r, reason, detail, e.clock.Now())
	_ = e.queue.Notify(ctx, n)
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log(r).WithError(err).Warn("operator notification failed")
	}
}

func (e *Engine) Get(ctx context.Context, id string) (ledger.Request, error) {
	r, err := e.store.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, fmt.Errorf("get %s: %w", id, err)
	}
	return r, nil
}

func (e *Engine) LatestOpen(ctx context.Context, ownerID, platform, accountID string) (ledger.Request, bool, error) {
	return e.store.LatestOpen(ctx, ownerID, platform, accountID)
}

// ListOpen returns non-terminal requests untouched for longer than olderThan.
func (e *Engine) ListOpen(ctx context.Context, olderThan time.Duration) ([]ledger.Request, error) {
	return e.store.ListOpen(ctx, e.clock.Now().Add(-olderThan))
}

func (e *Engine) BeginRequest(ctx context.Context, ownerID, platform, accountID string, kind ledger.Kind) (ledger.Request, error) {
	accountID = strings.TrimSpace(accountID)
	switch {
	case strings.TrimSpace(ownerID) == "":
		return ledger.Request{}, invalid("owner_id", "required")
	case strings.TrimSpace(platform) == "":
		return ledger.Request{}, invalid("platform", "required")
	case !accountIDPattern.MatchString(accountID):
		return ledger.Request{}, invalid("account_id", "must be 1-20 digits")
	case !kind.Valid():
		return ledger.Request{}, invalid("kind", "unknown request kind")
	}

	if open, ok, err := e.store.LatestOpen(ctx, ownerID, platform, accountID); err != nil {
		return ledger.Request{}, err
	} else if ok {
		return open, nil
	}

	res := e.gateway.LookupAccount(ctx, platform, accountID)
	if !res.OK {
		switch res.Category {
		case gateway.CategoryNotFound:
			return ledger.Request{}, fmt.Errorf("lookup %s on %s: %w", accountID, platform, ErrAccountNotFound)
		case gateway.CategoryUnknownPlatform:
			return ledger.Request{}, invalid("platform", "unknown platform "+platform)
		}
		return ledger.Request{}, gatewayError("lookup", res)
	}

	req := ledger.Request{
		ID:                "req_" + uuid.NewString(),
		OwnerID:           ownerID,
		PlatformName:      platform,
		PlatformAccountID: accountID,
		Currency:          ledger.CurrencyPrimary,
		Kind:              kind,
		Status:            ledger.StatusCreated,
		CreatedAt:         e.clock.Now(),
	}
	if res.Account != nil {
		req.AccountHolderName = res.Account.HolderName
		if res.Account.Secondary {
			req.Currency = ledger.CurrencySecondary
		}
	}
	created, err := e.store.Create(ctx, req)
	if errors.Is(err, ledger.ErrOpenRequestExists) {
		open, ok, lerr := e.store.LatestOpen(ctx, ownerID, platform, accountID)
		if lerr != nil {
			return ledger.Request{}, lerr
		}
		if ok {
			return open, nil
		}
	}
	if err != nil {
		return ledger.Request{}, fmt.Errorf("create request: %w", err)
	}
	e.record(ctx, created, "", created.Status, "begin", ownerActor(created), audit.ResultSuccess, "")
	e.remember(ctx, created)
	e.log(created).Info("request created")
	return created, nil
}

func (e *Engine) ConfirmAccount(ctx context.Context, id string) (ledger.Request, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	return e.apply(ctx, req, CmdConfirmAccount, ownerActor(req), nil)
}

func (e *Engine) Cancel(ctx context.Context, id string) (ledger.Request, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	return e.apply(ctx, req, CmdCancel, ownerActor(req), nil)
}

func (e *Engine) ChooseFundingAndAmount(ctx context.Context, id, instrumentRef string, amount int64) (ledger.Request, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	lo, hi := e.cfg.MinAmount, e.cfg.MaxAmount
	if req.Kind == ledger.KindBonusTransfer {
		lo, hi = e.cfg.BonusMinAmount, e.cfg.BonusMaxAmount
	}
	if amount < lo || amount > hi {
		return req, invalid("amount", fmt.Sprintf("must be between %d and %d", lo, hi))
	}
	if _, err := Next(req.Kind, req.Status, CmdChooseAmount); err != nil {
		return req, err
	}

	switch req.Kind {
	case ledger.KindTopUp:
		return e.chooseTopUp(ctx, req, instrumentRef, amount)
	case ledger.KindBonusTransfer:
		return e.chooseBonus(ctx, req, amount)
	}
	return req, fmt.Errorf("%w: %s has no amount step", ErrIllegalTransition, req.Kind)
}

func (e *Engine) chooseTopUp(ctx context.Context, req ledger.Request, instrumentRef string, amount int64) (ledger.Request, error) {
	var (
		fi  allocator.FundingInstrument
		err error
	)
	if instrumentRef != "" {
		fi, err = e.allocator.Reserve(ctx, instrumentRef)
		if errors.Is(err, allocator.ErrInstrumentUnknown) {
			return req, invalid("instrument_ref", "unknown or disabled instrument")
		}
	} else {
		fi, err = e.allocator.Allocate(ctx)
	}
	if err != nil {
		return req, fmt.Errorf("allocate instrument: %w", err)
	}

	// Offsets are tried in random order; the store rejects one already
	// pending on the same instrument.
	for _, offset := range e.perm(disambiguationSpread) {
		unique := amount + int64(offset)
		next, err := e.apply(ctx, req, CmdChooseAmount, ownerActor(req), func(r *ledger.Request) error {
			r.RequestedAmount = amount
			r.FundingInstrumentRef = fi.Ref
			r.DisambiguationAmount = &unique
			return nil
		})
		if errors.Is(err, ledger.ErrAmountTaken) {
			continue
		}
		return next, err
	}
	e.log(req).WithFields(logrus.Fields{"instrument": fi.Ref, "amount": amount}).Warn("all disambiguation offsets taken")
	return req, fmt.Errorf("choose amount %s on %s: %w", req.ID, fi.Ref, ErrNoDisambiguationSlot)
}

func (e *Engine) chooseBonus(ctx context.Context, req ledger.Request, amount int64) (ledger.Request, error) {
	bal, err := e.store.Balance(ctx, req.OwnerID)
	if err != nil {
		return req, err
	}
	reserve := decimal.NewFromInt(amount)
	if bal.Funds.LessThan(reserve) {
		return req, fmt.Errorf("bonus %s: have %s need %s: %w", req.ID, bal.Funds, reserve, ErrInsufficientFunds)
	}
	next, err := e.apply(ctx, req, CmdChooseAmount, ownerActor(req), func(r *ledger.Request) error {
		r.RequestedAmount = amount
		r.ReservedFunds = reserve
		return nil
	}, ledger.BalanceOp{OwnerID: req.OwnerID, Funds: reserve.Neg()})
	if err != nil {
		return next, err
	}
	e.notify(ctx, next, escalation.ReasonAwaitingApproval, "")
	return next, nil
}

func (e *Engine) SubmitDestination(ctx context.Context, id, card, payoutCode string) (ledger.Request, error) {
	card = strings.ReplaceAll(strings.TrimSpace(card), " ", "")
	payoutCode = strings.TrimSpace(payoutCode)
	if !cardPattern.MatchString(card) {
		return ledger.Request{}, invalid("card", "must be 16 digits")
	}
	if payoutCode == "" {
		return ledger.Request{}, invalid("payout_code", "required")
	}
	req, err := e.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, err
	}
	next, err := e.apply(ctx, req, CmdSubmitDestination, ownerActor(req), func(r *ledger.Request) error {
		r.DestinationCard = card
		r.PayoutCode = payoutCode
		return nil
	})
	if err != nil {
		return next, err
	}
	e.notify(ctx, next, escalation.ReasonAwaitingApproval, "")
	return next, nil
}

// VerifySettlement checks the bank statement for the disambiguation amount.
// It is safe to call repeatedly: after escalation or settlement it reports the
// current status without side effects.
func (e *Engine) VerifySettlement(ctx context.Context, id string) (VerifyResult, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}
	if req.Kind != ledger.KindTopUp {
		return VerifyResult{Request: req}, fmt.Errorf("%w: %s requests are not verified by statement", ErrIllegalTransition, req.Kind)
	}
	switch req.Status {
	case ledger.StatusAwaitingSettlement:
	case ledger.StatusVerified, ledger.StatusEscalatedToAdmin, ledger.StatusApproved, ledger.StatusCanceled:
		return VerifyResult{Outcome: OutcomeNoop, Request: req}, nil
	default:
		return VerifyResult{Request: req}, fmt.Errorf("%w: verify in %s", ErrIllegalTransition, req.Status)
	}
	if req.DisambiguationAmount == nil {
		return VerifyResult{Request: req}, fmt.Errorf("verify %s: no disambiguation amount", req.ID)
	}

	req, err = e.touch(ctx, req, "verify_attempt", systemActor, func(r *ledger.Request) error {
		r.VerificationAttempts++
		return nil
	})
	if err != nil {
		return VerifyResult{Request: req}, err
	}

	matched, merr := e.matcher.MatchIncoming(ctx, req.FundingInstrumentRef, *req.DisambiguationAmount)
	if merr != nil {
		e.log(req).WithError(merr).Warn("statement relay unavailable")
	}
	if merr != nil || !matched {
		if req.VerificationAttempts < e.cfg.VerificationAttemptCap {
			return VerifyResult{Outcome: OutcomeRetry, Request: req}, nil
		}
		next, err := e.apply(ctx, req, CmdEscalate, systemActor, func(r *ledger.Request) error {
			r.EscalationReason = string(escalation.ReasonVerificationExhausted)
			return nil
		})
		if err != nil {
			return VerifyResult{Request: next}, err
		}
		e.notify(ctx, next, escalation.ReasonVerificationExhausted, "")
		return VerifyResult{Outcome: OutcomeEscalated, Request: next}, nil
	}

	req, err = e.apply(ctx, req, CmdMatchFunds, systemActor, nil)
	if err != nil {
		return VerifyResult{Request: req}, err
	}
	settled, err := e.settleDeposit(ctx, req, systemActor, *req.DisambiguationAmount)
	if err != nil {
		if settled.Status == ledger.StatusEscalatedToAdmin {
			e.log(settled).WithError(err).Warn("top-up settlement escalated")
			return VerifyResult{Outcome: OutcomeEscalated, Request: settled}, nil
		}
		return VerifyResult{Request: settled}, err
	}
	return VerifyResult{Outcome: OutcomeApproved, Request: settled}, nil
}

func (e *Engine) SubmitEvidence(ctx context.Context, id string, sub evidence.Submission) (ledger.Request, evidence.Record, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return ledger.Request{}, evidence.Record{}, err
	}
	escalated := req.Status == ledger.StatusEscalatedToAdmin
	if !escalated {
		if _, err := Next(req.Kind, req.Status, CmdSubmitEvidence); err != nil {
			return req, evidence.Record{}, err
		}
	}
	if sub.SubmittedBy == "" {
		sub.SubmittedBy = req.OwnerID
	}
	rec, err := evidence.NewRecord(req.ID, sub, e.clock.Now())
	if err != nil {
		return req, evidence.Record{}, invalid("evidence", err.Error())
	}
	if err := e.evidence.Save(ctx, rec); err != nil {
		return req, evidence.Record{}, fmt.Errorf("save evidence: %w", err)
	}

	if escalated {
		e.record(ctx, req, req.Status, req.Status, "attach_evidence", ownerActor(req), audit.ResultSuccess, rec.EvidenceID)
		return req, rec, nil
	}
	next, err := e.apply(ctx, req, CmdSubmitEvidence, ownerActor(req), func(r *ledger.Request) error {
		r.EscalationReason = string(escalation.ReasonEvidenceSubmitted)
		return nil
	})
	if err != nil {
		return next, rec, err
	}
	e.notify(ctx, next, escalation.ReasonEvidenceSubmitted, rec.EvidenceID)
	return next, rec, nil
}

// AdminDecide applies an operator's verdict. Approval first claims the request
// (VERIFIED for top-ups, SETTLING otherwise) so that of two concurrent
// decisions only one reaches the platform.
func (e *Engine) AdminDecide(ctx context.Context, d Decision) (ledger.Request, error) {
	if strings.TrimSpace(d.OperatorID) == "" {
		return ledger.Request{}, invalid("operator_id", "required")
	}
	req, err := e.Get(ctx, d.RequestID)
	if err != nil {
		return ledger.Request{}, err
	}
	op := Actor{ID: d.OperatorID, Type: "operator"}
	switch {
	case req.Status == ledger.StatusEscalatedToAdmin, req.Status == ledger.StatusAwaitingAdminDecision:
	case req.Status.Terminal(), req.Status == ledger.StatusSettling, req.Status == ledger.StatusVerified:
		// Another operator got there first.
		e.log(req).WithField("operator", d.OperatorID).Warn("decision on an already decided request")
		e.record(ctx, req, req.Status, req.Status, "decide", op, audit.ResultConflict, "already decided")
		return req, fmt.Errorf("decide %s in %s: %w", req.ID, req.Status, ErrConcurrencyConflict)
	default:
		return req, fmt.Errorf("%w: decide in %s", ErrIllegalTransition, req.Status)
	}

	if !d.Approve {
		var ops []ledger.BalanceOp
		if req.ReservedFunds.IsPositive() {
			ops = append(ops, ledger.BalanceOp{OwnerID: req.OwnerID, Funds: req.ReservedFunds})
		}
		return e.apply(ctx, req, CmdDecline, op, func(r *ledger.Request) error {
			if d.Note != "" {
				r.EscalationReason = d.Note
			}
			return nil
		}, ops...)
	}

	claimed, err := e.apply(ctx, req, CmdClaim, op, nil)
	if err != nil {
		return claimed, err
	}
	switch claimed.Kind {
	case ledger.KindTopUp:
		if claimed.DisambiguationAmount == nil {
			return claimed, fmt.Errorf("approve %s: no disambiguation amount", claimed.ID)
		}
		return e.settleDeposit(ctx, claimed, op, *claimed.DisambiguationAmount)
	case ledger.KindBonusTransfer:
		return e.settleDeposit(ctx, claimed, op, claimed.RequestedAmount)
	case ledger.KindWithdrawal:
		return e.settlePayout(ctx, claimed, op)
	}
	return claimed, fmt.Errorf("approve %s: unknown kind %s", claimed.ID, claimed.Kind)
}
