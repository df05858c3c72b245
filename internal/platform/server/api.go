package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
	"github.com/wizardbeardstudio/paydesk/internal/platform/escalation"
	"github.com/wizardbeardstudio/paydesk/internal/platform/evidence"
	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
	"github.com/wizardbeardstudio/paydesk/internal/platform/lifecycle"
)

const maxBodyBytes = 16 << 20

// API exposes the lifecycle engine under /v1.
type API struct {
	Engine      *lifecycle.Engine
	Signer      *auth.JWTSigner
	Credentials *auth.Credentials
	TokenTTL    time.Duration
	Clock       clock.Clock
	Logger      logrus.FieldLogger
	Metrics     *Metrics
}

type requestView struct {
	ID                   string    `json:"id"`
	OwnerID              string    `json:"owner_id"`
	Platform             string    `json:"platform"`
	AccountID            string    `json:"account_id"`
	HolderName           string    `json:"holder_name,omitempty"`
	Kind                 string    `json:"kind"`
	Status               string    `json:"status"`
	Currency             string    `json:"currency"`
	InstrumentRef        string    `json:"instrument_ref,omitempty"`
	DestinationCard      string    `json:"destination_card,omitempty"`
	RequestedAmount      int64     `json:"requested_amount"`
	DisambiguationAmount *int64    `json:"disambiguation_amount,omitempty"`
	SettlementAmount     string    `json:"settlement_amount,omitempty"`
	ReservedFunds        string    `json:"reserved_funds,omitempty"`
	ExternalRef          string    `json:"external_ref,omitempty"`
	VerificationAttempts int       `json:"verification_attempts"`
	EscalationReason     string    `json:"escalation_reason,omitempty"`
	EffectsApplied       bool      `json:"effects_applied"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func maskCard(card string) string {
	if len(card) < 4 {
		return card
	}
	return "**** " + card[len(card)-4:]
}

func viewOf(r ledger.Request) requestView {
	v := requestView{
		ID:                   r.ID,
		OwnerID:              r.OwnerID,
		Platform:             r.PlatformName,
		AccountID:            r.PlatformAccountID,
		HolderName:           r.AccountHolderName,
		Kind:                 string(r.Kind),
		Status:               string(r.Status),
		Currency:             string(r.Currency),
		InstrumentRef:        r.FundingInstrumentRef,
		DestinationCard:      maskCard(r.DestinationCard),
		RequestedAmount:      r.RequestedAmount,
		DisambiguationAmount: r.DisambiguationAmount,
		ExternalRef:          r.ExternalTransactionRef,
		VerificationAttempts: r.VerificationAttempts,
		EscalationReason:     r.EscalationReason,
		EffectsApplied:       r.EffectsApplied,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.SettlementAmount != nil {
		v.SettlementAmount = r.SettlementAmount.String()
	}
	if !r.ReservedFunds.IsZero() {
		v.ReservedFunds = r.ReservedFunds.String()
	}
	return v
}

type beginBody struct {
	OwnerID   string `json:"owner_id"`
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
	Kind      string `json:"kind"`
}

type amountBody struct {
	InstrumentRef string `json:"instrument_ref"`
	Amount        int64  `json:"amount"`
}

type destinationBody struct {
	Card       string `json:"card"`
	PayoutCode string `json:"payout_code"`
}

type evidenceBody struct {
	ContentType string `json:"content_type"`
	Data        []byte `json:"data"`
	SHA256      string `json:"sha256"`
	SubmittedBy string `json:"submitted_by"`
}

type decideBody struct {
	OperatorID string `json:"operator_id"`
	Approve    bool   `json:"approve"`
	Note       string `json:"note"`
}

type referralBody struct {
	OwnerID    string `json:"owner_id"`
	ReferrerID string `json:"referrer_id"`
}

type rateBody struct {
	OperatorID         string `json:"operator_id"`
	PrimaryToSecondary string `json:"primary_to_secondary"`
	SecondaryToPrimary string `json:"secondary_to_primary"`
}

type tokenBody struct {
	OperatorID string `json:"operator_id"`
	Secret     string `json:"secret"`
}

type verifyView struct {
	Outcome string      `json:"outcome"`
	Request requestView `json:"request"`
}

type evidenceView struct {
	Request  requestView     `json:"request"`
	Evidence evidence.Record `json:"evidence"`
}

type tokenView struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type referralView struct {
	OwnerID    string `json:"owner_id"`
	ReferrerID string `json:"referrer_id"`
	Linked     bool   `json:"linked"`
}

type rateView struct {
	PrimaryToSecondary string    `json:"primary_to_secondary"`
	SecondaryToPrimary string    `json:"secondary_to_primary"`
	CreatedAt          time.Time `json:"created_at"`
}

type balanceView struct {
	OwnerID string `json:"owner_id"`
	Tickets int64  `json:"tickets"`
	Funds   string `json:"funds"`
}

type listView struct {
	Requests []requestView `json:"requests"`
}

type noticesView struct {
	Notices []escalation.Notice `json:"notices"`
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (a *API) routes() []route {
	return []route{
		{http.MethodPost, "/v1/requests", a.begin},
		{http.MethodGet, "/v1/requests:latest", a.latest},
		{http.MethodGet, "/v1/requests/{id}", a.get},
		{http.MethodPost, "/v1/requests/{id}:confirm", a.confirm},
		{http.MethodPost, "/v1/requests/{id}:amount", a.amount},
		{http.MethodPost, "/v1/requests/{id}:destination", a.destination},
		{http.MethodPost, "/v1/requests/{id}:verify", a.verify},
		{http.MethodPost, "/v1/requests/{id}:evidence", a.evidence},
		{http.MethodPost, "/v1/requests/{id}:cancel", a.cancel},
		{http.MethodPost, "/v1/referrals", a.referral},
		{http.MethodGet, "/v1/owners/{owner}/balance", a.balance},
		{http.MethodPost, AdminPathPrefix + "/requests/{id}:decide", a.decide},
		{http.MethodGet, AdminPathPrefix + "/requests:open", a.listOpen},
		{http.MethodGet, AdminPathPrefix + "/notices", a.notices},
		{http.MethodPost, AdminPathPrefix + "/exchange-rates", a.exchangeRate},
		{http.MethodPost, "/v1/operators/token", a.token},
	}
}

// Register installs every /v1 route on mux.
func (a *API) Register(mux *runtime.ServeMux) error {
	for _, rt := range a.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, a.instrument(rt.method+" "+rt.pattern, rt.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) instrument(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		h(rec, r, params)
		a.Metrics.observeHTTP(name, rec.code)
		if a.Logger != nil {
			entry := a.Logger.WithFields(logrus.Fields{
				"route":       name,
				"code":        rec.code,
				"duration_ms": time.Since(start).Milliseconds(),
			})
			if id := params["id"]; id != "" {
				entry = entry.WithField("request_id", id)
			}
			if rec.code >= 500 {
				entry.Warn("api request failed")
			} else {
				entry.Debug("api request")
			}
		}
	}
}

func decode(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := jsonMarshaler.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return &lifecycle.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func (a *API) fail(w http.ResponseWriter, err error) {
	code, view := httpError(err)
	if code == http.StatusInternalServerError && a.Logger != nil {
		a.Logger.WithError(err).Error("unhandled api error")
	}
	writeJSON(w, code, view)
}

func (a *API) respondRequest(w http.ResponseWriter, req ledger.Request, err error) {
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (a *API) begin(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body beginBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	kind := ledger.Kind(strings.ToUpper(strings.TrimSpace(body.Kind)))
	req, err := a.Engine.BeginRequest(r.Context(), body.OwnerID, body.Platform, body.AccountID, kind)
	a.respondRequest(w, req, err)
}

func (a *API) get(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := a.Engine.Get(r.Context(), p["id"])
	a.respondRequest(w, req, err)
}

func (a *API) latest(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	req, ok, err := a.Engine.LatestOpen(r.Context(), q.Get("owner"), q.Get("platform"), q.Get("account"))
	if err == nil && !ok {
		err = fmt.Errorf("no open request: %w", lifecycle.ErrNotFound)
	}
	a.respondRequest(w, req, err)
}

func (a *API) confirm(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := a.Engine.ConfirmAccount(r.Context(), p["id"])
	a.respondRequest(w, req, err)
}

func (a *API) amount(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body amountBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	req, err := a.Engine.ChooseFundingAndAmount(r.Context(), p["id"], body.InstrumentRef, body.Amount)
	a.respondRequest(w, req, err)
}

func (a *API) destination(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body destinationBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	req, err := a.Engine.SubmitDestination(r.Context(), p["id"], body.Card, body.PayoutCode)
	a.respondRequest(w, req, err)
}

func (a *API) verify(w http.ResponseWriter, r *http.Request, p map[string]string) {
	res, err := a.Engine.VerifySettlement(r.Context(), p["id"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyView{Outcome: string(res.Outcome), Request: viewOf(res.Request)})
}

func (a *API) evidence(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body evidenceBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	req, rec, err := a.Engine.SubmitEvidence(r.Context(), p["id"], evidence.Submission{
		ContentType:    body.ContentType,
		Data:           body.Data,
		DeclaredSHA256: body.SHA256,
		SubmittedBy:    body.SubmittedBy,
	})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evidenceView{Request: viewOf(req), Evidence: rec})
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request, p map[string]string) {
	req, err := a.Engine.Cancel(r.Context(), p["id"])
	a.respondRequest(w, req, err)
}

func (a *API) referral(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body referralBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	linked, err := a.Engine.LinkReferral(r.Context(), body.OwnerID, body.ReferrerID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, referralView{
		OwnerID:    strings.TrimSpace(body.OwnerID),
		ReferrerID: strings.TrimSpace(body.ReferrerID),
		Linked:     linked,
	})
}

func (a *API) balance(w http.ResponseWriter, r *http.Request, p map[string]string) {
	bal, err := a.Engine.Balance(r.Context(), p["owner"])
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{OwnerID: p["owner"], Tickets: bal.Tickets, Funds: bal.Funds.String()})
}

func parseRate(field, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, &lifecycle.ValidationError{Field: field, Reason: "must be a decimal number"}
	}
	return d, nil
}

func (a *API) exchangeRate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body rateBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	op, err := operatorFromContext(r.Context(), body.OperatorID)
	if err != nil {
		a.fail(w, err)
		return
	}
	toSecondary, err := parseRate("primary_to_secondary", body.PrimaryToSecondary)
	if err != nil {
		a.fail(w, err)
		return
	}
	toPrimary, err := parseRate("secondary_to_primary", body.SecondaryToPrimary)
	if err != nil {
		a.fail(w, err)
		return
	}
	rate, err := a.Engine.RecordExchangeRate(r.Context(), toSecondary, toPrimary, op.ID)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rateView{
		PrimaryToSecondary: rate.PrimaryToSecondary.String(),
		SecondaryToPrimary: rate.SecondaryToPrimary.String(),
		CreatedAt:          rate.CreatedAt,
	})
}

func (a *API) decide(w http.ResponseWriter, r *http.Request, p map[string]string) {
	var body decideBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	op, err := operatorFromContext(r.Context(), body.OperatorID)
	if err != nil {
		a.fail(w, err)
		return
	}
	req, err := a.Engine.AdminDecide(r.Context(), lifecycle.Decision{
		RequestID:  p["id"],
		OperatorID: op.ID,
		Approve:    body.Approve,
		Note:       body.Note,
	})
	result := "ok"
	if err != nil {
		code, view := httpError(err)
		result = view.Code
		a.Metrics.ObserveDecision(body.Approve, result)
		// A failed settlement still moved the request; report where it is.
		if req.ID != "" && code != http.StatusConflict && code != http.StatusNotFound && code != http.StatusUnprocessableEntity {
			writeJSON(w, code, struct {
				errorView
				Request requestView `json:"request"`
			}{view, viewOf(req)})
			return
		}
		writeJSON(w, code, view)
		return
	}
	a.Metrics.ObserveDecision(body.Approve, result)
	writeJSON(w, http.StatusOK, viewOf(req))
}

func (a *API) listOpen(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var olderThan time.Duration
	if raw := r.URL.Query().Get("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			a.fail(w, &lifecycle.ValidationError{Field: "older_than", Reason: "must be a non-negative duration"})
			return
		}
		olderThan = d
	}
	reqs, err := a.Engine.ListOpen(r.Context(), olderThan)
	if err != nil {
		a.fail(w, err)
		return
	}
	out := listView{Requests: make([]requestView, 0, len(reqs))}
	for _, req := range reqs {
		out.Requests = append(out.Requests, viewOf(req))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) notices(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, noticesView{Notices: a.Engine.Queue().Pending()})
}

func (a *API) token(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body tokenBody
	if err := decode(r, &body); err != nil {
		a.fail(w, err)
		return
	}
	if err := a.Credentials.Verify(strings.TrimSpace(body.OperatorID), body.Secret); err != nil {
		a.Metrics.ObserveTokenRequest("denied")
		a.fail(w, err)
		return
	}
	now := time.Now().UTC()
	if a.Clock != nil {
		now = a.Clock.Now()
	}
	ttl := a.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	tok, exp, err := a.Signer.SignActor(auth.Actor{ID: strings.TrimSpace(body.OperatorID), Type: auth.ActorTypeOperator}, now, ttl)
	if err != nil {
		a.Metrics.ObserveTokenRequest("error")
		a.fail(w, err)
		return
	}
	a.Metrics.ObserveTokenRequest("ok")
	writeJSON(w, http.StatusOK, tokenView{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp})
}

// HTTPDeps wires the full HTTP surface.
type HTTPDeps struct {
	API      *API
	Guard    *RemoteAccessGuard
	Verifier *auth.JWTVerifier
	System   SystemHandler
}

// NewHTTPHandler serves /healthz and /metrics directly and the /v1 API behind
// the trusted-network guard and operator token check on admin paths.
func NewHTTPHandler(d HTTPDeps) (http.Handler, error) {
	gw := runtime.NewServeMux()
	if err := d.API.Register(gw); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	d.System.Register(mux)

	var api http.Handler = gw
	api = auth.HTTPJWTMiddleware(d.Verifier, AdminPathPrefix, auth.ActorTypeOperator, api)
	if d.Guard != nil {
		api = d.Guard.Wrap(api)
	}
	mux.Handle("/", api)
	return mux, nil
}
