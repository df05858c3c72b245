package lifecycle

import (
	"fmt"

	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

type Command string

const (
	CmdConfirmAccount    Command = "confirm_account"
	CmdChooseAmount      Command = "choose_amount"
	CmdSubmitDestination Command = "submit_destination"
	CmdMatchFunds        Command = "match_funds"
	CmdSubmitEvidence    Command = "submit_evidence"
	CmdEscalate          Command = "escalate"
	CmdClaim             Command = "claim"
	CmdSettle            Command = "settle"
	CmdDecline           Command = "decline"
	CmdCancel            Command = "cancel"
)

type transitionKey struct {
	kind ledger.Kind
	from ledger.Status
	cmd  Command
}

type edge struct {
	from ledger.Status
	cmd  Command
	to   ledger.Status
}

var transitions = buildTransitions(map[ledger.Kind][]edge{
	ledger.KindTopUp: {
		{ledger.StatusCreated, CmdConfirmAccount, ledger.StatusAwaitingFundingChoice},
		{ledger.StatusAwaitingFundingChoice, CmdChooseAmount, ledger.StatusAwaitingSettlement},
		{ledger.StatusAwaitingSettlement, CmdMatchFunds, ledger.StatusVerified},
		{ledger.StatusAwaitingSettlement, CmdEscalate, ledger.StatusEscalatedToAdmin},
		{ledger.StatusAwaitingSettlement, CmdSubmitEvidence, ledger.StatusEscalatedToAdmin},
		{ledger.StatusVerified, CmdSettle, ledger.StatusApproved},
		{ledger.StatusVerified, CmdEscalate, ledger.StatusEscalatedToAdmin},
		{ledger.StatusEscalatedToAdmin, CmdClaim, ledger.StatusVerified},
		{ledger.StatusEscalatedToAdmin, CmdDecline, ledger.StatusCanceled},
		{ledger.StatusCreated, CmdCancel, ledger.StatusCanceled},
		{ledger.StatusAwaitingFundingChoice, CmdCancel, ledger.StatusCanceled},
		{ledger.StatusAwaitingSettlement, CmdCancel, ledger.StatusCanceled},
	},
	ledger.KindWithdrawal: {
		{ledger.StatusCreated, CmdConfirmAccount, ledger.StatusAwaitingDestination},
		{ledger.StatusAwaitingDestination, CmdSubmitDestination, ledger.StatusAwaitingAdminDecision},
		{ledger.StatusAwaitingAdminDecision, CmdClaim, ledger.StatusSettling},
		{ledger.StatusAwaitingAdminDecision, CmdDecline, ledger.StatusCanceled},
		{ledger.StatusSettling, CmdSettle, ledger.StatusApproved},
		{ledger.StatusSettling, CmdEscalate, ledger.StatusEscalatedToAdmin},
		{ledger.StatusEscalatedToAdmin, CmdClaim, ledger.StatusSettling},
		{ledger.StatusEscalatedToAdmin, CmdDecline, ledger.StatusCanceled},
		{ledger.StatusCreated, CmdCancel, ledger.StatusCanceled},
		{ledger.StatusAwaitingDestination, CmdCancel, ledger.StatusCanceled},
	},
	ledger.KindBonusTransfer: {
		{ledger.StatusCreated, CmdChooseAmount, ledger.StatusAwaitingAdminDecision},
		{ledger.StatusAwaitingAdminDecision, CmdClaim, ledger.StatusSettling},
		{ledger.StatusAwaitingAdminDecision, CmdDecline, ledger.StatusCanceled},
		{ledger.StatusSettling, CmdSettle, ledger.StatusBonusApproved},
		{ledger.StatusSettling, CmdEscalate, ledger.StatusEscalatedToAdmin},
		{ledger.StatusEscalatedToAdmin, CmdClaim, ledger.StatusSettling},
		{ledger.StatusEscalatedToAdmin, CmdDecline, ledger.StatusCanceled},
		{ledger.StatusCreated, CmdCancel, ledger.StatusCanceled},
	},
})

func buildTransitions(byKind map[ledger.Kind][]edge) map[transitionKey]ledger.Status {
	out := make(map[transitionKey]ledger.Status)
	for kind, edges := range byKind {
		for _, e := range edges {
			k := transitionKey{kind: kind, from: e.from, cmd: e.cmd}
			if _, dup := out[k]; dup {
				panic(fmt.Sprintf("duplicate transition %s %s %s", kind, e.from, e.cmd))
			}
			out[k] = e.to
		}
	}
	return out
}

// Next returns the status cmd moves a request of kind out of from.
func Next(kind ledger.Kind, from ledger.Status, cmd Command) (ledger.Status, error) {
	to, ok := transitions[transitionKey{kind: kind, from: from, cmd: cmd}]
	if !ok {
		return "", fmt.Errorf("%w: %s %s on %s", ErrIllegalTransition, kind, from, cmd)
	}
	return to, nil
}
