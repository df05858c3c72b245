package lifecycle

import (
	"errors"
	"testing"

	"github.com/wizardbeardstudio/paydesk/internal/platform/ledger"
)

var (
	allKinds    = []ledger.Kind{ledger.KindTopUp, ledger.KindWithdrawal, ledger.KindBonusTransfer}
	allStatuses = []ledger.Status{
		ledger.StatusCreated, ledger.StatusAwaitingFundingChoice, ledger.StatusAwaitingDestination,
		ledger.StatusAwaitingSettlement, ledger.StatusVerified, ledger.StatusAwaitingAdminDecision,
		ledger.StatusSettling, ledger.StatusEscalatedToAdmin, ledger.StatusApproved,
		ledger.StatusBonusApproved, ledger.StatusCanceled,
	}
	allCommands = []Command{
		CmdConfirmAccount, CmdChooseAmount, CmdSubmitDestination, CmdMatchFunds, CmdSubmitEvidence,
		CmdEscalate, CmdClaim, CmdSettle, CmdDecline, CmdCancel,
	}
)

func TestNextRejectsEveryUnlistedPair(t *testing.T) {
	listed := 0
	for _, kind := range allKinds {
		for _, from := range allStatuses {
			for _, cmd := range allCommands {
				to, err := Next(kind, from, cmd)
				if _, ok := transitions[transitionKey{kind, from, cmd}]; ok {
					listed++
					if err != nil {
						t.Fatalf("Next(%s,%s,%s) listed but failed: %v", kind, from, cmd, err)
					}
					continue
				}
				if !errors.Is(err, ErrIllegalTransition) {
					t.Fatalf("Next(%s,%s,%s) = %s, %v; want ErrIllegalTransition", kind, from, cmd, to, err)
				}
			}
		}
	}
	if listed != len(transitions) {
		t.Fatalf("table has %d entries, enumerated %d", len(transitions), listed)
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for key := range transitions {
		if key.from.Terminal() {
			t.Fatalf("terminal status %s has exit %s for %s", key.from, key.cmd, key.kind)
		}
	}
}

func TestNextPaths(t *testing.T) {
	cases := []struct {
		kind ledger.Kind
		from ledger.Status
		cmd  Command
		want ledger.Status
	}{
		{ledger.KindTopUp, ledger.StatusCreated, CmdConfirmAccount, ledger.StatusAwaitingFundingChoice},
		{ledger.KindTopUp, ledger.StatusAwaitingSettlement, CmdMatchFunds, ledger.StatusVerified},
		{ledger.KindTopUp, ledger.StatusEscalatedToAdmin, CmdClaim, ledger.StatusVerified},
		{ledger.KindTopUp, ledger.StatusVerified, CmdSettle, ledger.StatusApproved},
		{ledger.KindWithdrawal, ledger.StatusCreated, CmdConfirmAccount, ledger.StatusAwaitingDestination},
		{ledger.KindWithdrawal, ledger.StatusAwaitingAdminDecision, CmdClaim, ledger.StatusSettling},
		{ledger.KindWithdrawal, ledger.StatusSettling, CmdEscalate, ledger.StatusEscalatedToAdmin},
		{ledger.KindBonusTransfer, ledger.StatusCreated, CmdChooseAmount, ledger.StatusAwaitingAdminDecision},
		{ledger.KindBonusTransfer, ledger.StatusSettling, CmdSettle, ledger.StatusBonusApproved},
		{ledger.KindBonusTransfer, ledger.StatusAwaitingAdminDecision, CmdDecline, ledger.StatusCanceled},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind)+"/"+string(tc.from)+"/"+string(tc.cmd), func(t *testing.T) {
			got, err := Next(tc.kind, tc.from, tc.cmd)
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCancelOnlyBeforeSettlementStarts(t *testing.T) {
	allowed := map[ledger.Status]bool{
		ledger.StatusCreated:               true,
		ledger.StatusAwaitingFundingChoice: true,
		ledger.StatusAwaitingDestination:   true,
		ledger.StatusAwaitingSettlement:    true,
	}
	for _, kind := range allKinds {
		for _, from := range allStatuses {
			_, err := Next(kind, from, CmdCancel)
			if err == nil && !allowed[from] {
				t.Fatalf("%s: cancel allowed from %s", kind, from)
			}
		}
	}
}
