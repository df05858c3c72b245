package server

import (
	"context"
	"errors"
	"strings"

	"github.com/wizardbeardstudio/paydesk/internal/platform/auth"
	"github.com/wizardbeardstudio/paydesk/internal/platform/lifecycle"
)

var errActorMismatch = errors.New("operator id does not match token")

// operatorFromContext resolves the deciding operator from the verified token.
// A claimed id in the body, when present, must match it.
func operatorFromContext(ctx context.Context, claimed string) (auth.Actor, error) {
	a, ok := auth.ActorFromContext(ctx)
	if !ok || a.ID == "" || a.Type != auth.ActorTypeOperator {
		return auth.Actor{}, &lifecycle.ValidationError{Field: "operator_id", Reason: "operator token required"}
	}
	if claimed = strings.TrimSpace(claimed); claimed != "" && claimed != a.ID {
		return auth.Actor{}, &lifecycle.ValidationError{Field: "operator_id", Reason: errActorMismatch.Error()}
	}
	return a, nil
}
