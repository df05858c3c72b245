package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const Genesis = "GENESIS"

func ComputeHash(prev string, e Event) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|" + e.AuditID))
	_, _ = h.Write([]byte("|" + e.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + e.ActorID + "|" + e.ActorType + "|" + e.RequestID))
	_, _ = h.Write([]byte("|" + e.Action + "|" + e.FromStatus + "|" + e.ToStatus + "|" + string(e.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%s", e.Detail, e.Reason)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks a slice of events in order and reports the first broken link.
func Verify(events []Event) error {
	prev := Genesis
	for i, e := range events {
		if e.HashPrev != prev {
			return fmt.Errorf("event %d (%s): %w", i, e.AuditID, ErrCorruptChain)
		}
		if ComputeHash(prev, e) != e.HashCurr {
			return fmt.Errorf("event %d (%s): %w", i, e.AuditID, ErrCorruptChain)
		}
		prev = e.HashCurr
	}
	return nil
}
