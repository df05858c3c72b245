package audit

import "time"

type Result string

const (
	ResultSuccess  Result = "success"
	ResultConflict Result = "conflict"
	ResultError    Result = "error"
	ResultDenied   Result = "denied"
)

// Event is one entry of the request transition trail.
type Event struct {
	AuditID      string
	RecordedAt   time.Time
	ActorID      string
	ActorType    string
	RequestID    string
	Action       string
	FromStatus   string
	ToStatus     string
	Detail       []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}
