package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one append-only audit record for a state-changing operation.
// Before and After hold JSON snapshots of the mutated entity; Changes holds
// the operation summary (amount, currency, type) supplied by the caller.
type Event struct {
	AuditID    string
	OccurredAt time.Time
	RecordedAt time.Time
	ActorID    string
	ActorType  string
	EntityType string
	EntityID   string
	Action     string
	Changes    []byte
	Before     []byte
	After      []byte
	Result     Result
	Reason     string
	HashPrev   string
	HashCurr   string
}
