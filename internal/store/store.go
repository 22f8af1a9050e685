// Package store is the persistence port of the exchange. Every
// state-changing operation writes through after the in-memory update;
// inserts do nothing on conflict and updates overwrite the canonical row,
// so a retried write always reconciles.
package store

import "context"

type AgentRow struct {
	AgentID     string
	Name        string
	PublicKey   string
	CreatedAtMs int64
}

type LedgerRow struct {
	AgentID string
	Credits int64
	Locked  int64
}

type ReputationRow struct {
	AgentID   string
	Completed int64
	Failed    int64
}

type JobRow struct {
	ID           string
	Title        string
	Description  string
	Budget       int64
	RequesterID  string
	CreatedAtMs  int64
	Status       string
	WorkerID     string
	Kind         string
	Payload      map[string]any
	LockedBudget int64
	LockedStake  int64
	PaidUpfront  int64
	AwardedAtMs  int64
}

type BidRow struct {
	ID          string
	JobID       string
	BidderID    string
	Price       int64
	EtaSeconds  int64
	CreatedAtMs int64
	Pitch       string
	Terms       any // nil or the terms sub-document
}

type EvidenceRow struct {
	ID      string
	AtMs    int64
	JobID   string
	Kind    string
	Detail  string
	Payload map[string]any
}

// AgentSnapshotRow joins agents with their ledger and reputation rows.
type AgentSnapshotRow struct {
	AgentID   string
	Name      string
	Credits   int64
	Locked    int64
	Completed int64
	Failed    int64
}

type SnapshotRows struct {
	Agents   []AgentSnapshotRow
	Jobs     []JobRow
	Bids     []BidRow
	Evidence []EvidenceRow
}

// Store is implemented by any ordered durable store. All writes are
// idempotent; Init creates the schema and may be called on every startup.
type Store interface {
	Init(ctx context.Context) error

	UpsertAgent(ctx context.Context, a AgentRow) error
	UpsertLedger(ctx context.Context, l LedgerRow) error
	UpsertReputation(ctx context.Context, r ReputationRow) error
	UpsertJob(ctx context.Context, j JobRow) error
	InsertBid(ctx context.Context, b BidRow) error
	InsertEvidence(ctx context.Context, e EvidenceRow) error
	AppendEvent(ctx context.Context, kind string, payload any) error

	LinkIssue(ctx context.Context, owner, repo string, number int, jobID string) error
	LinkPR(ctx context.Context, owner, repo string, number int, jobID string) error
	JobIDByIssue(ctx context.Context, owner, repo string, number int) (string, error)
	JobIDByPR(ctx context.Context, owner, repo string, number int) (string, error)

	Snapshot(ctx context.Context) (*SnapshotRows, error)

	Close()
}
