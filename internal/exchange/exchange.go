// Package exchange implements the Synapse clearing house core: session
// authentication, the job/bid/negotiation/review state machine, the credit
// and stake ledger with escrow semantics, reputation, deadline timers, the
// evidence log, and the tape fanout observed by spectators.
//
// All entities live in process-owned maps keyed by opaque id; relations are
// id references. One mutex guards the whole entity graph: every handler runs
// atomically from its first read to its last write.
package exchange

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjy919100-del/synapse-proto/internal/config"
	"github.com/cjy919100-del/synapse-proto/internal/protocol"
	"github.com/cjy919100-del/synapse-proto/internal/store"
)

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobOpen      JobStatus = "open"
	JobAwarded   JobStatus = "awarded"
	JobInReview  JobStatus = "in_review"
	JobCompleted JobStatus = "completed"
	JobCancelled JobStatus = "cancelled"
	JobFailed    JobStatus = "failed"
)

// Payload keys the exchange itself reads or writes. Unknown keys are
// preserved verbatim.
const (
	payloadTimeoutSeconds  = "timeoutSeconds"
	payloadAcceptedTerms   = "acceptedTerms"
	payloadAcceptedPrice   = "acceptedPrice"
	payloadNegotiation     = "negotiation"
	payloadLastSubmission  = "lastSubmission"
	payloadAutoVerify      = "autoVerify"
	payloadRequiredKeyword = "requiredKeyword"
)

// Agent is a durable identity derived from a client public key. Created on
// first successful authentication, never mutated.
type Agent struct {
	ID          string
	Name        string
	PublicKey   string
	CreatedAtMs int64
}

// Account holds an agent's credits and the locked reservation inside them.
// Invariant at rest: 0 <= Locked <= Credits.
type Account struct {
	AgentID string
	Credits int64
	Locked  int64
}

// Spendable is the portion of credits not reserved by any lock.
func (a *Account) Spendable() int64 { return a.Credits - a.Locked }

// Reputation holds the monotonic settlement counters for one agent.
type Reputation struct {
	AgentID   string
	Completed int64
	Failed    int64
}

// Score is the Laplace-smoothed success rate in [0, 1].
func (r *Reputation) Score() float64 {
	return float64(r.Completed+1) / float64(r.Completed+r.Failed+2)
}

// Job is the unit of work moving through the state machine.
type Job struct {
	ID          string
	Title       string
	Description string
	Budget      int64
	RequesterID string
	CreatedAtMs int64
	Status      JobStatus
	WorkerID    string
	Kind        string
	Payload     map[string]any

	LockedBudget int64
	LockedStake  int64
	PaidUpfront  int64
	AwardedAtMs  int64
}

// Bid is a worker's offer on an open job, with the bidder's reputation
// snapshotted at bid time.
type Bid struct {
	ID          string
	JobID       string
	BidderID    string
	Price       int64
	EtaSeconds  int64
	CreatedAtMs int64
	Pitch       string
	Terms       *protocol.Terms
	Rep         protocol.ReputationView
}

// NegotiationTurn is one entry in a negotiation's chronological history.
type NegotiationTurn struct {
	Round    int            `json:"round"`
	FromRole string         `json:"fromRole"` // boss | worker
	Price    int64          `json:"price"`
	Terms    protocol.Terms `json:"terms"`
	Notes    string         `json:"notes,omitempty"`
	AtMs     int64          `json:"atMs"`
}

// Negotiation is the bounded-round counter-offer exchange for one job. It is
// stored as a sub-document on the job's payload so persistence is a single
// job update.
type Negotiation struct {
	WorkerID string            `json:"workerId"`
	BidID    string            `json:"bidId"`
	BidPrice int64             `json:"bidPrice"`
	Price    int64             `json:"price"`
	Terms    protocol.Terms    `json:"terms"`
	Status   string            `json:"status"` // pending | accept | reject | max_rounds
	Round    int               `json:"round"`
	History  []NegotiationTurn `json:"history"`
}

const (
	negotiationPending   = "pending"
	negotiationAccept    = "accept"
	negotiationReject    = "reject"
	negotiationMaxRounds = "max_rounds"
)

// Exchange is the authoritative clearing house. One per process.
type Exchange struct {
	cfg       config.Config
	log       *slog.Logger
	store     store.Store // nil when persistence is disabled
	evaluator Evaluator
	validator *protocol.Validator
	tape      *TapeHub

	mu        sync.Mutex
	agents    map[string]*Agent
	accounts  map[string]*Account
	reps      map[string]*Reputation
	jobs      map[string]*Job
	bids      map[string]*Bid
	bidsByJob map[string][]string // insertion order, tie-breaks by arrival
	sessions  map[*Session]struct{}
	timers    map[string]*time.Timer

	// In-memory GitHub link maps; always maintained, store-backed when
	// persistence is enabled.
	issueJobs map[string]string
	prJobs    map[string]string
	jobIssues map[string]string
	jobPRs    map[string]string

	evidence []*EvidenceItem // most-recent-first ring, capped
}

// New builds an exchange. st may be nil for in-memory operation.
func New(cfg config.Config, st store.Store, log *slog.Logger) (*Exchange, error) {
	if log == nil {
		log = slog.Default()
	}
	validator, err := protocol.NewValidator()
	if err != nil {
		return nil, err
	}
	return &Exchange{
		cfg:       cfg,
		log:       log,
		store:     st,
		evaluator: KeywordEvaluator{},
		validator: validator,
		tape:      NewTapeHub(),
		agents:    make(map[string]*Agent),
		accounts:  make(map[string]*Account),
		reps:      make(map[string]*Reputation),
		jobs:      make(map[string]*Job),
		bids:      make(map[string]*Bid),
		bidsByJob: make(map[string][]string),
		sessions:  make(map[*Session]struct{}),
		timers:    make(map[string]*time.Timer),
		issueJobs: make(map[string]string),
		prJobs:    make(map[string]string),
		jobIssues: make(map[string]string),
		jobPRs:    make(map[string]string),
	}, nil
}

// Tape exposes the event stream for the spectator collaborator.
func (x *Exchange) Tape() *TapeHub { return x.tape }

// SetEvaluator swaps the advisory evaluator for coding submissions.
func (x *Exchange) SetEvaluator(e Evaluator) { x.evaluator = e }

func nowMs() int64 { return time.Now().UnixMilli() }

func newID(prefix string) string { return prefix + "_" + uuid.NewString() }

// --- fanout -----------------------------------------------------------------

// broadcast sends a wire message to every authenticated session, mirrors it
// on the tape, and appends it to the durable event log. Callers hold x.mu.
func (x *Exchange) broadcast(msgType string, msg any) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		x.log.Error("marshal broadcast", "type", msgType, "error", err)
		return
	}
	for s := range x.sessions {
		if s.authed() {
			s.enqueue(raw)
		}
	}
	x.tape.Publish(TapeEvent{Kind: TapeBroadcast, Payload: msg})
	x.persist("event", func(ctx context.Context) error {
		return x.store.AppendEvent(ctx, msgType, msg)
	})
}

// sendToAgent delivers a wire message to every active session bound to the
// given agent identity. No-op when the agent has no live session.
func (x *Exchange) sendToAgent(agentID string, msg any) {
	raw, err := protocol.Marshal(msg)
	if err != nil {
		x.log.Error("marshal directed message", "agent_id", agentID, "error", err)
		return
	}
	for s := range x.sessions {
		if s.authed() && s.agentID == agentID {
			s.enqueue(raw)
		}
	}
}

// persist writes through to the store, if one is configured. Failures keep
// in-memory state authoritative: they are logged as db_error_<op> tape
// events and the next idempotent write reconciles.
func (x *Exchange) persist(op string, fn func(ctx context.Context) error) {
	if x.store == nil {
		return
	}
	if err := fn(context.Background()); err != nil {
		x.log.Error("persistence write failed", "op", op, "error", err)
		x.tape.Publish(TapeEvent{Kind: "db_error_" + op, Payload: map[string]any{"op": op, "error": err.Error()}})
	}
}

// --- views ------------------------------------------------------------------

func (x *Exchange) jobView(j *Job) protocol.JobView {
	return protocol.JobView{
		ID:          j.ID,
		Title:       j.Title,
		Description: j.Description,
		Budget:      j.Budget,
		RequesterID: j.RequesterID,
		CreatedAtMs: j.CreatedAtMs,
		Status:      string(j.Status),
		WorkerID:    j.WorkerID,
		Kind:        j.Kind,
		Payload:     j.Payload,
	}
}

func bidView(b *Bid) protocol.BidView {
	rep := b.Rep
	return protocol.BidView{
		ID:          b.ID,
		JobID:       b.JobID,
		BidderID:    b.BidderID,
		Price:       b.Price,
		EtaSeconds:  b.EtaSeconds,
		CreatedAtMs: b.CreatedAtMs,
		Pitch:       b.Pitch,
		Terms:       b.Terms,
		Rep:         &rep,
	}
}

// AgentSummary is the per-agent line in an observer snapshot.
type AgentSummary struct {
	ID      string                  `json:"id"`
	Name    string                  `json:"name"`
	Credits int64                   `json:"credits"`
	Locked  int64                   `json:"locked"`
	Rep     protocol.ReputationView `json:"rep"`
}

// Snapshot is the full observable state handed to a subscribing spectator.
type Snapshot struct {
	Agents   []AgentSummary     `json:"agents"`
	Jobs     []protocol.JobView `json:"jobs"`
	Bids     []protocol.BidView `json:"bids"`
	Evidence []*EvidenceItem    `json:"evidence"`
}

// SnapshotState serves the current observable state. With persistence
// enabled the snapshot reads directly from the store; otherwise the
// in-memory projection is served.
func (x *Exchange) SnapshotState(ctx context.Context) (*Snapshot, error) {
	if x.store != nil {
		return x.snapshotFromStore(ctx)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.snapshotLocked(), nil
}

func (x *Exchange) snapshotLocked() *Snapshot {
	snap := &Snapshot{}
	for id, a := range x.agents {
		acc := x.accounts[id]
		rep := x.reps[id]
		sum := AgentSummary{ID: id, Name: a.Name}
		if acc != nil {
			sum.Credits = acc.Credits
			sum.Locked = acc.Locked
		}
		if rep != nil {
			sum.Rep = repView(rep)
		} else {
			sum.Rep = protocol.ReputationView{Score: 0.5}
		}
		snap.Agents = append(snap.Agents, sum)
	}
	for _, j := range x.jobs {
		snap.Jobs = append(snap.Jobs, x.jobView(j))
	}
	for _, b := range x.bids {
		snap.Bids = append(snap.Bids, bidView(b))
	}
	snap.Evidence = append(snap.Evidence, x.evidence...)
	return snap
}

func (x *Exchange) snapshotFromStore(ctx context.Context) (*Snapshot, error) {
	rows, err := x.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{}
	for _, a := range rows.Agents {
		rep := protocol.ReputationView{Completed: a.Completed, Failed: a.Failed}
		rep.Score = float64(rep.Completed+1) / float64(rep.Completed+rep.Failed+2)
		snap.Agents = append(snap.Agents, AgentSummary{
			ID: a.AgentID, Name: a.Name, Credits: a.Credits, Locked: a.Locked, Rep: rep,
		})
	}
	for _, j := range rows.Jobs {
		snap.Jobs = append(snap.Jobs, protocol.JobView{
			ID: j.ID, Title: j.Title, Description: j.Description, Budget: j.Budget,
			RequesterID: j.RequesterID, CreatedAtMs: j.CreatedAtMs, Status: j.Status,
			WorkerID: j.WorkerID, Kind: j.Kind, Payload: j.Payload,
		})
	}
	for _, b := range rows.Bids {
		view := protocol.BidView{
			ID: b.ID, JobID: b.JobID, BidderID: b.BidderID, Price: b.Price,
			EtaSeconds: b.EtaSeconds, CreatedAtMs: b.CreatedAtMs, Pitch: b.Pitch,
		}
		snap.Bids = append(snap.Bids, view)
	}
	for _, e := range rows.Evidence {
		snap.Evidence = append(snap.Evidence, &EvidenceItem{
			ID: e.ID, AtMs: e.AtMs, JobID: e.JobID, Kind: e.Kind, Detail: e.Detail, Payload: e.Payload,
		})
	}
	return snap, nil
}

func repView(r *Reputation) protocol.ReputationView {
	return protocol.ReputationView{Completed: r.Completed, Failed: r.Failed, Score: r.Score()}
}
