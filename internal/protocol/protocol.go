// Package protocol defines the Synapse wire protocol: the JSON envelope,
// the closed set of client and server message types, and the error taxonomy.
// Every frame is a UTF-8 JSON object carrying v (protocol version) and type.
package protocol

import "encoding/json"

// Version is the current protocol version carried in every frame's v field.
const Version = 1

// Inbound client message types.
const (
	TypeAuth          = "auth"
	TypePostJob       = "post_job"
	TypeBid           = "bid"
	TypeAward         = "award"
	TypeCounterOffer  = "counter_offer"
	TypeWorkerCounter = "worker_counter"
	TypeOfferDecision = "offer_decision"
	TypeSubmit        = "submit"
	TypeReview        = "review"
)

// Outbound server message types.
const (
	TypeChallenge        = "challenge"
	TypeAuthed           = "authed"
	TypeError            = "error"
	TypeJobPosted        = "job_posted"
	TypeJobUpdated       = "job_updated"
	TypeBidPosted        = "bid_posted"
	TypeJobAwarded       = "job_awarded"
	TypeOfferMade        = "offer_made"
	TypeCounterMade      = "counter_made"
	TypeOfferResponse    = "offer_response"
	TypeNegotiationEnded = "negotiation_ended"
	TypeJobSubmitted     = "job_submitted"
	TypeJobReviewed      = "job_reviewed"
	TypeJobCompleted     = "job_completed"
	TypeJobFailed        = "job_failed"
	TypeLedgerUpdate     = "ledger_update"
)

// Envelope is the minimal probe decoded from every inbound frame before
// schema validation picks the full shape.
type Envelope struct {
	V    int    `json:"v"`
	Type string `json:"type"`
}

// Terms are the negotiated contract terms. Optional on a bid; required in
// full on any counter-offer.
type Terms struct {
	UpfrontPct      float64 `json:"upfrontPct"`
	DeadlineSeconds float64 `json:"deadlineSeconds"`
	MaxRevisions    int     `json:"maxRevisions"`
}

// --- Inbound messages -------------------------------------------------------

type Auth struct {
	V         int    `json:"v"`
	Type      string `json:"type"`
	AgentName string `json:"agentName"`
	PublicKey string `json:"publicKey"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type PostJob struct {
	V           int            `json:"v"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Budget      int64          `json:"budget"`
	Kind        string         `json:"kind,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type Bid struct {
	V          int    `json:"v"`
	Type       string `json:"type"`
	JobID      string `json:"jobId"`
	Price      int64  `json:"price"`
	EtaSeconds int64  `json:"etaSeconds"`
	Pitch      string `json:"pitch,omitempty"`
	Terms      *Terms `json:"terms,omitempty"`
}

type Award struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
}

type CounterOffer struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Price    int64  `json:"price"`
	Terms    Terms  `json:"terms"`
	Notes    string `json:"notes,omitempty"`
}

type WorkerCounter struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Price int64  `json:"price"`
	Terms Terms  `json:"terms"`
	Notes string `json:"notes,omitempty"`
}

type OfferDecision struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"` // accept | reject
	Notes    string `json:"notes,omitempty"`
}

type Submit struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Result string `json:"result"`
}

type Review struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"` // accept | reject | changes
	Notes    string `json:"notes,omitempty"`
}

// --- Entity views carried by server messages --------------------------------

// ReputationView is the smoothed reputation snapshot attached to bids and
// the observer snapshot.
type ReputationView struct {
	Completed int64   `json:"completed"`
	Failed    int64   `json:"failed"`
	Score     float64 `json:"score"`
}

type JobView struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Budget      int64          `json:"budget"`
	RequesterID string         `json:"requesterId"`
	CreatedAtMs int64          `json:"createdAtMs"`
	Status      string         `json:"status"`
	WorkerID    string         `json:"workerId,omitempty"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
}

type BidView struct {
	ID          string          `json:"id"`
	JobID       string          `json:"jobId"`
	BidderID    string          `json:"bidderId"`
	Price       int64           `json:"price"`
	EtaSeconds  int64           `json:"etaSeconds"`
	CreatedAtMs int64           `json:"createdAtMs"`
	Pitch       string          `json:"pitch,omitempty"`
	Terms       *Terms          `json:"terms,omitempty"`
	Rep         *ReputationView `json:"rep,omitempty"`
}

// --- Outbound messages ------------------------------------------------------

type Challenge struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	Nonce string `json:"nonce"`
	NowMs int64  `json:"nowMs"`
}

type Authed struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
}

type ErrorMsg struct {
	V       int       `json:"v"`
	Type    string    `json:"type"`
	Message ErrorCode `json:"message"`
}

type JobPosted struct {
	V    int     `json:"v"`
	Type string  `json:"type"`
	Job  JobView `json:"job"`
}

type JobUpdated struct {
	V    int     `json:"v"`
	Type string  `json:"type"`
	Job  JobView `json:"job"`
}

type BidPosted struct {
	V    int     `json:"v"`
	Type string  `json:"type"`
	Bid  BidView `json:"bid"`
}

type JobAwarded struct {
	V            int    `json:"v"`
	Type         string `json:"type"`
	JobID        string `json:"jobId"`
	WorkerID     string `json:"workerId"`
	BudgetLocked int64  `json:"budgetLocked"`
}

type OfferMade struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Round    int    `json:"round"`
	Price    int64  `json:"price"`
	Terms    Terms  `json:"terms"`
	Notes    string `json:"notes,omitempty"`
}

type CounterMade struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	FromRole string `json:"fromRole"` // boss | worker
	Round    int    `json:"round"`
	Price    int64  `json:"price"`
	Terms    Terms  `json:"terms"`
	Notes    string `json:"notes,omitempty"`
}

type OfferResponse struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Decision string `json:"decision"`
	Round    int    `json:"round"`
}

type NegotiationEnded struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
	Round  int    `json:"round"`
}

type JobSubmitted struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	WorkerID string `json:"workerId"`
	Bytes    int    `json:"bytes"`
	Preview  string `json:"preview"`
}

type JobReviewed struct {
	V        int    `json:"v"`
	Type     string `json:"type"`
	JobID    string `json:"jobId"`
	Decision string `json:"decision"`
	Notes    string `json:"notes,omitempty"`
}

type JobCompleted struct {
	V     int    `json:"v"`
	Type  string `json:"type"`
	JobID string `json:"jobId"`
	Paid  int64  `json:"paid"`
}

type JobFailed struct {
	V      int    `json:"v"`
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Reason string `json:"reason"`
}

type LedgerUpdate struct {
	V       int    `json:"v"`
	Type    string `json:"type"`
	AgentID string `json:"agentId"`
	Credits int64  `json:"credits"`
	Locked  int64  `json:"locked"`
}

// Marshal is a convenience for handlers that already hold a typed message.
func Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}
