package exchange

import "context"

// evidenceCap bounds the in-memory evidence ring. The durable mirror is
// unbounded.
const evidenceCap = 500

// Evidence kinds appended by state transitions.
const (
	EvidenceAward          = "award"
	EvidenceUpfront        = "upfront"
	EvidenceSubmit         = "submit"
	EvidenceAutoVerify     = "auto_verify"
	EvidenceReview         = "review"
	EvidenceChanges        = "changes"
	EvidenceSettlement     = "settlement"
	EvidenceOffer          = "offer"
	EvidenceCounter        = "counter"
	EvidenceOfferResponse  = "offer_response"
	EvidenceNegotiation    = "negotiation"
	EvidenceNegotiationEnd = "negotiation_end"
)

// EvidenceItem is one append-only audit entry keyed by job.
type EvidenceItem struct {
	ID      string         `json:"id"`
	AtMs    int64          `json:"atMs"`
	JobID   string         `json:"jobId"`
	Kind    string         `json:"kind"`
	Detail  string         `json:"detail"`
	Payload map[string]any `json:"payload,omitempty"`
}

// addEvidence appends an item to the in-memory ring (most-recent-first),
// mirrors it durably, and emits an evidence tape event. Callers hold x.mu.
func (x *Exchange) addEvidence(jobID, kind, detail string, payload map[string]any) *EvidenceItem {
	item := &EvidenceItem{
		ID:      newID("ev"),
		AtMs:    nowMs(),
		JobID:   jobID,
		Kind:    kind,
		Detail:  detail,
		Payload: payload,
	}
	x.evidence = append([]*EvidenceItem{item}, x.evidence...)
	if len(x.evidence) > evidenceCap {
		x.evidence = x.evidence[:evidenceCap]
	}
	x.tape.Publish(TapeEvent{Kind: TapeEvidence, Payload: item})
	x.persist("evidence", func(ctx context.Context) error {
		return x.store.InsertEvidence(ctx, evidenceRow(item))
	})
	return item
}
