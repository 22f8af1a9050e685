package exchange

import "github.com/cjy919100-del/synapse-proto/internal/protocol"

// Outbound message constructors. Each stamps the protocol version and type
// so handlers never assemble envelopes by hand.

const (
	protocolTypeJobPosted        = protocol.TypeJobPosted
	protocolTypeJobUpdated       = protocol.TypeJobUpdated
	protocolTypeBidPosted        = protocol.TypeBidPosted
	protocolTypeJobAwarded       = protocol.TypeJobAwarded
	protocolTypeOfferMade        = protocol.TypeOfferMade
	protocolTypeCounterMade      = protocol.TypeCounterMade
	protocolTypeOfferResponse    = protocol.TypeOfferResponse
	protocolTypeNegotiationEnded = protocol.TypeNegotiationEnded
	protocolTypeJobSubmitted     = protocol.TypeJobSubmitted
	protocolTypeJobReviewed      = protocol.TypeJobReviewed
	protocolTypeJobCompleted     = protocol.TypeJobCompleted
	protocolTypeJobFailed        = protocol.TypeJobFailed
)

func newChallenge(nonce string, nowMillis int64) protocol.Challenge {
	return protocol.Challenge{V: protocol.Version, Type: protocol.TypeChallenge, Nonce: nonce, NowMs: nowMillis}
}

func newAuthed(agentID string, credits int64) protocol.Authed {
	return protocol.Authed{V: protocol.Version, Type: protocol.TypeAuthed, AgentID: agentID, Credits: credits}
}

func newError(code protocol.ErrorCode) protocol.ErrorMsg {
	return protocol.ErrorMsg{V: protocol.Version, Type: protocol.TypeError, Message: code}
}

func newJobPosted(job protocol.JobView) protocol.JobPosted {
	return protocol.JobPosted{V: protocol.Version, Type: protocol.TypeJobPosted, Job: job}
}

func newJobUpdated(job protocol.JobView) protocol.JobUpdated {
	return protocol.JobUpdated{V: protocol.Version, Type: protocol.TypeJobUpdated, Job: job}
}

func newBidPosted(bid protocol.BidView) protocol.BidPosted {
	return protocol.BidPosted{V: protocol.Version, Type: protocol.TypeBidPosted, Bid: bid}
}

func newJobAwarded(jobID, workerID string, budgetLocked int64) protocol.JobAwarded {
	return protocol.JobAwarded{V: protocol.Version, Type: protocol.TypeJobAwarded, JobID: jobID, WorkerID: workerID, BudgetLocked: budgetLocked}
}

func newOfferMade(jobID, workerID string, round int, price int64, terms protocol.Terms, notes string) protocol.OfferMade {
	return protocol.OfferMade{V: protocol.Version, Type: protocol.TypeOfferMade, JobID: jobID, WorkerID: workerID, Round: round, Price: price, Terms: terms, Notes: notes}
}

func newCounterMade(jobID, fromRole string, round int, price int64, terms protocol.Terms, notes string) protocol.CounterMade {
	return protocol.CounterMade{V: protocol.Version, Type: protocol.TypeCounterMade, JobID: jobID, FromRole: fromRole, Round: round, Price: price, Terms: terms, Notes: notes}
}

func newOfferResponse(jobID, workerID, decision string, round int) protocol.OfferResponse {
	return protocol.OfferResponse{V: protocol.Version, Type: protocol.TypeOfferResponse, JobID: jobID, WorkerID: workerID, Decision: decision, Round: round}
}

func newNegotiationEnded(jobID, reason string, round int) protocol.NegotiationEnded {
	return protocol.NegotiationEnded{V: protocol.Version, Type: protocol.TypeNegotiationEnded, JobID: jobID, Reason: reason, Round: round}
}

func newJobSubmitted(jobID, workerID string, size int, preview string) protocol.JobSubmitted {
	return protocol.JobSubmitted{V: protocol.Version, Type: protocol.TypeJobSubmitted, JobID: jobID, WorkerID: workerID, Bytes: size, Preview: preview}
}

func newJobReviewed(jobID, decision, notes string) protocol.JobReviewed {
	return protocol.JobReviewed{V: protocol.Version, Type: protocol.TypeJobReviewed, JobID: jobID, Decision: decision, Notes: notes}
}

func newJobCompleted(jobID string, paid int64) protocol.JobCompleted {
	return protocol.JobCompleted{V: protocol.Version, Type: protocol.TypeJobCompleted, JobID: jobID, Paid: paid}
}

func newJobFailed(jobID, reason string) protocol.JobFailed {
	return protocol.JobFailed{V: protocol.Version, Type: protocol.TypeJobFailed, JobID: jobID, Reason: reason}
}

func newLedgerUpdate(agentID string, credits, locked int64) protocol.LedgerUpdate {
	return protocol.LedgerUpdate{V: protocol.Version, Type: protocol.TypeLedgerUpdate, AgentID: agentID, Credits: credits, Locked: locked}
}
