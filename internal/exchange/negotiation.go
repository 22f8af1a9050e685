package exchange

import (
	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

const (
	roleBoss   = "boss"
	roleWorker = "worker"
)

// negotiationOf reads the negotiation sub-document off the job payload.
func negotiationOf(job *Job) *Negotiation {
	if job.Payload == nil {
		return nil
	}
	neg, _ := job.Payload[payloadNegotiation].(*Negotiation)
	return neg
}

// handleCounterOffer is the requester's counter to a worker's bid: it opens
// a negotiation, or advances an existing one with that worker.
func (x *Exchange) handleCounterOffer(s *Session, msg protocol.CounterOffer) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.RequesterID != s.agentID {
		return protocol.ErrNotJobOwner
	}
	if job.Status != JobOpen {
		return protocol.ErrJobNotOpen
	}
	if !x.hasBid(job.ID, msg.WorkerID) {
		return protocol.ErrWorkerHasNoBid
	}
	if msg.Price > job.Budget {
		return protocol.ErrOfferOverBudget
	}

	neg := negotiationOf(job)
	if neg != nil && neg.Status == negotiationPending && neg.WorkerID != msg.WorkerID {
		return protocol.ErrNegotiationBusy
	}

	now := nowMs()
	if neg == nil || neg.Status != negotiationPending {
		// Opening counter: round 1 of a fresh negotiation.
		bid := x.latestBidBy(job.ID, msg.WorkerID)
		neg = &Negotiation{
			WorkerID: msg.WorkerID,
			BidID:    bid.ID,
			BidPrice: bid.Price,
			Price:    msg.Price,
			Terms:    msg.Terms,
			Status:   negotiationPending,
			Round:    1,
		}
		neg.History = append(neg.History, NegotiationTurn{
			Round: 1, FromRole: roleBoss, Price: msg.Price, Terms: msg.Terms, Notes: msg.Notes, AtMs: now,
		})
		job.Payload[payloadNegotiation] = neg
		x.persistJob(job)
		x.broadcast(protocolTypeCounterMade, newCounterMade(job.ID, roleBoss, 1, msg.Price, msg.Terms, msg.Notes))
		x.sendToAgent(msg.WorkerID, newOfferMade(job.ID, msg.WorkerID, 1, msg.Price, msg.Terms, msg.Notes))
		x.addEvidence(job.ID, EvidenceOffer, "offer made", map[string]any{
			"workerId": msg.WorkerID, "price": msg.Price, "terms": msg.Terms,
		})
		return ""
	}

	if code := x.advanceRound(job, neg); code != "" {
		return code
	}
	neg.Price = msg.Price
	neg.Terms = msg.Terms
	neg.History = append(neg.History, NegotiationTurn{
		Round: neg.Round, FromRole: roleBoss, Price: msg.Price, Terms: msg.Terms, Notes: msg.Notes, AtMs: now,
	})
	x.persistJob(job)
	x.broadcast(protocolTypeCounterMade, newCounterMade(job.ID, roleBoss, neg.Round, msg.Price, msg.Terms, msg.Notes))
	x.addEvidence(job.ID, EvidenceCounter, "counter by requester", map[string]any{
		"round": neg.Round, "price": msg.Price,
	})
	return ""
}

// handleWorkerCounter is the worker's counter inside a pending negotiation.
func (x *Exchange) handleWorkerCounter(s *Session, msg protocol.WorkerCounter) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.Status != JobOpen {
		return protocol.ErrJobNotOpen
	}
	neg := negotiationOf(job)
	if neg == nil {
		return protocol.ErrNoActiveOffer
	}
	if neg.WorkerID != s.agentID {
		return protocol.ErrNotOfferTarget
	}
	if neg.Status != negotiationPending {
		return protocol.ErrNegotiationNotPending
	}
	if msg.Price > job.Budget {
		return protocol.ErrCounterOverBudget
	}
	if code := x.advanceRound(job, neg); code != "" {
		return code
	}
	neg.Price = msg.Price
	neg.Terms = msg.Terms
	neg.History = append(neg.History, NegotiationTurn{
		Round: neg.Round, FromRole: roleWorker, Price: msg.Price, Terms: msg.Terms, Notes: msg.Notes, AtMs: nowMs(),
	})
	x.persistJob(job)
	x.broadcast(protocolTypeCounterMade, newCounterMade(job.ID, roleWorker, neg.Round, msg.Price, msg.Terms, msg.Notes))
	x.addEvidence(job.ID, EvidenceCounter, "counter by worker", map[string]any{
		"round": neg.Round, "price": msg.Price,
	})
	return ""
}

// advanceRound increments the round counter, closing the negotiation when
// the next counter would exceed the configured maximum.
func (x *Exchange) advanceRound(job *Job, neg *Negotiation) protocol.ErrorCode {
	if neg.Round+1 > x.cfg.NegotiationMaxRounds {
		neg.Status = negotiationMaxRounds
		x.persistJob(job)
		x.broadcast(protocolTypeNegotiationEnded, newNegotiationEnded(job.ID, "max_rounds", neg.Round))
		x.addEvidence(job.ID, EvidenceNegotiationEnd, "negotiation ended: max rounds", map[string]any{
			"round": neg.Round,
		})
		return protocol.ErrNegotiationMaxRounds
	}
	neg.Round++
	return ""
}

// handleOfferDecision is the worker's accept or reject of the standing
// offer. Acceptance runs the award path at the negotiated price; any
// award-time failure is reported to the accepting worker only and leaves
// the negotiation pending.
func (x *Exchange) handleOfferDecision(s *Session, msg protocol.OfferDecision) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.Status != JobOpen {
		return protocol.ErrJobNotOpen
	}
	neg := negotiationOf(job)
	if neg == nil {
		return protocol.ErrNoActiveOffer
	}
	if neg.WorkerID != s.agentID {
		return protocol.ErrNotOfferTarget
	}
	if neg.Status != negotiationPending {
		return protocol.ErrNegotiationNotPending
	}

	if msg.Decision == "reject" {
		neg.Status = negotiationReject
		x.persistJob(job)
		x.broadcast(protocolTypeOfferResponse, newOfferResponse(job.ID, neg.WorkerID, "reject", neg.Round))
		x.broadcast(protocolTypeNegotiationEnded, newNegotiationEnded(job.ID, "rejected", neg.Round))
		x.addEvidence(job.ID, EvidenceOfferResponse, "offer rejected", map[string]any{
			"workerId": neg.WorkerID, "round": neg.Round,
		})
		x.addEvidence(job.ID, EvidenceNegotiationEnd, "negotiation ended: rejected", map[string]any{
			"round": neg.Round,
		})
		return ""
	}

	agreedPrice := neg.Price
	if agreedPrice > job.Budget {
		return protocol.ErrAgreedOverBudget
	}
	neg.Status = negotiationAccept
	job.Payload[payloadAcceptedTerms] = neg.Terms
	job.Payload[payloadAcceptedPrice] = float64(agreedPrice)

	if code := x.awardLocked(job, neg.WorkerID); code != "" {
		// Escrow or stake could not be locked: undo the acceptance so the
		// market keeps moving, and surface the failure to this worker only.
		neg.Status = negotiationPending
		delete(job.Payload, payloadAcceptedTerms)
		delete(job.Payload, payloadAcceptedPrice)
		return code
	}

	x.broadcast(protocolTypeOfferResponse, newOfferResponse(job.ID, neg.WorkerID, "accept", neg.Round))
	x.addEvidence(job.ID, EvidenceOfferResponse, "offer accepted", map[string]any{
		"workerId": neg.WorkerID, "round": neg.Round,
	})
	x.addEvidence(job.ID, EvidenceNegotiation, "negotiation concluded", map[string]any{
		"agreedPrice": agreedPrice, "terms": neg.Terms, "rounds": neg.Round,
	})
	return ""
}

// latestBidBy returns the worker's most recent bid on the job. Callers have
// already established that one exists.
func (x *Exchange) latestBidBy(jobID, workerID string) *Bid {
	ids := x.bidsByJob[jobID]
	for i := len(ids) - 1; i >= 0; i-- {
		if b := x.bids[ids[i]]; b != nil && b.BidderID == workerID {
			return b
		}
	}
	return nil
}
