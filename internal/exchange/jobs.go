package exchange

import (
	"context"
	"encoding/json"

	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

const previewRunes = 120

// handlePostJob admits a new open job to the book. The requester must be
// able to cover the budget out of spendable credits at posting time.
func (x *Exchange) handlePostJob(s *Session, msg protocol.PostJob) protocol.ErrorCode {
	acc, ok := x.accounts[s.agentID]
	if !ok {
		return protocol.ErrNoLedgerAccount
	}
	if acc.Spendable() < msg.Budget {
		return protocol.ErrInsufficientCredits
	}
	kind := msg.Kind
	if kind == "" {
		kind = "simple"
	}
	payload := msg.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	job := &Job{
		ID:          newID("job"),
		Title:       msg.Title,
		Description: msg.Description,
		Budget:      msg.Budget,
		RequesterID: s.agentID,
		CreatedAtMs: nowMs(),
		Status:      JobOpen,
		Kind:        kind,
		Payload:     payload,
	}
	x.jobs[job.ID] = job
	x.persistJob(job)
	x.broadcast(protocolTypeJobPosted, newJobPosted(x.jobView(job)))
	return ""
}

// handleBid records a worker's offer on an open job, snapshotting the
// bidder's reputation at bid time. Multiple bids per bidder are allowed;
// ties break by insertion order.
func (x *Exchange) handleBid(s *Session, msg protocol.Bid) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.Status != JobOpen {
		return protocol.ErrJobNotOpen
	}
	if msg.Price > job.Budget {
		return protocol.ErrBidOverBudget
	}
	rep := protocol.ReputationView{Score: 0.5}
	if r, ok := x.reps[s.agentID]; ok {
		rep = repView(r)
	}
	bid := &Bid{
		ID:          newID("bid"),
		JobID:       job.ID,
		BidderID:    s.agentID,
		Price:       msg.Price,
		EtaSeconds:  msg.EtaSeconds,
		CreatedAtMs: nowMs(),
		Pitch:       msg.Pitch,
		Terms:       msg.Terms,
		Rep:         rep,
	}
	x.bids[bid.ID] = bid
	x.bidsByJob[job.ID] = append(x.bidsByJob[job.ID], bid.ID)
	row := bidRow(bid)
	x.persist("bid", func(ctx context.Context) error {
		return x.store.InsertBid(ctx, row)
	})
	x.broadcast(protocolTypeBidPosted, newBidPosted(bidView(bid)))
	return ""
}

// handleAward is the requester's direct award of an open job to a bidder.
func (x *Exchange) handleAward(s *Session, msg protocol.Award) protocol.ErrorCode {
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
	return x.awardLocked(job, msg.WorkerID)
}

// hasBid reports whether the worker has at least one bid on the job.
func (x *Exchange) hasBid(jobID, workerID string) bool {
	for _, bidID := range x.bidsByJob[jobID] {
		if b := x.bids[bidID]; b != nil && b.BidderID == workerID {
			return true
		}
	}
	return false
}

// awardLocked runs the shared award path: lock the requester's escrow, lock
// the worker's stake, pay any agreed upfront, arm the deadline, and announce
// the contract. Callers hold x.mu and have already validated ownership and
// job status.
func (x *Exchange) awardLocked(job *Job, workerID string) protocol.ErrorCode {
	price := job.Budget
	acceptedTerms := termsFromPayload(job.Payload[payloadAcceptedTerms])
	if acceptedTerms != nil {
		if p, ok := asFloat(job.Payload[payloadAcceptedPrice]); ok && p > 0 {
			price = int64(p)
		}
	}

	req, ok := x.accounts[job.RequesterID]
	if !ok {
		return protocol.ErrNoLedgerAccount
	}
	if req.Spendable() < price {
		return protocol.ErrInsufficientCredits
	}
	worker, ok := x.accounts[workerID]
	if !ok {
		return protocol.ErrWorkerNoLedger
	}
	stake := x.stakeFor(job.Budget, workerID)
	if worker.Spendable() < stake {
		return protocol.ErrWorkerNoStake
	}

	req.Locked += price
	worker.Locked += stake
	job.LockedBudget = price
	job.LockedStake = stake
	job.PaidUpfront = 0
	job.Status = JobAwarded
	job.WorkerID = workerID
	job.AwardedAtMs = nowMs()

	x.pushLedgerUpdate(job.RequesterID)
	x.pushLedgerUpdate(workerID)
	x.broadcast(protocolTypeJobAwarded, newJobAwarded(job.ID, workerID, price))
	x.addEvidence(job.ID, EvidenceAward, "job awarded", map[string]any{
		"workerId": workerID, "budgetLocked": price, "stake": stake,
	})
	if acceptedTerms != nil && acceptedTerms.UpfrontPct > 0 {
		x.payUpfront(job, acceptedTerms.UpfrontPct)
	}

	x.arm(job.ID, x.deadlineSeconds(job), workerID)
	x.persistJob(job)
	return ""
}

// handleSubmit moves an awarded contract into review and consults the
// evaluator for coding jobs. The evaluator outcome is advisory evidence;
// settlement waits for the requester's review.
func (x *Exchange) handleSubmit(s *Session, msg protocol.Submit) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.Status != JobAwarded {
		return protocol.ErrJobNotAwarded
	}
	if job.WorkerID != s.agentID {
		return protocol.ErrNotAssignedWorker
	}

	x.disarm(job.ID)
	job.Status = JobInReview
	job.Payload[payloadLastSubmission] = map[string]any{
		"atMs": nowMs(), "by": s.agentID, "result": msg.Result,
	}

	preview := msg.Result
	if runes := []rune(preview); len(runes) > previewRunes {
		preview = string(runes[:previewRunes])
	}
	x.broadcast(protocolTypeJobSubmitted, newJobSubmitted(job.ID, job.WorkerID, len(msg.Result), preview))
	x.addEvidence(job.ID, EvidenceSubmit, "work submitted", map[string]any{
		"by": s.agentID, "bytes": len(msg.Result),
	})

	if job.Kind == "coding" {
		ok, reason := x.evaluator.Evaluate(context.Background(), job, msg.Result)
		verdict := map[string]any{"ok": ok}
		if !ok {
			verdict["reason"] = reason
		}
		job.Payload[payloadAutoVerify] = verdict
		x.addEvidence(job.ID, EvidenceAutoVerify, "auto verification", verdict)
	}
	x.persistJob(job)
	return ""
}

// handleReview settles, fails, or sends back a submitted contract.
func (x *Exchange) handleReview(s *Session, msg protocol.Review) protocol.ErrorCode {
	job, ok := x.jobs[msg.JobID]
	if !ok {
		return protocol.ErrJobNotFound
	}
	if job.RequesterID != s.agentID {
		return protocol.ErrNotJobOwner
	}
	if job.Status != JobInReview {
		return protocol.ErrJobNotInReview
	}

	x.broadcast(protocolTypeJobReviewed, newJobReviewed(job.ID, msg.Decision, msg.Notes))
	x.addEvidence(job.ID, EvidenceReview, "review: "+msg.Decision, map[string]any{
		"decision": msg.Decision, "notes": msg.Notes,
	})

	switch msg.Decision {
	case "accept":
		x.settleSuccess(job)
	case "reject":
		x.settleFailure(job, "rejected")
		x.reopenLocked(job)
	case "changes":
		job.Status = JobAwarded
		x.arm(job.ID, x.deadlineSeconds(job), job.WorkerID)
		x.addEvidence(job.ID, EvidenceChanges, "changes requested", map[string]any{"notes": msg.Notes})
		x.persistJob(job)
	}
	return ""
}

// reopenLocked returns a job to the open book so the market continues.
// Outstanding escrow still held for a live contract is released unslashed;
// upfront already paid is not reclaimed. Callers hold x.mu.
func (x *Exchange) reopenLocked(job *Job) {
	x.disarm(job.ID)

	if job.Status == JobAwarded || job.Status == JobInReview {
		outstanding := job.LockedBudget - job.PaidUpfront
		if outstanding < 0 {
			outstanding = 0
		}
		req := x.accounts[job.RequesterID]
		if req != nil {
			req.Locked -= outstanding
			x.pushLedgerUpdate(job.RequesterID)
		}
		if worker := x.accounts[job.WorkerID]; worker != nil && job.LockedStake > 0 {
			worker.Locked -= job.LockedStake
			x.pushLedgerUpdate(job.WorkerID)
		}
	}

	job.WorkerID = ""
	job.LockedBudget = 0
	job.LockedStake = 0
	job.PaidUpfront = 0
	job.AwardedAtMs = 0
	job.Status = JobOpen
	// A reopened job starts a fresh market round; stale contract terms must
	// not leak into the next award.
	delete(job.Payload, payloadNegotiation)
	delete(job.Payload, payloadAcceptedTerms)
	delete(job.Payload, payloadAcceptedPrice)

	x.persistJob(job)
	x.broadcast(protocolTypeJobUpdated, newJobUpdated(x.jobView(job)))
	x.persist("event", func(ctx context.Context) error {
		return x.store.AppendEvent(ctx, "job_reopened", map[string]any{"jobId": job.ID})
	})
}

// termsFromPayload coerces a payload entry into Terms. The entry is either a
// typed value written by the negotiation path or a plain JSON object from a
// System caller.
func termsFromPayload(v any) *protocol.Terms {
	switch t := v.(type) {
	case nil:
		return nil
	case protocol.Terms:
		return &t
	case *protocol.Terms:
		return t
	case map[string]any:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		var terms protocol.Terms
		if err := json.Unmarshal(raw, &terms); err != nil {
			return nil
		}
		return &terms
	}
	return nil
}
