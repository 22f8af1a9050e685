package exchange

import (
	"context"
	"math"
)

// Stake clamps from the contract design: base stake tops out at 200 credits,
// the multiplied stake at 500.
const (
	baseStakeCap  = 200
	finalStakeCap = 500
)

// ensureAccount returns the agent's account, creating it with the given
// starting credits when absent. Callers hold x.mu.
func (x *Exchange) ensureAccount(agentID string, startingCredits int64) (*Account, bool) {
	if acc, ok := x.accounts[agentID]; ok {
		return acc, false
	}
	acc := &Account{AgentID: agentID, Credits: startingCredits}
	x.accounts[agentID] = acc
	return acc, true
}

// ensureReputation returns the agent's reputation row, creating it when
// absent. Callers hold x.mu.
func (x *Exchange) ensureReputation(agentID string) *Reputation {
	if rep, ok := x.reps[agentID]; ok {
		return rep
	}
	rep := &Reputation{AgentID: agentID}
	x.reps[agentID] = rep
	return rep
}

// scoreOf returns the smoothed reputation score; agents with no row score
// 0.5.
func (x *Exchange) scoreOf(agentID string) float64 {
	if rep, ok := x.reps[agentID]; ok {
		return rep.Score()
	}
	return 0.5
}

// stakeFor computes the worker-side stake for a contract: a percentage of
// the job budget, scaled by how much the worker's track record is trusted.
// Better reputation, smaller stake.
func (x *Exchange) stakeFor(budget int64, workerID string) int64 {
	base := int64(math.Floor(float64(budget) * x.cfg.WorkerStakePct))
	if base < 0 {
		base = 0
	}
	if base > baseStakeCap {
		base = baseStakeCap
	}
	score := x.scoreOf(workerID)
	var halves int64
	switch {
	case score >= 0.75:
		halves = 1 // 0.5x
	case score >= 0.60:
		halves = 2 // 1.0x
	case score >= 0.45:
		halves = 3 // 1.5x
	default:
		halves = 4 // 2.0x
	}
	stake := base * halves / 2
	if stake > finalStakeCap {
		stake = finalStakeCap
	}
	return stake
}

// pushLedgerUpdate emits the directed ledger_update for an agent and mirrors
// it on the tape. Called after every ledger mutation, once the new credits
// and locked values are already in memory.
func (x *Exchange) pushLedgerUpdate(agentID string) {
	acc := x.accounts[agentID]
	if acc == nil {
		return
	}
	msg := newLedgerUpdate(agentID, acc.Credits, acc.Locked)
	x.sendToAgent(agentID, msg)
	x.tape.Publish(TapeEvent{Kind: TapeLedgerUpdate, Payload: msg})
	x.persist("ledger", func(ctx context.Context) error {
		return x.store.UpsertLedger(ctx, ledgerRow(acc))
	})
}

// payUpfront transfers the non-refundable upfront portion at award time.
// Callers hold x.mu and have already locked the budget.
func (x *Exchange) payUpfront(job *Job, upfrontPct float64) {
	upfront := int64(math.Floor(float64(job.LockedBudget) * upfrontPct))
	if upfront < 0 {
		upfront = 0
	}
	if upfront > job.LockedBudget {
		upfront = job.LockedBudget
	}
	if upfront == 0 {
		return
	}
	req := x.accounts[job.RequesterID]
	worker := x.accounts[job.WorkerID]
	req.Locked -= upfront
	req.Credits -= upfront
	worker.Credits += upfront
	job.PaidUpfront = upfront
	x.pushLedgerUpdate(job.RequesterID)
	x.pushLedgerUpdate(job.WorkerID)
	x.addEvidence(job.ID, EvidenceUpfront, "upfront paid", map[string]any{
		"amount": upfront, "workerId": job.WorkerID,
	})
}

// settleSuccess pays the worker the locked remainder, returns the stake, and
// bumps the completed counter. Callers hold x.mu.
func (x *Exchange) settleSuccess(job *Job) {
	x.disarm(job.ID)

	remainder := job.LockedBudget - job.PaidUpfront
	if remainder < 0 {
		remainder = 0
	}
	req := x.accounts[job.RequesterID]
	worker := x.accounts[job.WorkerID]
	req.Locked -= remainder
	req.Credits -= remainder
	worker.Credits += remainder
	worker.Locked -= job.LockedStake

	paid := job.LockedBudget
	job.Status = JobCompleted
	x.bumpReputation(job.WorkerID, true)

	x.pushLedgerUpdate(job.RequesterID)
	x.pushLedgerUpdate(job.WorkerID)
	x.addEvidence(job.ID, EvidenceSettlement, "settled: success", map[string]any{
		"paid": paid, "upfront": job.PaidUpfront, "stakeReturned": job.LockedStake,
	})
	x.persistJob(job)
	x.broadcast(protocolTypeJobCompleted, newJobCompleted(job.ID, paid))
}

// settleFailure refunds the outstanding escrow to the requester, slashes the
// worker's stake, and bumps the failed counter. The upfront already paid
// stays with the worker. Callers hold x.mu.
func (x *Exchange) settleFailure(job *Job, reason string) {
	x.disarm(job.ID)

	refund := job.LockedBudget - job.PaidUpfront
	if refund < 0 {
		refund = 0
	}
	req := x.accounts[job.RequesterID]
	worker := x.accounts[job.WorkerID]
	req.Locked -= refund

	var slash int64
	if job.LockedStake > 0 {
		slash = int64(math.Ceil(float64(job.LockedStake) * x.cfg.WorkerSlashPct))
		if slash < 0 {
			slash = 0
		}
		if slash > job.LockedStake {
			slash = job.LockedStake
		}
		worker.Credits -= slash
		worker.Locked -= job.LockedStake
		req.Credits += slash
	}

	job.Status = JobFailed
	stake := job.LockedStake
	// The contract is settled; nothing remains locked for this job.
	job.LockedBudget = 0
	job.LockedStake = 0
	job.PaidUpfront = 0
	x.bumpReputation(job.WorkerID, false)

	x.pushLedgerUpdate(job.RequesterID)
	x.pushLedgerUpdate(job.WorkerID)
	x.addEvidence(job.ID, EvidenceSettlement, "settled: failure", map[string]any{
		"reason": reason, "refund": refund, "stake": stake, "slash": slash,
	})
	x.persistJob(job)
	x.broadcast(protocolTypeJobFailed, newJobFailed(job.ID, reason))
}

func (x *Exchange) bumpReputation(agentID string, completed bool) {
	rep := x.ensureReputation(agentID)
	if completed {
		rep.Completed++
	} else {
		rep.Failed++
	}
	x.tape.Publish(TapeEvent{Kind: TapeRepUpdate, Payload: map[string]any{
		"agentId": agentID, "completed": rep.Completed, "failed": rep.Failed, "score": rep.Score(),
	}})
	x.persist("reputation", func(ctx context.Context) error {
		return x.store.UpsertReputation(ctx, reputationRow(rep))
	})
}
