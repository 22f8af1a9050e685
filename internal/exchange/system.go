package exchange

import (
	"context"
	"fmt"

	"github.com/cjy919100-del/synapse-proto/internal/protocol"
	"github.com/cjy919100-del/synapse-proto/internal/store"
)

// CodeError carries a protocol error code through the System Control API so
// in-process callers can branch on the same taxonomy clients see.
type CodeError struct {
	Code protocol.ErrorCode
}

func (e *CodeError) Error() string { return string(e.Code) }

func codeErr(code protocol.ErrorCode) error { return &CodeError{Code: code} }

// The System Control API is the second entry point into the exchange, used
// by in-process ingress adapters (GitHub webhooks, demo endpoints). Every
// call preserves the same invariants and fires the same events as the
// client-initiated paths.

// SystemEnsureAccount idempotently creates an agent identity with a ledger
// account and reputation row. startingCredits may be zero for synthetic
// identities; nil means the configured default.
func (x *Exchange) SystemEnsureAccount(ctx context.Context, agentID, agentName, publicKey string, startingCredits *int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	credits := x.cfg.StartingCredits
	if startingCredits != nil {
		credits = *startingCredits
	}
	agent, isNew := x.agents[agentID], false
	if agent == nil {
		agent = &Agent{ID: agentID, Name: agentName, PublicKey: publicKey, CreatedAtMs: nowMs()}
		x.agents[agentID] = agent
		isNew = true
	}
	acc, created := x.ensureAccount(agentID, credits)
	rep := x.ensureReputation(agentID)

	if isNew || created {
		x.persist("ensure_account", func(ctx context.Context) error {
			if err := x.store.UpsertAgent(ctx, agentRow(agent)); err != nil {
				return err
			}
			if err := x.store.UpsertLedger(ctx, ledgerRow(acc)); err != nil {
				return err
			}
			return x.store.UpsertReputation(ctx, reputationRow(rep))
		})
	}
	return nil
}

// SystemCreateJob posts a job on behalf of a known requester. Same rules as
// post_job, bypassing session auth.
func (x *Exchange) SystemCreateJob(ctx context.Context, requesterID, title, description string, budget int64, kind string, payload map[string]any) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if title == "" || budget <= 0 {
		return "", codeErr(protocol.ErrInvalidMessage)
	}
	acc, ok := x.accounts[requesterID]
	if !ok {
		return "", codeErr(protocol.ErrBadRequester)
	}
	if acc.Spendable() < budget {
		return "", codeErr(protocol.ErrInsufficientCredits)
	}
	if kind == "" {
		kind = "simple"
	}
	if payload == nil {
		payload = map[string]any{}
	}
	job := &Job{
		ID:          newID("job"),
		Title:       title,
		Description: description,
		Budget:      budget,
		RequesterID: requesterID,
		CreatedAtMs: nowMs(),
		Status:      JobOpen,
		Kind:        kind,
		Payload:     payload,
	}
	x.jobs[job.ID] = job
	x.persistJob(job)
	x.broadcast(protocolTypeJobPosted, newJobPosted(x.jobView(job)))
	return job.ID, nil
}

// SystemAwardJob awards an open job directly, with no bid or negotiation.
func (x *Exchange) SystemAwardJob(ctx context.Context, jobID, workerID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	job, ok := x.jobs[jobID]
	if !ok {
		return codeErr(protocol.ErrJobNotFound)
	}
	if job.Status != JobOpen {
		return codeErr(protocol.ErrJobNotOpen)
	}
	if code := x.awardLocked(job, workerID); code != "" {
		return codeErr(code)
	}
	return nil
}

// SystemCompleteJob settles a contract successfully from awarded or
// in_review.
func (x *Exchange) SystemCompleteJob(ctx context.Context, jobID, workerID, result string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	job, code := x.liveContract(jobID, workerID)
	if code != "" {
		return codeErr(code)
	}
	if result != "" {
		job.Payload[payloadLastSubmission] = map[string]any{
			"atMs": nowMs(), "by": workerID, "result": result,
		}
	}
	x.settleSuccess(job)
	return nil
}

// SystemFailJob settles a contract as failed from awarded or in_review.
func (x *Exchange) SystemFailJob(ctx context.Context, jobID, workerID, reason string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	job, code := x.liveContract(jobID, workerID)
	if code != "" {
		return codeErr(code)
	}
	x.settleFailure(job, reason)
	return nil
}

// liveContract resolves a job in {awarded, in_review} assigned to workerID.
// An empty workerID matches whichever worker currently holds the contract.
func (x *Exchange) liveContract(jobID, workerID string) (*Job, protocol.ErrorCode) {
	job, ok := x.jobs[jobID]
	if !ok {
		return nil, protocol.ErrJobNotFound
	}
	if job.Status != JobAwarded && job.Status != JobInReview {
		return nil, protocol.ErrJobNotAwarded
	}
	if job.WorkerID == "" {
		return nil, protocol.ErrJobMissingWorker
	}
	if workerID != "" && job.WorkerID != workerID {
		return nil, protocol.ErrNotAssignedWorker
	}
	return job, ""
}

// SystemReopenJob returns a job to the open book; see reopenLocked for the
// escrow semantics.
func (x *Exchange) SystemReopenJob(ctx context.Context, jobID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	job, ok := x.jobs[jobID]
	if !ok {
		return codeErr(protocol.ErrJobNotFound)
	}
	if job.Status == JobCompleted || job.Status == JobCancelled {
		return codeErr(protocol.ErrJobNotOpen)
	}
	x.reopenLocked(job)
	return nil
}

// SystemAddEvidence attaches an audit entry to a job.
func (x *Exchange) SystemAddEvidence(ctx context.Context, jobID, kind, detail string, payload map[string]any) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.jobs[jobID]; !ok {
		return codeErr(protocol.ErrJobNotFound)
	}
	x.addEvidence(jobID, kind, detail, payload)
	return nil
}

// --- GitHub link helpers ----------------------------------------------------

func ghKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// SystemLinkIssue records the bidirectional issue ↔ job mapping.
func (x *Exchange) SystemLinkIssue(ctx context.Context, owner, repo string, number int, jobID string) error {
	x.mu.Lock()
	key := ghKey(owner, repo, number)
	x.issueJobs[key] = jobID
	x.jobIssues[jobID] = key
	x.mu.Unlock()
	if x.store != nil {
		return x.store.LinkIssue(ctx, owner, repo, number, jobID)
	}
	return nil
}

// SystemLinkPR records the bidirectional pull-request ↔ job mapping.
func (x *Exchange) SystemLinkPR(ctx context.Context, owner, repo string, number int, jobID string) error {
	x.mu.Lock()
	key := ghKey(owner, repo, number)
	x.prJobs[key] = jobID
	x.jobPRs[jobID] = key
	x.mu.Unlock()
	if x.store != nil {
		return x.store.LinkPR(ctx, owner, repo, number, jobID)
	}
	return nil
}

// SystemGetJobIDByIssue resolves a linked issue to its job, preferring the
// store when persistence is enabled.
func (x *Exchange) SystemGetJobIDByIssue(ctx context.Context, owner, repo string, number int) (string, bool) {
	if x.store != nil {
		if jobID, err := x.store.JobIDByIssue(ctx, owner, repo, number); err == nil {
			return jobID, true
		} else if err != store.ErrNotFound {
			x.log.Error("issue link lookup failed", "error", err)
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	jobID, ok := x.issueJobs[ghKey(owner, repo, number)]
	return jobID, ok
}

// SystemGetJobIDByPR resolves a linked pull request to its job.
func (x *Exchange) SystemGetJobIDByPR(ctx context.Context, owner, repo string, number int) (string, bool) {
	if x.store != nil {
		if jobID, err := x.store.JobIDByPR(ctx, owner, repo, number); err == nil {
			return jobID, true
		} else if err != store.ErrNotFound {
			x.log.Error("pr link lookup failed", "error", err)
		}
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	jobID, ok := x.prJobs[ghKey(owner, repo, number)]
	return jobID, ok
}
