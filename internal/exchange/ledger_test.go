package exchange

import (
	"testing"

	"github.com/cjy919100-del/synapse-proto/internal/config"
	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

func TestStakeForTiers(t *testing.T) {
	x := newTestExchange(t, nil)

	set := func(completed, failed int64) {
		x.mu.Lock()
		x.reps["agent_w"] = &Reputation{AgentID: "agent_w", Completed: completed, Failed: failed}
		x.mu.Unlock()
	}

	cases := []struct {
		name      string
		completed int64
		failed    int64
		budget    int64
		want      int64
	}{
		// base = floor(100 * 0.05) = 5
		{"trusted (score 0.89) halves the stake", 7, 0, 100, 2},     // 8/9 -> 5*1/2
		{"solid (score 0.67) keeps base", 1, 0, 100, 5},             // 2/3 -> 5*2/2
		{"fresh (score 0.5) pays 1.5x", 0, 0, 100, 7},               // 5*3/2
		{"burned (score 0.25) pays double", 0, 2, 100, 10},          // 1/4 -> 5*4/2
		{"base stake caps at 200", 1, 0, 100000, 200},               // floor(5000)->200, x1.0
		{"multiplier applies after the base cap", 0, 2, 100000, 400}, // 200*2
		{"zero base means zero stake", 0, 0, 10, 0},              // floor(0.5) = 0
	}
	for _, tc := range cases {
		set(tc.completed, tc.failed)
		if got := x.stakeFor(tc.budget, "agent_w"); got != tc.want {
			t.Errorf("%s: stakeFor(%d) = %d, want %d", tc.name, tc.budget, got, tc.want)
		}
	}

	// An agent with no reputation row scores 0.5.
	if got := x.stakeFor(100, "agent_unknown"); got != 7 {
		t.Errorf("unknown agent stake: got %d, want 7", got)
	}
}

func TestStakeBoundaryInclusive(t *testing.T) {
	x := newTestExchange(t, nil)
	// completed=2, failed=1 -> (2+1)/(3+2) = 0.6 exactly: the 1.0x tier.
	x.mu.Lock()
	x.reps["agent_w"] = &Reputation{AgentID: "agent_w", Completed: 2, Failed: 1}
	x.mu.Unlock()
	if got := x.stakeFor(100, "agent_w"); got != 5 {
		t.Errorf("stake at score 0.60: got %d, want 5", got)
	}
}

func TestWorkerInsufficientStake(t *testing.T) {
	x := newTestExchange(t, func(c *config.Config) { c.WorkerStakePct = 0.5 })
	boss := connect(t, x, "agent_boss")
	worker := connect(t, x, "agent_worker")

	// Stake would be floor(400*0.5)=200, x1.5 = 300 for a fresh worker.
	// Empty the worker's account first.
	x.mu.Lock()
	x.accounts["agent_worker"].Credits = 100
	x.mu.Unlock()

	jobID := mustPost(t, boss, "heavy", 400, nil)
	mustBid(t, worker, jobID, 300, 60, nil)
	code := boss.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleAward(boss, protocol.Award{JobID: jobID, WorkerID: "agent_worker"})
	})
	if code != protocol.ErrWorkerNoStake {
		t.Fatalf("award with broke worker: got %q, want worker_insufficient_stake", code)
	}
	// Fail-fast: nothing was locked on either side.
	wantBalance(t, x, "agent_boss", 1000, 0)
	wantBalance(t, x, "agent_worker", 100, 0)
	if got := jobStatus(x, jobID); got != JobOpen {
		t.Errorf("job status: %s", got)
	}
}

func TestEscrowAndStakeSoundness(t *testing.T) {
	x := newTestExchange(t, nil)
	boss := connect(t, x, "agent_boss")
	w1 := connect(t, x, "agent_w1")
	w2 := connect(t, x, "agent_w2")

	j1 := mustPost(t, boss, "a", 100, nil)
	j2 := mustPost(t, boss, "b", 200, nil)
	mustBid(t, w1, j1, 80, 10, nil)
	mustBid(t, w2, j2, 150, 10, nil)
	mustAward(t, boss, j1, "agent_w1")
	mustAward(t, boss, j2, "agent_w2")
	mustSubmit(t, w1, j1, "done")

	x.mu.Lock()
	var escrow, requesterLocked int64
	stakeByWorker := map[string]int64{}
	for _, j := range x.jobs {
		if j.Status == JobAwarded || j.Status == JobInReview {
			escrow += j.LockedBudget - j.PaidUpfront
			stakeByWorker[j.WorkerID] += j.LockedStake
		}
	}
	requesterLocked = x.accounts["agent_boss"].Locked
	w1Locked := x.accounts["agent_w1"].Locked
	w2Locked := x.accounts["agent_w2"].Locked
	x.mu.Unlock()

	if escrow != requesterLocked {
		t.Errorf("escrow soundness: pending escrow %d, requester locked %d", escrow, requesterLocked)
	}
	if stakeByWorker["agent_w1"] != w1Locked {
		t.Errorf("stake soundness w1: jobs say %d, ledger says %d", stakeByWorker["agent_w1"], w1Locked)
	}
	if stakeByWorker["agent_w2"] != w2Locked {
		t.Errorf("stake soundness w2: jobs say %d, ledger says %d", stakeByWorker["agent_w2"], w2Locked)
	}
	checkLedgerSound(t, x, 3000)
}

func TestStatusClosure(t *testing.T) {
	x := newTestExchange(t, nil)
	boss := connect(t, x, "agent_boss")
	worker := connect(t, x, "agent_worker")

	jobID := mustPost(t, boss, "closed book", 25, nil)
	mustBid(t, worker, jobID, 10, 2, nil)
	mustAward(t, boss, jobID, "agent_worker")
	mustSubmit(t, worker, jobID, "done")
	mustReview(t, boss, jobID, "accept")

	x.mu.Lock()
	before := *x.jobs[jobID]
	x.mu.Unlock()

	// Post-terminal operations must not touch the settled ledger fields.
	if code := worker.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleSubmit(worker, protocol.Submit{JobID: jobID, Result: "again"})
	}); code == "" {
		t.Fatal("submit on completed job was accepted")
	}
	x.mu.Lock()
	after := *x.jobs[jobID]
	x.mu.Unlock()
	if before.LockedBudget != after.LockedBudget || before.PaidUpfront != after.PaidUpfront || before.LockedStake != after.LockedStake {
		t.Errorf("ledger fields of a completed job changed: %+v -> %+v", before, after)
	}
}
