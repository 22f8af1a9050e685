package exchange

import (
	"context"
	"errors"
	"testing"

	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

func wantCode(t *testing.T, err error, code protocol.ErrorCode) {
	t.Helper()
	var ce *CodeError
	if !errors.As(err, &ce) || ce.Code != code {
		t.Errorf("got error %v, want code %q", err, code)
	}
}

func TestSystemJobLifecycle(t *testing.T) {
	x := newTestExchange(t, nil)
	ctx := context.Background()

	zero := int64(0)
	if err := x.SystemEnsureAccount(ctx, "agent_sys_req", "ingress", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := x.SystemEnsureAccount(ctx, "agent_sys_worker", "bot", "", &zero); err != nil {
		t.Fatal(err)
	}
	// Idempotent: a second ensure does not re-grant.
	if err := x.SystemEnsureAccount(ctx, "agent_sys_req", "ingress", "", nil); err != nil {
		t.Fatal(err)
	}
	wantBalance(t, x, "agent_sys_req", 1000, 0)
	wantBalance(t, x, "agent_sys_worker", 0, 0)

	jobID, err := x.SystemCreateJob(ctx, "agent_sys_req", "triage bug", "", 60, "github_issue", nil)
	if err != nil {
		t.Fatalf("SystemCreateJob: %v", err)
	}
	if got := jobStatus(x, jobID); got != JobOpen {
		t.Fatalf("created job status: %s", got)
	}

	// Stake for a fresh worker on a 60 budget is 4 (floor(3*1.5)); a
	// zero-credit worker cannot cover it.
	wantCode(t, x.SystemAwardJob(ctx, jobID, "agent_sys_worker"), protocol.ErrWorkerNoStake)

	x.mu.Lock()
	x.accounts["agent_sys_worker"].Credits = 10
	x.mu.Unlock()
	if err := x.SystemAwardJob(ctx, jobID, "agent_sys_worker"); err != nil {
		t.Fatalf("SystemAwardJob: %v", err)
	}
	if n := x.timerCount(jobID); n != 1 {
		t.Errorf("timer after system award: %d", n)
	}

	if err := x.SystemCompleteJob(ctx, jobID, "agent_sys_worker", "patched"); err != nil {
		t.Fatalf("SystemCompleteJob: %v", err)
	}
	if got := jobStatus(x, jobID); got != JobCompleted {
		t.Errorf("status after system complete: %s", got)
	}
	wantBalance(t, x, "agent_sys_req", 940, 0)
	wantBalance(t, x, "agent_sys_worker", 70, 0)
	checkLedgerSound(t, x, 1010)
}

func TestSystemFailAndReopen(t *testing.T) {
	x := newTestExchange(t, nil)
	ctx := context.Background()

	if err := x.SystemEnsureAccount(ctx, "agent_req", "req", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := x.SystemEnsureAccount(ctx, "agent_wrk", "wrk", "", nil); err != nil {
		t.Fatal(err)
	}
	jobID, err := x.SystemCreateJob(ctx, "agent_req", "flaky", "", 100, "simple", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := x.SystemAwardJob(ctx, jobID, "agent_wrk"); err != nil {
		t.Fatal(err)
	}
	if err := x.SystemFailJob(ctx, jobID, "agent_wrk", "walked away"); err != nil {
		t.Fatalf("SystemFailJob: %v", err)
	}
	if got := jobStatus(x, jobID); got != JobFailed {
		t.Fatalf("status after fail: %s", got)
	}
	if err := x.SystemReopenJob(ctx, jobID); err != nil {
		t.Fatalf("SystemReopenJob: %v", err)
	}
	if got := jobStatus(x, jobID); got != JobOpen {
		t.Fatalf("status after reopen: %s", got)
	}
	// Requester whole again minus nothing (slash came back to them); worker
	// paid the slash out of stake 7.
	wantBalance(t, x, "agent_req", 1004, 0)
	wantBalance(t, x, "agent_wrk", 996, 0)
	checkLedgerSound(t, x, 2000)

	wantCode(t, x.SystemFailJob(ctx, jobID, "agent_wrk", "again"), protocol.ErrJobNotAwarded)
	wantCode(t, x.SystemCompleteJob(ctx, "job_nope", "", ""), protocol.ErrJobNotFound)
}

func TestSystemEvidenceAndLinks(t *testing.T) {
	x := newTestExchange(t, nil)
	ctx := context.Background()

	if err := x.SystemEnsureAccount(ctx, "agent_req", "req", "", nil); err != nil {
		t.Fatal(err)
	}
	jobID, err := x.SystemCreateJob(ctx, "agent_req", "linked", "", 10, "github_issue", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := x.SystemAddEvidence(ctx, jobID, "github_issue", "issue opened", map[string]any{"number": 7}); err != nil {
		t.Fatalf("SystemAddEvidence: %v", err)
	}
	if !hasEvidence(x, jobID, "github_issue") {
		t.Error("evidence not recorded")
	}
	wantCode(t, x.SystemAddEvidence(ctx, "job_nope", "k", "d", nil), protocol.ErrJobNotFound)

	if err := x.SystemLinkIssue(ctx, "octo", "widgets", 7, jobID); err != nil {
		t.Fatal(err)
	}
	if err := x.SystemLinkPR(ctx, "octo", "widgets", 12, jobID); err != nil {
		t.Fatal(err)
	}
	if got, ok := x.SystemGetJobIDByIssue(ctx, "octo", "widgets", 7); !ok || got != jobID {
		t.Errorf("issue link: %q %v", got, ok)
	}
	if got, ok := x.SystemGetJobIDByPR(ctx, "octo", "widgets", 12); !ok || got != jobID {
		t.Errorf("pr link: %q %v", got, ok)
	}
	if _, ok := x.SystemGetJobIDByIssue(ctx, "octo", "widgets", 8); ok {
		t.Error("unlinked issue resolved")
	}
}

func TestEvidenceRingCap(t *testing.T) {
	x := newTestExchange(t, nil)
	ctx := context.Background()
	if err := x.SystemEnsureAccount(ctx, "agent_req", "req", "", nil); err != nil {
		t.Fatal(err)
	}
	jobID, err := x.SystemCreateJob(ctx, "agent_req", "noisy", "", 10, "simple", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < evidenceCap+50; i++ {
		if err := x.SystemAddEvidence(ctx, jobID, "spam", "", nil); err != nil {
			t.Fatal(err)
		}
	}
	x.mu.Lock()
	n := len(x.evidence)
	newest := x.evidence[0].AtMs
	oldest := x.evidence[n-1].AtMs
	x.mu.Unlock()
	if n != evidenceCap {
		t.Errorf("ring size: got %d, want %d", n, evidenceCap)
	}
	if newest < oldest {
		t.Error("ring is not most-recent-first")
	}
}
