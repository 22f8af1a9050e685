package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cjy919100-del/synapse-proto/internal/config"
	"github.com/cjy919100-del/synapse-proto/internal/protocol"
)

// ---------------------------------------------------------------------------
// Test scaffolding: an in-memory exchange with fake sessions. Frames queued
// on a session's send channel stand in for the wire.
// ---------------------------------------------------------------------------

func testConfig() config.Config {
	return config.Config{
		Port:                  8787,
		SpectatorPort:         8790,
		StartingCredits:       1000,
		WorkerStakePct:        0.05,
		WorkerSlashPct:        0.5,
		NegotiationMaxRounds:  3,
		DefaultTimeoutSeconds: 900,
	}
}

func newTestExchange(t *testing.T, mutate func(*config.Config)) *Exchange {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	x, err := New(cfg, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return x
}

// connect registers a fake authenticated session for an agent, creating its
// account with the configured starting credits.
func connect(t *testing.T, x *Exchange, agentID string) *Session {
	t.Helper()
	if err := x.SystemEnsureAccount(context.Background(), agentID, agentID, "", nil); err != nil {
		t.Fatalf("SystemEnsureAccount(%s): %v", agentID, err)
	}
	s := &Session{x: x, agentID: agentID, send: make(chan []byte, 256), done: make(chan struct{})}
	x.mu.Lock()
	x.sessions[s] = struct{}{}
	x.mu.Unlock()
	return s
}

// frame drains the session's queue until a frame of the wanted type appears.
func frame(t *testing.T, s *Session, wantType string) map[string]any {
	t.Helper()
	for {
		select {
		case raw := <-s.send:
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("bad frame: %v", err)
			}
			if m["type"] == wantType {
				return m
			}
		case <-time.After(time.Second):
			t.Fatalf("no %q frame received", wantType)
		}
	}
}

func drain(s *Session) {
	for {
		select {
		case <-s.send:
		default:
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Operation helpers driving the real handlers.
// ---------------------------------------------------------------------------

func mustPost(t *testing.T, s *Session, title string, budget int64, payload map[string]any) string {
	t.Helper()
	code := s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handlePostJob(s, protocol.PostJob{V: 1, Type: protocol.TypePostJob, Title: title, Budget: budget, Payload: payload})
	})
	if code != "" {
		t.Fatalf("post_job: %s", code)
	}
	posted := frame(t, s, protocol.TypeJobPosted)
	job := posted["job"].(map[string]any)
	return job["id"].(string)
}

func mustBid(t *testing.T, s *Session, jobID string, price, eta int64, terms *protocol.Terms) {
	t.Helper()
	code := s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleBid(s, protocol.Bid{V: 1, Type: protocol.TypeBid, JobID: jobID, Price: price, EtaSeconds: eta, Terms: terms})
	})
	if code != "" {
		t.Fatalf("bid: %s", code)
	}
}

func mustAward(t *testing.T, s *Session, jobID, workerID string) {
	t.Helper()
	code := s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleAward(s, protocol.Award{V: 1, Type: protocol.TypeAward, JobID: jobID, WorkerID: workerID})
	})
	if code != "" {
		t.Fatalf("award: %s", code)
	}
}

func mustSubmit(t *testing.T, s *Session, jobID, result string) {
	t.Helper()
	code := s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleSubmit(s, protocol.Submit{V: 1, Type: protocol.TypeSubmit, JobID: jobID, Result: result})
	})
	if code != "" {
		t.Fatalf("submit: %s", code)
	}
}

func mustReview(t *testing.T, s *Session, jobID, decision string) {
	t.Helper()
	code := s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleReview(s, protocol.Review{V: 1, Type: protocol.TypeReview, JobID: jobID, Decision: decision})
	})
	if code != "" {
		t.Fatalf("review %s: %s", decision, code)
	}
}

func counterOffer(t *testing.T, s *Session, jobID, workerID string, price int64, terms protocol.Terms) protocol.ErrorCode {
	t.Helper()
	return s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleCounterOffer(s, protocol.CounterOffer{V: 1, Type: protocol.TypeCounterOffer, JobID: jobID, WorkerID: workerID, Price: price, Terms: terms})
	})
}

func workerCounter(t *testing.T, s *Session, jobID string, price int64, terms protocol.Terms) protocol.ErrorCode {
	t.Helper()
	return s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleWorkerCounter(s, protocol.WorkerCounter{V: 1, Type: protocol.TypeWorkerCounter, JobID: jobID, Price: price, Terms: terms})
	})
}

func offerDecision(t *testing.T, s *Session, jobID, decision string) protocol.ErrorCode {
	t.Helper()
	return s.locked(func(x *Exchange) protocol.ErrorCode {
		return x.handleOfferDecision(s, protocol.OfferDecision{V: 1, Type: protocol.TypeOfferDecision, JobID: jobID, Decision: decision})
	})
}

// ---------------------------------------------------------------------------
// State assertions.
// ---------------------------------------------------------------------------

func account(t *testing.T, x *Exchange, agentID string) (credits, locked int64) {
	t.Helper()
	x.mu.Lock()
	defer x.mu.Unlock()
	acc, ok := x.accounts[agentID]
	if !ok {
		t.Fatalf("no account for %s", agentID)
	}
	return acc.Credits, acc.Locked
}

func wantBalance(t *testing.T, x *Exchange, agentID string, credits, locked int64) {
	t.Helper()
	gotCredits, gotLocked := account(t, x, agentID)
	if gotCredits != credits || gotLocked != locked {
		t.Errorf("%s balance: got credits=%d locked=%d, want credits=%d locked=%d",
			agentID, gotCredits, gotLocked, credits, locked)
	}
}

func jobStatus(x *Exchange, jobID string) JobStatus {
	x.mu.Lock()
	defer x.mu.Unlock()
	if j, ok := x.jobs[jobID]; ok {
		return j.Status
	}
	return ""
}

// checkLedgerSound asserts 0 <= locked <= credits for every account and that
// total credits equal the sum of all starting grants.
func checkLedgerSound(t *testing.T, x *Exchange, wantTotal int64) {
	t.Helper()
	x.mu.Lock()
	defer x.mu.Unlock()
	var total int64
	for id, acc := range x.accounts {
		if acc.Locked < 0 || acc.Locked > acc.Credits {
			t.Errorf("escrow violated for %s: credits=%d locked=%d", id, acc.Credits, acc.Locked)
		}
		total += acc.Credits
	}
	if total != wantTotal {
		t.Errorf("credit conservation violated: total %d, want %d", total, wantTotal)
	}
}

func hasEvidence(x *Exchange, jobID, kind string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range x.evidence {
		if e.JobID == jobID && e.Kind == kind {
			return true
		}
	}
	return false
}
