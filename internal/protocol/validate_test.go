package protocol

import (
	"encoding/json"
	"testing"
)

func mustDoc(t *testing.T, raw string) any {
	t.Helper()
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatalf("test document is not JSON: %v", err)
	}
	return doc
}

func TestValidatorClosedSchemas(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	for _, msgType := range []string{
		TypeAuth, TypePostJob, TypeBid, TypeAward, TypeCounterOffer,
		TypeWorkerCounter, TypeOfferDecision, TypeSubmit, TypeReview,
	} {
		if !v.Known(msgType) {
			t.Errorf("no schema for inbound type %q", msgType)
		}
	}
	if v.Known("challenge") || v.Known("nope") {
		t.Error("outbound or unknown types must not validate")
	}

	cases := []struct {
		name    string
		msgType string
		raw     string
		ok      bool
	}{
		{"minimal post_job", TypePostJob,
			`{"v":1,"type":"post_job","title":"t","budget":25}`, true},
		{"post_job with payload", TypePostJob,
			`{"v":1,"type":"post_job","title":"t","budget":25,"kind":"coding","payload":{"requiredKeyword":"ok","custom":[1,2]}}`, true},
		{"post_job unknown field", TypePostJob,
			`{"v":1,"type":"post_job","title":"t","budget":25,"reward":9}`, false},
		{"post_job zero budget", TypePostJob,
			`{"v":1,"type":"post_job","title":"t","budget":0}`, false},
		{"post_job empty title", TypePostJob,
			`{"v":1,"type":"post_job","title":"","budget":5}`, false},
		{"post_job float budget", TypePostJob,
			`{"v":1,"type":"post_job","title":"t","budget":1.5}`, false},
		{"bid minimal", TypeBid,
			`{"v":1,"type":"bid","jobId":"j","price":10,"etaSeconds":2}`, true},
		{"bid with terms", TypeBid,
			`{"v":1,"type":"bid","jobId":"j","price":10,"etaSeconds":2,"terms":{"upfrontPct":0.2,"deadlineSeconds":8,"maxRevisions":1}}`, true},
		{"bid terms missing field", TypeBid,
			`{"v":1,"type":"bid","jobId":"j","price":10,"etaSeconds":2,"terms":{"upfrontPct":0.2}}`, false},
		{"bid upfront over 1", TypeBid,
			`{"v":1,"type":"bid","jobId":"j","price":10,"etaSeconds":2,"terms":{"upfrontPct":1.5,"deadlineSeconds":8,"maxRevisions":1}}`, false},
		{"bid revisions over 10", TypeBid,
			`{"v":1,"type":"bid","jobId":"j","price":10,"etaSeconds":2,"terms":{"upfrontPct":0.5,"deadlineSeconds":8,"maxRevisions":11}}`, false},
		{"award", TypeAward,
			`{"v":1,"type":"award","jobId":"j","workerId":"w"}`, true},
		{"award missing worker", TypeAward,
			`{"v":1,"type":"award","jobId":"j"}`, false},
		{"counter_offer requires full terms", TypeCounterOffer,
			`{"v":1,"type":"counter_offer","jobId":"j","workerId":"w","price":5}`, false},
		{"counter_offer", TypeCounterOffer,
			`{"v":1,"type":"counter_offer","jobId":"j","workerId":"w","price":5,"terms":{"upfrontPct":0,"deadlineSeconds":60,"maxRevisions":0}}`, true},
		{"offer_decision enum", TypeOfferDecision,
			`{"v":1,"type":"offer_decision","jobId":"j","decision":"maybe"}`, false},
		{"offer_decision accept", TypeOfferDecision,
			`{"v":1,"type":"offer_decision","jobId":"j","decision":"accept"}`, true},
		{"review changes", TypeReview,
			`{"v":1,"type":"review","jobId":"j","decision":"changes","notes":"tighten up"}`, true},
		{"review bad decision", TypeReview,
			`{"v":1,"type":"review","jobId":"j","decision":"meh"}`, false},
		{"submit", TypeSubmit,
			`{"v":1,"type":"submit","jobId":"j","result":""}`, true},
		{"wrong version", TypeSubmit,
			`{"v":2,"type":"submit","jobId":"j","result":"x"}`, false},
		{"auth", TypeAuth,
			`{"v":1,"type":"auth","agentName":"a","publicKey":"p","nonce":"n","signature":"s"}`, true},
		{"auth empty name", TypeAuth,
			`{"v":1,"type":"auth","agentName":"","publicKey":"p","nonce":"n","signature":"s"}`, false},
	}
	for _, tc := range cases {
		err := v.Validate(tc.msgType, mustDoc(t, tc.raw))
		if tc.ok && err != nil {
			t.Errorf("%s: unexpected reject: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s: accepted, want reject", tc.name)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	// A broadcast payload must survive the wire unchanged through the
	// typed structs.
	in := JobPosted{V: Version, Type: TypeJobPosted, Job: JobView{
		ID: "job_1", Title: "t", Budget: 25, RequesterID: "agent_a",
		CreatedAtMs: 123, Status: "open", Kind: "simple",
		Payload: map[string]any{"custom": "kept"},
	}}
	raw, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out JobPosted
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Job.ID != in.Job.ID || out.Job.Budget != in.Job.Budget || out.Job.Payload["custom"] != "kept" {
		t.Errorf("round trip drifted: %+v", out)
	}
}
