// Package github translates GitHub webhook deliveries into System Control
// API calls on the exchange: opened issues become jobs, and merged pull
// requests or green check suites settle the linked contract.
package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/cjy919100-del/synapse-proto/internal/config"
	"github.com/cjy919100-del/synapse-proto/internal/exchange"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"

	defaultIssueBudget = 50
)

// Handler receives webhook deliveries. Deliveries that fail signature
// verification are rejected; events with no linked job are acknowledged and
// dropped.
type Handler struct {
	x      *exchange.Exchange
	secret string
	payOn  config.PayOn
	log    *slog.Logger
}

func NewHandler(x *exchange.Exchange, secret string, payOn config.PayOn, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{x: x, secret: secret, payOn: payOn, log: log}
}

// VerifySignature checks the sha256 HMAC over the raw body in constant time.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), provided)
}

type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type delivery struct {
	Action     string     `json:"action"`
	Repository repository `json:"repository"`
	Issue      *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
	} `json:"issue"`
	PullRequest *struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Merged bool   `json:"merged"`
	} `json:"pull_request"`
	CheckSuite *struct {
		Conclusion   string `json:"conclusion"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_suite"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if !VerifySignature(h.secret, body, r.Header.Get(signatureHeader)) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	event := r.Header.Get(eventHeader)
	switch {
	case event == "issues" && d.Action == "opened" && d.Issue != nil:
		err = h.issueOpened(ctx, d)
	case event == "pull_request" && d.Action == "opened" && d.PullRequest != nil:
		err = h.prOpened(ctx, d)
	case event == "pull_request" && d.Action == "closed" && d.PullRequest != nil && d.PullRequest.Merged:
		if h.payOn == config.PayOnMerge {
			err = h.payPR(ctx, d.Repository, d.PullRequest.Number, "pr merged")
		}
	case event == "check_suite" && d.Action == "completed" && d.CheckSuite != nil && d.CheckSuite.Conclusion == "success":
		if h.payOn == config.PayOnChecksSuccess {
			for _, pr := range d.CheckSuite.PullRequests {
				if perr := h.payPR(ctx, d.Repository, pr.Number, "checks green"); perr != nil {
					err = perr
				}
			}
		}
	}
	if err != nil {
		h.log.Error("webhook handling failed", "event", event, "action", d.Action, "error", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

var bountyLabel = regexp.MustCompile(`^bounty:(\d+)$`)

// issueOpened posts a job on behalf of a synthetic identity for the
// repository owner (shared by all of that owner's repositories) and links it
// to the issue. The budget comes from a bounty:<n> label.
func (h *Handler) issueOpened(ctx context.Context, d delivery) error {
	repo := d.Repository
	requesterID := "agent_gh_" + repo.Owner.Login
	if err := h.x.SystemEnsureAccount(ctx, requesterID, repo.Owner.Login, "", nil); err != nil {
		return err
	}
	budget := int64(defaultIssueBudget)
	for _, l := range d.Issue.Labels {
		if m := bountyLabel.FindStringSubmatch(l.Name); m != nil {
			if n, err := strconv.ParseInt(m[1], 10, 64); err == nil && n > 0 {
				budget = n
			}
		}
	}
	jobID, err := h.x.SystemCreateJob(ctx, requesterID, d.Issue.Title, d.Issue.Body, budget, "github_issue",
		map[string]any{"github": map[string]any{
			"owner": repo.Owner.Login, "repo": repo.Name, "issue": d.Issue.Number,
		}})
	if err != nil {
		return err
	}
	return h.x.SystemLinkIssue(ctx, repo.Owner.Login, repo.Name, d.Issue.Number, jobID)
}

var issueRef = regexp.MustCompile(`#(\d+)`)

// prOpened links a pull request to the job of the first issue its body
// references, and records the link as evidence.
func (h *Handler) prOpened(ctx context.Context, d delivery) error {
	repo := d.Repository
	m := issueRef.FindStringSubmatch(d.PullRequest.Body)
	if m == nil {
		return nil
	}
	issueNum, _ := strconv.Atoi(m[1])
	jobID, ok := h.x.SystemGetJobIDByIssue(ctx, repo.Owner.Login, repo.Name, issueNum)
	if !ok {
		return nil
	}
	if err := h.x.SystemLinkPR(ctx, repo.Owner.Login, repo.Name, d.PullRequest.Number, jobID); err != nil {
		return err
	}
	return h.x.SystemAddEvidence(ctx, jobID, "github_pr", "pull request opened", map[string]any{
		"pr": d.PullRequest.Number, "title": d.PullRequest.Title,
	})
}

// payPR settles the job linked to a pull request.
func (h *Handler) payPR(ctx context.Context, repo repository, prNumber int, detail string) error {
	jobID, ok := h.x.SystemGetJobIDByPR(ctx, repo.Owner.Login, repo.Name, prNumber)
	if !ok {
		return nil
	}
	if err := h.x.SystemAddEvidence(ctx, jobID, "github_pay", detail, map[string]any{"pr": prNumber}); err != nil {
		return err
	}
	return h.x.SystemCompleteJob(ctx, jobID, "", detail)
}
