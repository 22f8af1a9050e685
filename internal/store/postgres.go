package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookup queries with no matching row.
var ErrNotFound = errors.New("store: not found")

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) Close() { s.pool.Close() }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id   TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		public_key TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger (
		agent_id TEXT PRIMARY KEY,
		credits  BIGINT NOT NULL,
		locked   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS reputation (
		agent_id  TEXT PRIMARY KEY,
		completed BIGINT NOT NULL,
		failed    BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		budget        BIGINT NOT NULL,
		requester_id  TEXT NOT NULL,
		created_at    BIGINT NOT NULL,
		status        TEXT NOT NULL CHECK (status IN ('open','awarded','in_review','completed','cancelled','failed')),
		worker_id     TEXT NOT NULL DEFAULT '',
		kind          TEXT NOT NULL DEFAULT 'simple',
		payload       JSONB NOT NULL DEFAULT '{}'::jsonb,
		locked_budget BIGINT NOT NULL DEFAULT 0,
		locked_stake  BIGINT NOT NULL DEFAULT 0,
		paid_upfront  BIGINT NOT NULL DEFAULT 0,
		awarded_at    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_created_at_idx ON jobs (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
	`CREATE TABLE IF NOT EXISTS bids (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		bidder_id  TEXT NOT NULL,
		price      BIGINT NOT NULL,
		eta_seconds BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		pitch      TEXT,
		terms      JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS bids_job_id_idx ON bids (job_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS job_evidence (
		id         TEXT PRIMARY KEY,
		job_id     TEXT NOT NULL,
		at_ms      BIGINT NOT NULL,
		kind       TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		payload    JSONB,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS job_evidence_job_id_idx ON job_evidence (job_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS events (
		id      BIGSERIAL PRIMARY KEY,
		kind    TEXT NOT NULL,
		payload JSONB NOT NULL,
		at_ms   BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS github_issue_jobs (
		owner        TEXT NOT NULL,
		repo         TEXT NOT NULL,
		issue_number BIGINT NOT NULL,
		job_id       TEXT NOT NULL,
		PRIMARY KEY (owner, repo, issue_number)
	)`,
	`CREATE TABLE IF NOT EXISTS github_pr_jobs (
		owner     TEXT NOT NULL,
		repo      TEXT NOT NULL,
		pr_number BIGINT NOT NULL,
		job_id    TEXT NOT NULL,
		PRIMARY KEY (owner, repo, pr_number)
	)`,
}

// Init creates the schema idempotently.
func (s *Postgres) Init(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema init: %w", err)
		}
	}
	return nil
}

func (s *Postgres) UpsertAgent(ctx context.Context, a AgentRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agents (agent_id, name, public_key, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO NOTHING
	`, a.AgentID, a.Name, a.PublicKey, a.CreatedAtMs)
	return err
}

func (s *Postgres) UpsertLedger(ctx context.Context, l LedgerRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger (agent_id, credits, locked)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET credits = $2, locked = $3
	`, l.AgentID, l.Credits, l.Locked)
	return err
}

func (s *Postgres) UpsertReputation(ctx context.Context, r ReputationRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reputation (agent_id, completed, failed)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET completed = $2, failed = $3
	`, r.AgentID, r.Completed, r.Failed)
	return err
}

func (s *Postgres) UpsertJob(ctx context.Context, j JobRow) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, title, description, budget, requester_id, created_at, status,
			worker_id, kind, payload, locked_budget, locked_stake, paid_upfront, awarded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = $7, worker_id = $8, payload = $10,
			locked_budget = $11, locked_stake = $12, paid_upfront = $13, awarded_at = $14
	`, j.ID, j.Title, j.Description, j.Budget, j.RequesterID, j.CreatedAtMs, j.Status,
		j.WorkerID, j.Kind, string(payload), j.LockedBudget, j.LockedStake, j.PaidUpfront, j.AwardedAtMs)
	return err
}

func (s *Postgres) InsertBid(ctx context.Context, b BidRow) error {
	var terms *string
	if b.Terms != nil {
		raw, err := json.Marshal(b.Terms)
		if err != nil {
			return fmt.Errorf("marshal bid terms: %w", err)
		}
		v := string(raw)
		terms = &v
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bids (id, job_id, bidder_id, price, eta_seconds, created_at, pitch, terms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, b.ID, b.JobID, b.BidderID, b.Price, b.EtaSeconds, b.CreatedAtMs, b.Pitch, terms)
	return err
}

func (s *Postgres) InsertEvidence(ctx context.Context, e EvidenceRow) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal evidence payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO job_evidence (id, job_id, at_ms, kind, detail, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $3)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.JobID, e.AtMs, e.Kind, e.Detail, string(payload))
	return err
}

func (s *Postgres) AppendEvent(ctx context.Context, kind string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (kind, payload, at_ms)
		VALUES ($1, $2, (EXTRACT(EPOCH FROM now()) * 1000)::bigint)
	`, kind, string(raw))
	return err
}

func (s *Postgres) LinkIssue(ctx context.Context, owner, repo string, number int, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO github_issue_jobs (owner, repo, issue_number, job_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, repo, issue_number) DO UPDATE SET job_id = $4
	`, owner, repo, number, jobID)
	return err
}

func (s *Postgres) LinkPR(ctx context.Context, owner, repo string, number int, jobID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO github_pr_jobs (owner, repo, pr_number, job_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner, repo, pr_number) DO UPDATE SET job_id = $4
	`, owner, repo, number, jobID)
	return err
}

func (s *Postgres) JobIDByIssue(ctx context.Context, owner, repo string, number int) (string, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM github_issue_jobs WHERE owner = $1 AND repo = $2 AND issue_number = $3
	`, owner, repo, number).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return jobID, err
}

func (s *Postgres) JobIDByPR(ctx context.Context, owner, repo string, number int) (string, error) {
	var jobID string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM github_pr_jobs WHERE owner = $1 AND repo = $2 AND pr_number = $3
	`, owner, repo, number).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return jobID, err
}

// Snapshot reads the full observable state for a subscribing spectator.
func (s *Postgres) Snapshot(ctx context.Context) (*SnapshotRows, error) {
	out := &SnapshotRows{}

	rows, err := s.pool.Query(ctx, `
		SELECT a.agent_id, a.name,
			COALESCE(l.credits, 0), COALESCE(l.locked, 0),
			COALESCE(r.completed, 0), COALESCE(r.failed, 0)
		FROM agents a
		LEFT JOIN ledger l ON l.agent_id = a.agent_id
		LEFT JOIN reputation r ON r.agent_id = a.agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a AgentSnapshotRow
		if err := rows.Scan(&a.AgentID, &a.Name, &a.Credits, &a.Locked, &a.Completed, &a.Failed); err != nil {
			return nil, err
		}
		out.Agents = append(out.Agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobRows, err := s.pool.Query(ctx, `
		SELECT id, title, description, budget, requester_id, created_at, status,
			worker_id, kind, payload, locked_budget, locked_stake, paid_upfront, awarded_at
		FROM jobs ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer jobRows.Close()
	for jobRows.Next() {
		var j JobRow
		var payload []byte
		if err := jobRows.Scan(&j.ID, &j.Title, &j.Description, &j.Budget, &j.RequesterID,
			&j.CreatedAtMs, &j.Status, &j.WorkerID, &j.Kind, &payload,
			&j.LockedBudget, &j.LockedStake, &j.PaidUpfront, &j.AwardedAtMs); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &j.Payload)
		}
		out.Jobs = append(out.Jobs, j)
	}
	if err := jobRows.Err(); err != nil {
		return nil, err
	}

	bidRows, err := s.pool.Query(ctx, `
		SELECT id, job_id, bidder_id, price, eta_seconds, created_at, COALESCE(pitch, '')
		FROM bids ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer bidRows.Close()
	for bidRows.Next() {
		var b BidRow
		if err := bidRows.Scan(&b.ID, &b.JobID, &b.BidderID, &b.Price, &b.EtaSeconds, &b.CreatedAtMs, &b.Pitch); err != nil {
			return nil, err
		}
		out.Bids = append(out.Bids, b)
	}
	if err := bidRows.Err(); err != nil {
		return nil, err
	}

	evRows, err := s.pool.Query(ctx, `
		SELECT id, job_id, at_ms, kind, detail, payload
		FROM job_evidence ORDER BY created_at DESC LIMIT 500
	`)
	if err != nil {
		return nil, err
	}
	defer evRows.Close()
	for evRows.Next() {
		var e EvidenceRow
		var payload []byte
		if err := evRows.Scan(&e.ID, &e.JobID, &e.AtMs, &e.Kind, &e.Detail, &payload); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &e.Payload)
		}
		out.Evidence = append(out.Evidence, e)
	}
	return out, evRows.Err()
}
