package exchange

import (
	"context"

	"github.com/cjy919100-del/synapse-proto/internal/store"
)

// Entity → store row converters, plus the per-entity write-through helpers.

func agentRow(a *Agent) store.AgentRow {
	return store.AgentRow{AgentID: a.ID, Name: a.Name, PublicKey: a.PublicKey, CreatedAtMs: a.CreatedAtMs}
}

func ledgerRow(acc *Account) store.LedgerRow {
	return store.LedgerRow{AgentID: acc.AgentID, Credits: acc.Credits, Locked: acc.Locked}
}

func reputationRow(rep *Reputation) store.ReputationRow {
	return store.ReputationRow{AgentID: rep.AgentID, Completed: rep.Completed, Failed: rep.Failed}
}

func jobRow(j *Job) store.JobRow {
	return store.JobRow{
		ID:           j.ID,
		Title:        j.Title,
		Description:  j.Description,
		Budget:       j.Budget,
		RequesterID:  j.RequesterID,
		CreatedAtMs:  j.CreatedAtMs,
		Status:       string(j.Status),
		WorkerID:     j.WorkerID,
		Kind:         j.Kind,
		Payload:      j.Payload,
		LockedBudget: j.LockedBudget,
		LockedStake:  j.LockedStake,
		PaidUpfront:  j.PaidUpfront,
		AwardedAtMs:  j.AwardedAtMs,
	}
}

func bidRow(b *Bid) store.BidRow {
	row := store.BidRow{
		ID:          b.ID,
		JobID:       b.JobID,
		BidderID:    b.BidderID,
		Price:       b.Price,
		EtaSeconds:  b.EtaSeconds,
		CreatedAtMs: b.CreatedAtMs,
		Pitch:       b.Pitch,
	}
	if b.Terms != nil {
		row.Terms = *b.Terms
	}
	return row
}

func evidenceRow(e *EvidenceItem) store.EvidenceRow {
	return store.EvidenceRow{ID: e.ID, AtMs: e.AtMs, JobID: e.JobID, Kind: e.Kind, Detail: e.Detail, Payload: e.Payload}
}

func (x *Exchange) persistJob(j *Job) {
	row := jobRow(j)
	x.persist("job", func(ctx context.Context) error {
		return x.store.UpsertJob(ctx, row)
	})
}
