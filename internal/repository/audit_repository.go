package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/docuflow/be-doc-approvals/internal/database"
	"github.com/docuflow/be-doc-approvals/internal/errors"
)

// AuditRepository appends and reads immutable audit log entries. The table has
// a delete-prevention trigger, so Append is the only mutation exposed. Entries
// written as part of a transition go through the same transaction as the
// instance mutation (see InstanceRepository); standalone Append is used for
// urge, which changes no workflow state.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry outside any transition transaction.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	query := auditInsertQuery

	err := r.db.QueryRow(ctx, query,
		entry.ID,
		entry.InstanceID,
		entry.DocumentID,
		entry.StepIndex,
		entry.Action,
		entry.Actor,
		entry.Comment,
		entry.OccurredAt,
	).Scan(&entry.Seq)
	if err != nil {
		return errors.Storage(err, "failed to append audit entry")
	}
	return nil
}

// History returns the audit trail for an instance ordered by
// (occurred_at, seq) — timestamp then insertion order.
func (r *AuditRepository) History(ctx context.Context, instanceID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, seq, instance_id, document_id, step_index,
		       action, actor, comment, occurred_at
		FROM audit_entries
		WHERE instance_id = $1
		ORDER BY occurred_at ASC, seq ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Storage(err, "failed to read audit history")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Seq,
			&entry.InstanceID,
			&entry.DocumentID,
			&entry.StepIndex,
			&entry.Action,
			&entry.Actor,
			&entry.Comment,
			&entry.OccurredAt,
		)
		if err != nil {
			return nil, errors.Storage(err, "failed to scan audit entry")
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const auditInsertQuery = `
	INSERT INTO audit_entries
	    (id, instance_id, document_id, step_index,
	     action, actor, comment, occurred_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	RETURNING seq
`

// insertAudit writes an audit entry inside a transition transaction.
func insertAudit(ctx context.Context, tx pgx.Tx, entry *AuditEntry) error {
	err := tx.QueryRow(ctx, auditInsertQuery,
		entry.ID,
		entry.InstanceID,
		entry.DocumentID,
		entry.StepIndex,
		entry.Action,
		entry.Actor,
		entry.Comment,
		entry.OccurredAt,
	).Scan(&entry.Seq)
	if err != nil {
		return errors.Storage(err, "failed to append audit entry")
	}
	return nil
}
