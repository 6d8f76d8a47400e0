package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/docuflow/be-doc-approvals/internal/database"
	"github.com/docuflow/be-doc-approvals/internal/errors"
)

const pgUniqueViolation = "23505"

// InstanceRepository persists workflow instances and their step executions.
// Instance creation and transition application are transactional: the
// instance row, the step rows and the audit entry commit as one unit.
type InstanceRepository struct {
	db *database.DB
}

// NewInstanceRepository creates a new InstanceRepository.
func NewInstanceRepository(db *database.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

const instanceColumns = `
	id, document_id, template_id, template_code, initiator,
	status, current_step_index,
	created_at, updated_at, completed_at
`

// CreateInstance inserts a new instance, its first step execution and the
// START audit entry in one transaction. The partial unique index on
// (document_id) WHERE status='running' rejects a second running instance for
// the same document; that violation surfaces as an ALREADY_RUNNING conflict.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *WorkflowInstance, step *StepExecution, entry *AuditEntry) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			INSERT INTO workflow_instances
			    (id, document_id, template_id, template_code, initiator,
			     status, current_step_index, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`

		_, err := tx.Exec(ctx, instQuery,
			inst.ID,
			inst.DocumentID,
			inst.TemplateID,
			inst.TemplateCode,
			inst.Initiator,
			inst.Status,
			inst.CurrentStepIndex,
			inst.CreatedAt,
			inst.UpdatedAt,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return errors.New(errors.CodeConflict, errors.KindAlreadyRunning,
					"a running approval instance already exists for document "+inst.DocumentID)
			}
			return errors.Storage(err, "failed to create workflow instance")
		}

		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
		return insertAudit(ctx, tx, entry)
	})
}

// ApplyTransition commits the {instance, step, next step, audit} unit produced
// by a single transition as one transaction. Partial application must never be
// observable.
func (r *InstanceRepository) ApplyTransition(ctx context.Context, t *Transition) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		instQuery := `
			UPDATE workflow_instances
			SET status             = $2,
			    current_step_index = $3,
			    updated_at         = $4,
			    completed_at       = $5
			WHERE id = $1
			RETURNING id
		`

		var returnedID string
		err := tx.QueryRow(ctx, instQuery,
			t.Instance.ID,
			t.Instance.Status,
			t.Instance.CurrentStepIndex,
			t.Instance.UpdatedAt,
			t.Instance.CompletedAt,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			return errors.NotFound("workflow_instance", t.Instance.ID)
		}
		if err != nil {
			return errors.Storage(err, "failed to update workflow instance")
		}

		if t.Step != nil {
			if err := updateStep(ctx, tx, t.Step); err != nil {
				return err
			}
		}
		if t.NextStep != nil {
			if err := insertStep(ctx, tx, t.NextStep); err != nil {
				return err
			}
		}
		return insertAudit(ctx, tx, t.Audit)
	})
}

// GetInstance retrieves an instance by ID.
func (r *InstanceRepository) GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	inst, err := scanInstance(r.db.QueryRow(ctx, query, instanceID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("workflow_instance", instanceID)
	}
	if err != nil {
		return nil, errors.Storage(err, "failed to get workflow instance")
	}
	return inst, nil
}

// ListByDocument returns every instance ever started for a document,
// oldest first. Terminal instances are retained for history.
func (r *InstanceRepository) ListByDocument(ctx context.Context, documentID string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE document_id = $1
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, documentID)
	if err != nil {
		return nil, errors.Storage(err, "failed to list workflow instances")
	}
	defer rows.Close()

	return scanInstanceRows(rows)
}

// ListPendingForActor returns running instances whose active step is awaiting
// a decision from the given actor.
func (r *InstanceRepository) ListPendingForActor(ctx context.Context, actor string) ([]*WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances i
		WHERE i.status = 'running'
		  AND EXISTS (
			SELECT 1
			FROM step_executions s
			WHERE s.instance_id = i.id
			  AND s.step_index = i.current_step_index
			  AND s.status = 'pending'
			  AND s.assigned_actors @> jsonb_build_array($1::text)
			  AND NOT EXISTS (
				SELECT 1
				FROM jsonb_array_elements(s.decisions) d
				WHERE d->>'actor' = $1
			  )
		  )
		ORDER BY i.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, actor)
	if err != nil {
		return nil, errors.Storage(err, "failed to list pending instances")
	}
	defer rows.Close()

	return scanInstanceRows(rows)
}

// GetStep returns the step execution at the given index within an instance.
func (r *InstanceRepository) GetStep(ctx context.Context, instanceID string, stepIndex int) (*StepExecution, error) {
	query := `
		SELECT id, instance_id, step_index, assigned_actors, decisions, transfers,
		       status, created_at, updated_at
		FROM step_executions
		WHERE instance_id = $1 AND step_index = $2
	`

	step, err := scanStep(r.db.QueryRow(ctx, query, instanceID, stepIndex))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("step_execution", instanceID)
	}
	if err != nil {
		return nil, errors.Storage(err, "failed to get step execution")
	}
	return step, nil
}

// ── transactional helpers shared with CreateInstance ─────────────────────────

func insertStep(ctx context.Context, tx pgx.Tx, step *StepExecution) error {
	actorsJSON, decisionsJSON, transfersJSON, err := marshalStepJSON(step)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO step_executions
		    (id, instance_id, step_index, assigned_actors, decisions, transfers,
		     status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = tx.Exec(ctx, query,
		step.ID,
		step.InstanceID,
		step.StepIndex,
		actorsJSON,
		decisionsJSON,
		transfersJSON,
		step.Status,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return errors.Storage(err, "failed to insert step execution")
	}
	return nil
}

func updateStep(ctx context.Context, tx pgx.Tx, step *StepExecution) error {
	actorsJSON, decisionsJSON, transfersJSON, err := marshalStepJSON(step)
	if err != nil {
		return err
	}

	query := `
		UPDATE step_executions
		SET assigned_actors = $2,
		    decisions       = $3,
		    transfers       = $4,
		    status          = $5,
		    updated_at      = $6
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = tx.QueryRow(ctx, query,
		step.ID,
		actorsJSON,
		decisionsJSON,
		transfersJSON,
		step.Status,
		step.UpdatedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("step_execution", step.ID)
	}
	if err != nil {
		return errors.Storage(err, "failed to update step execution")
	}
	return nil
}

func marshalStepJSON(step *StepExecution) (actors, decisions, transfers []byte, err error) {
	if actors, err = json.Marshal(step.AssignedActors); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to marshal assigned actors")
	}
	if step.Decisions == nil {
		decisions = []byte("[]")
	} else if decisions, err = json.Marshal(step.Decisions); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to marshal decisions")
	}
	if step.Transfers == nil {
		transfers = []byte("[]")
	} else if transfers, err = json.Marshal(step.Transfers); err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.CodeInternal, "failed to marshal transfers")
	}
	return actors, decisions, transfers, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*WorkflowInstance, error) {
	inst := &WorkflowInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.DocumentID,
		&inst.TemplateID,
		&inst.TemplateCode,
		&inst.Initiator,
		&inst.Status,
		&inst.CurrentStepIndex,
		&inst.CreatedAt,
		&inst.UpdatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func scanInstanceRows(rows pgx.Rows) ([]*WorkflowInstance, error) {
	var instances []*WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Storage(err, "failed to scan workflow instance")
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func scanStep(row rowScanner) (*StepExecution, error) {
	step := &StepExecution{}
	var actorsJSON, decisionsJSON, transfersJSON []byte

	err := row.Scan(
		&step.ID,
		&step.InstanceID,
		&step.StepIndex,
		&actorsJSON,
		&decisionsJSON,
		&transfersJSON,
		&step.Status,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(actorsJSON, &step.AssignedActors); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to unmarshal assigned actors")
	}
	if err := json.Unmarshal(decisionsJSON, &step.Decisions); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to unmarshal decisions")
	}
	if err := json.Unmarshal(transfersJSON, &step.Transfers); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to unmarshal transfers")
	}
	return step, nil
}
