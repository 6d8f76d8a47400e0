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

// TemplateRepository stores workflow templates. Templates are immutable once
// registered: running instances keep the step snapshot resolved at activation,
// so there is no update path.
type TemplateRepository struct {
	db *database.DB
}

// NewTemplateRepository creates a new TemplateRepository.
func NewTemplateRepository(db *database.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create registers a new template. The code must be unique.
func (r *TemplateRepository) Create(ctx context.Context, tpl *WorkflowTemplate) error {
	stepsJSON, err := json.Marshal(tpl.Steps)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to marshal template steps")
	}
	typesJSON, err := json.Marshal(tpl.DocumentTypes)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to marshal document types")
	}

	query := `
		INSERT INTO workflow_templates
		    (id, code, name, document_types, steps, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.Exec(ctx, query,
		tpl.ID,
		tpl.Code,
		tpl.Name,
		typesJSON,
		stepsJSON,
		tpl.CreatedAt,
		tpl.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return errors.New(errors.CodeConflict, errors.KindTemplateExists,
				"workflow template already registered: "+tpl.Code)
		}
		return errors.Storage(err, "failed to create workflow template")
	}
	return nil
}

// GetByCode resolves a template by its workflow code.
func (r *TemplateRepository) GetByCode(ctx context.Context, code string) (*WorkflowTemplate, error) {
	query := `
		SELECT id, code, name, document_types, steps, created_at, updated_at
		FROM workflow_templates
		WHERE code = $1
	`

	tpl, err := scanTemplate(r.db.QueryRow(ctx, query, code))
	if err == pgx.ErrNoRows {
		return nil, errors.New(errors.CodeNotFound, errors.KindUnknownTemplate,
			"unknown workflow template: "+code)
	}
	if err != nil {
		return nil, errors.Storage(err, "failed to get workflow template")
	}
	return tpl, nil
}

// List returns all registered templates ordered by code.
func (r *TemplateRepository) List(ctx context.Context) ([]*WorkflowTemplate, error) {
	query := `
		SELECT id, code, name, document_types, steps, created_at, updated_at
		FROM workflow_templates
		ORDER BY code ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Storage(err, "failed to list workflow templates")
	}
	defer rows.Close()

	var templates []*WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, errors.Storage(err, "failed to scan workflow template")
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// ListByDocumentType returns templates whose filter admits the given document
// type. The filter is evaluated in Go to keep the SQL simple.
func (r *TemplateRepository) ListByDocumentType(ctx context.Context, documentType string) ([]*WorkflowTemplate, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*WorkflowTemplate
	for _, tpl := range all {
		if tpl.AppliesTo(documentType) {
			matched = append(matched, tpl)
		}
	}
	return matched, nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

func scanTemplate(row rowScanner) (*WorkflowTemplate, error) {
	tpl := &WorkflowTemplate{}
	var typesJSON, stepsJSON []byte

	err := row.Scan(
		&tpl.ID,
		&tpl.Code,
		&tpl.Name,
		&typesJSON,
		&stepsJSON,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(typesJSON, &tpl.DocumentTypes); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to unmarshal document types")
	}
	if err := json.Unmarshal(stepsJSON, &tpl.Steps); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to unmarshal template steps")
	}
	return tpl, nil
}
