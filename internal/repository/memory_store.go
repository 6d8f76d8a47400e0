package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/docuflow/be-doc-approvals/internal/errors"
)

// MemoryStore is an in-memory implementation of the template, instance and
// audit stores. It backs development mode (no database configured) and the
// test suite. All operations are guarded by one mutex, so a transition's
// {instance, step, audit} triple is applied atomically and reads never observe
// a half-applied transition.
type MemoryStore struct {
	mu        sync.Mutex
	templates map[string]*WorkflowTemplate // keyed by code
	instances map[string]*WorkflowInstance // keyed by instance ID
	steps     map[string]*StepExecution    // keyed by instanceID/stepIndex
	audit     map[string][]*AuditEntry     // keyed by instance ID
	seq       int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		templates: make(map[string]*WorkflowTemplate),
		instances: make(map[string]*WorkflowInstance),
		steps:     make(map[string]*StepExecution),
		audit:     make(map[string][]*AuditEntry),
	}
}

func stepKey(instanceID string, stepIndex int) string {
	return instanceID + "/" + strconv.Itoa(stepIndex)
}

// ── TemplateStore ─────────────────────────────────────────────────────────────

// Create registers a template.
func (m *MemoryStore) Create(ctx context.Context, tpl *WorkflowTemplate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.templates[tpl.Code]; exists {
		return errors.New(errors.CodeConflict, errors.KindTemplateExists,
			"workflow template already registered: "+tpl.Code)
	}
	m.templates[tpl.Code] = copyTemplate(tpl)
	return nil
}

// GetByCode resolves a template by its workflow code.
func (m *MemoryStore) GetByCode(ctx context.Context, code string) (*WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tpl, ok := m.templates[code]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.KindUnknownTemplate,
			"unknown workflow template: "+code)
	}
	return copyTemplate(tpl), nil
}

// List returns all templates ordered by code.
func (m *MemoryStore) List(ctx context.Context) ([]*WorkflowTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*WorkflowTemplate, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, copyTemplate(tpl))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// ListByDocumentType returns templates whose filter admits the document type.
func (m *MemoryStore) ListByDocumentType(ctx context.Context, documentType string) ([]*WorkflowTemplate, error) {
	all, err := m.List(ctx)
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

// ── InstanceStore ─────────────────────────────────────────────────────────────

// CreateInstance atomically inserts the instance, its first step and the START
// audit entry, enforcing the single-running-instance-per-document invariant.
func (m *MemoryStore) CreateInstance(ctx context.Context, inst *WorkflowInstance, step *StepExecution, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.instances {
		if existing.DocumentID == inst.DocumentID && existing.Status == InstanceRunning {
			return errors.New(errors.CodeConflict, errors.KindAlreadyRunning,
				"a running approval instance already exists for document "+inst.DocumentID)
		}
	}

	m.instances[inst.ID] = copyInstance(inst)
	m.steps[stepKey(step.InstanceID, step.StepIndex)] = copyStep(step)
	m.appendAuditLocked(entry)
	return nil
}

// ApplyTransition atomically applies one transition.
func (m *MemoryStore) ApplyTransition(ctx context.Context, t *Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[t.Instance.ID]; !ok {
		return errors.NotFound("workflow_instance", t.Instance.ID)
	}

	m.instances[t.Instance.ID] = copyInstance(t.Instance)
	if t.Step != nil {
		m.steps[stepKey(t.Step.InstanceID, t.Step.StepIndex)] = copyStep(t.Step)
	}
	if t.NextStep != nil {
		m.steps[stepKey(t.NextStep.InstanceID, t.NextStep.StepIndex)] = copyStep(t.NextStep)
	}
	m.appendAuditLocked(t.Audit)
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *MemoryStore) GetInstance(ctx context.Context, instanceID string) (*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, errors.NotFound("workflow_instance", instanceID)
	}
	return copyInstance(inst), nil
}

// ListByDocument returns every instance for a document, oldest first.
func (m *MemoryStore) ListByDocument(ctx context.Context, documentID string) ([]*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowInstance
	for _, inst := range m.instances {
		if inst.DocumentID == documentID {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListPendingForActor returns running instances whose active step awaits a
// decision from the actor.
func (m *MemoryStore) ListPendingForActor(ctx context.Context, actor string) ([]*WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*WorkflowInstance
	for _, inst := range m.instances {
		if inst.Status != InstanceRunning {
			continue
		}
		step, ok := m.steps[stepKey(inst.ID, inst.CurrentStepIndex)]
		if !ok || step.Status != StepPending {
			continue
		}
		if step.IsAssigned(actor) && step.DecisionBy(actor) == nil {
			out = append(out, copyInstance(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetStep returns the step execution at the given index within an instance.
func (m *MemoryStore) GetStep(ctx context.Context, instanceID string, stepIndex int) (*StepExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	step, ok := m.steps[stepKey(instanceID, stepIndex)]
	if !ok {
		return nil, errors.NotFound("step_execution", instanceID)
	}
	return copyStep(step), nil
}

// ── AuditStore ────────────────────────────────────────────────────────────────

// Append inserts one audit entry outside any transition.
func (m *MemoryStore) Append(ctx context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendAuditLocked(entry)
	return nil
}

// History returns the audit trail for an instance in append order.
func (m *MemoryStore) History(ctx context.Context, instanceID string) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.audit[instanceID]
	out := make([]*AuditEntry, len(entries))
	for i, e := range entries {
		copied := *e
		out[i] = &copied
	}
	return out, nil
}

func (m *MemoryStore) appendAuditLocked(entry *AuditEntry) {
	m.seq++
	entry.Seq = m.seq
	copied := *entry
	m.audit[entry.InstanceID] = append(m.audit[entry.InstanceID], &copied)
}

// ── deep-copy helpers; callers never share slices with the store ─────────────

func copyTemplate(tpl *WorkflowTemplate) *WorkflowTemplate {
	out := *tpl
	out.DocumentTypes = append([]string(nil), tpl.DocumentTypes...)
	out.Steps = make([]StepSpec, len(tpl.Steps))
	for i, s := range tpl.Steps {
		out.Steps[i] = s
		out.Steps[i].Approvers = append([]string(nil), s.Approvers...)
	}
	return &out
}

func copyInstance(inst *WorkflowInstance) *WorkflowInstance {
	out := *inst
	if inst.CompletedAt != nil {
		t := *inst.CompletedAt
		out.CompletedAt = &t
	}
	return &out
}

func copyStep(step *StepExecution) *StepExecution {
	out := *step
	out.AssignedActors = append([]string(nil), step.AssignedActors...)
	out.Decisions = append([]Decision(nil), step.Decisions...)
	out.Transfers = append([]Transfer(nil), step.Transfers...)
	return &out
}
