package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/logger"
	"github.com/docuflow/be-doc-approvals/internal/metrics"
	"github.com/docuflow/be-doc-approvals/internal/repository"
)

const publishTimeout = 5 * time.Second

// Orchestrator is the public-facing coordinator for the approval workflow. It
// resolves templates into instances, enforces the single-running-instance-per-
// document invariant and routes every external operation through the
// TransitionEngine under a per-document / per-instance serialization boundary.
type Orchestrator struct {
	templates TemplateStore
	instances InstanceStore
	audit     AuditStore
	engine    *TransitionEngine
	notifier  Notifier
	locks     *keyedMutex
	log       *logger.Logger
}

// NewOrchestrator creates a new Orchestrator. notifier may be nil, in which
// case events are dropped.
func NewOrchestrator(
	templates TemplateStore,
	instances InstanceStore,
	audit AuditStore,
	engine *TransitionEngine,
	notifier Notifier,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		templates: templates,
		instances: instances,
		audit:     audit,
		engine:    engine,
		notifier:  notifier,
		locks:     newKeyedMutex(),
		log:       log,
	}
}

// ── Template management ───────────────────────────────────────────────────────

// RegisterTemplate validates and stores a new workflow template.
func (o *Orchestrator) RegisterTemplate(ctx context.Context, tpl *repository.WorkflowTemplate) (*repository.WorkflowTemplate, error) {
	if err := tpl.Validate(); err != nil {
		return nil, errors.InvalidInput("template", err.Error())
	}

	now := time.Now()
	tpl.ID = uuid.New().String()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := o.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	o.log.Info().
		Str("template_code", tpl.Code).
		Int("steps", len(tpl.Steps)).
		Msg("Workflow template registered")
	return tpl, nil
}

// ListTemplates returns all registered templates.
func (o *Orchestrator) ListTemplates(ctx context.Context) ([]*repository.WorkflowTemplate, error) {
	return o.templates.List(ctx)
}

// ListTemplatesByDocumentType returns templates applicable to a document type.
func (o *Orchestrator) ListTemplatesByDocumentType(ctx context.Context, documentType string) ([]*repository.WorkflowTemplate, error) {
	return o.templates.ListByDocumentType(ctx, documentType)
}

// ── Instance lifecycle ────────────────────────────────────────────────────────

// Start creates a running instance for the document using the named template.
// At most one running instance may exist per document.
func (o *Orchestrator) Start(ctx context.Context, documentID, templateCode, initiator string) (*repository.WorkflowInstance, error) {
	if documentID == "" {
		return nil, errors.InvalidInput("documentId", "document ID is required")
	}
	if templateCode == "" {
		return nil, errors.InvalidInput("workflowCode", "workflow code is required")
	}
	if initiator == "" {
		return nil, errors.InvalidInput("initiator", "initiator is required")
	}

	unlock := o.locks.Lock("doc:" + documentID)
	defer unlock()

	tpl, err := o.templates.GetByCode(ctx, templateCode)
	if err != nil {
		return nil, err
	}

	inst, step, entry, ev, err := o.engine.NewInstance(ctx, tpl, documentID, initiator)
	if err != nil {
		return nil, err
	}

	if err := o.instances.CreateInstance(ctx, inst, step, entry); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(repository.ActionStart), "error").Inc()
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(repository.ActionStart), "ok").Inc()
	metrics.ActiveInstances.Inc()

	o.log.Info().
		Str("instance_id", inst.ID).
		Str("document_id", documentID).
		Str("template_code", templateCode).
		Str("initiator", initiator).
		Msg("Approval workflow started")

	o.publish(ev)
	return inst, nil
}

// Act records an approve or reject decision by actingActor on the instance's
// active step and applies the resulting transition. stepIndex must name the
// active step; a stale index is an expected race and rejected as a conflict.
func (o *Orchestrator) Act(ctx context.Context, instanceID string, stepIndex int, actingActor string, action repository.DecisionKind, comment string) (*repository.WorkflowInstance, error) {
	unlock := o.locks.Lock("inst:" + instanceID)
	defer unlock()

	inst, step, err := o.loadActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if stepIndex != step.StepIndex {
		return nil, errors.New(errors.CodeConflict, errors.KindStepNotActive,
			fmt.Sprintf("step %d is not the active step of instance %s", stepIndex, instanceID))
	}

	tpl, err := o.templates.GetByCode(ctx, inst.TemplateCode)
	if err != nil {
		return nil, err
	}

	t, events, err := o.engine.Decide(ctx, tpl, inst, step, actingActor, action, comment)
	if err != nil {
		return nil, err
	}

	if err := o.instances.ApplyTransition(ctx, t); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(t.Audit.Action), "error").Inc()
		return nil, err
	}
	o.recordOutcome(t)

	o.log.Info().
		Str("instance_id", instanceID).
		Str("actor", actingActor).
		Str("action", string(action)).
		Str("status", string(t.Instance.Status)).
		Int("step_index", t.Instance.CurrentStepIndex).
		Msg("Approval decision applied")

	o.publish(events...)
	return t.Instance, nil
}

// Withdraw terminates a running instance. Only the original initiator may
// withdraw.
func (o *Orchestrator) Withdraw(ctx context.Context, instanceID, actor, reason string) (*repository.WorkflowInstance, error) {
	unlock := o.locks.Lock("inst:" + instanceID)
	defer unlock()

	inst, step, err := o.loadActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Initiator != actor {
		return nil, errors.New(errors.CodeUnauthorized, errors.KindNotAuthorized,
			"only the initiator may withdraw the approval workflow")
	}

	t, err := o.engine.Withdraw(inst, step, actor, reason)
	if err != nil {
		return nil, err
	}
	if err := o.instances.ApplyTransition(ctx, t); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(repository.ActionWithdraw), "error").Inc()
		return nil, err
	}
	o.recordOutcome(t)

	o.log.Info().
		Str("instance_id", instanceID).
		Str("actor", actor).
		Msg("Approval workflow withdrawn")
	return t.Instance, nil
}

// Transfer reassigns fromActor's pending decision on the active step to
// toActor without changing the step index.
func (o *Orchestrator) Transfer(ctx context.Context, instanceID, fromActor, toActor, reason string) (*repository.WorkflowInstance, error) {
	unlock := o.locks.Lock("inst:" + instanceID)
	defer unlock()

	inst, step, err := o.loadActive(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	t, events, err := o.engine.Transfer(inst, step, fromActor, toActor, reason)
	if err != nil {
		return nil, err
	}
	if err := o.instances.ApplyTransition(ctx, t); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(repository.ActionTransfer), "error").Inc()
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(repository.ActionTransfer), "ok").Inc()

	o.log.Info().
		Str("instance_id", instanceID).
		Str("from_actor", fromActor).
		Str("to_actor", toActor).
		Msg("Approval step transferred")

	o.publish(events...)
	return t.Instance, nil
}

// Urge appends an URGE audit entry and emits a reminder event toward the
// active step's unresolved actors. No workflow state changes.
func (o *Orchestrator) Urge(ctx context.Context, instanceID, actor string) error {
	unlock := o.locks.Lock("inst:" + instanceID)
	defer unlock()

	inst, step, err := o.loadActive(ctx, instanceID)
	if err != nil {
		return err
	}

	entry, ev, err := o.engine.Urge(inst, step, actor)
	if err != nil {
		return err
	}
	if err := o.audit.Append(ctx, entry); err != nil {
		metrics.TransitionsTotal.WithLabelValues(string(repository.ActionUrge), "error").Inc()
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(string(repository.ActionUrge), "ok").Inc()

	o.publish(ev)
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetInstance returns an instance by ID.
func (o *Orchestrator) GetInstance(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error) {
	return o.instances.GetInstance(ctx, instanceID)
}

// GetPendingForActor returns running instances awaiting a decision from actor.
func (o *Orchestrator) GetPendingForActor(ctx context.Context, actor string) ([]*repository.WorkflowInstance, error) {
	return o.instances.ListPendingForActor(ctx, actor)
}

// GetHistory returns every instance ever started for a document.
func (o *Orchestrator) GetHistory(ctx context.Context, documentID string) ([]*repository.WorkflowInstance, error) {
	return o.instances.ListByDocument(ctx, documentID)
}

// GetCurrentStep returns the instance's active step execution.
func (o *Orchestrator) GetCurrentStep(ctx context.Context, instanceID string) (*repository.StepExecution, error) {
	inst, err := o.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return o.instances.GetStep(ctx, instanceID, inst.CurrentStepIndex)
}

// GetAuditTrail returns the ordered audit history for an instance.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error) {
	if _, err := o.instances.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	return o.audit.History(ctx, instanceID)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// loadActive fetches an instance and its active step. Terminal instances are
// rejected before any mutation is attempted.
func (o *Orchestrator) loadActive(ctx context.Context, instanceID string) (*repository.WorkflowInstance, *repository.StepExecution, error) {
	inst, err := o.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	if inst.Status.Terminal() {
		return inst, nil, errors.New(errors.CodeConflict, errors.KindInstanceNotRunning,
			"instance "+instanceID+" is "+string(inst.Status)+" and accepts no further actions")
	}
	step, err := o.instances.GetStep(ctx, instanceID, inst.CurrentStepIndex)
	if err != nil {
		return nil, nil, err
	}
	return inst, step, nil
}

func (o *Orchestrator) recordOutcome(t *repository.Transition) {
	metrics.TransitionsTotal.WithLabelValues(string(t.Audit.Action), "ok").Inc()
	if t.Instance.Status.Terminal() {
		metrics.ActiveInstances.Dec()
	}
}

// publish delivers events asynchronously; failures are the notifier's problem
// and never surface to the caller.
func (o *Orchestrator) publish(events ...Event) {
	if o.notifier == nil {
		return
	}
	for _, ev := range events {
		go func(ev Event) {
			ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()
			o.notifier.PublishEvent(ctx, ev)
		}(ev)
	}
}
