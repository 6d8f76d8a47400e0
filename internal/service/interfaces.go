package service

import (
	"context"

	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// TemplateStore holds workflow template definitions. Templates are immutable
// once registered.
type TemplateStore interface {
	Create(ctx context.Context, tpl *repository.WorkflowTemplate) error
	GetByCode(ctx context.Context, code string) (*repository.WorkflowTemplate, error)
	List(ctx context.Context) ([]*repository.WorkflowTemplate, error)
	ListByDocumentType(ctx context.Context, documentType string) ([]*repository.WorkflowTemplate, error)
}

// InstanceStore persists workflow instances and step executions.
// CreateInstance enforces the single-running-instance-per-document invariant;
// ApplyTransition commits a transition's {instance, step, audit} triple
// atomically — partial application must never be observable.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *repository.WorkflowInstance, step *repository.StepExecution, entry *repository.AuditEntry) error
	ApplyTransition(ctx context.Context, t *repository.Transition) error
	GetInstance(ctx context.Context, instanceID string) (*repository.WorkflowInstance, error)
	ListByDocument(ctx context.Context, documentID string) ([]*repository.WorkflowInstance, error)
	ListPendingForActor(ctx context.Context, actor string) ([]*repository.WorkflowInstance, error)
	GetStep(ctx context.Context, instanceID string, stepIndex int) (*repository.StepExecution, error)
}

// AuditStore is the append-only audit log.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	History(ctx context.Context, instanceID string) ([]*repository.AuditEntry, error)
}

// ApproverResolver resolves a step spec's approver rule into concrete actor
// IDs. The engine calls it once per step activation and snapshots the result
// into the StepExecution, so later role changes never alter history.
type ApproverResolver interface {
	ResolveApprovers(ctx context.Context, spec repository.StepSpec) ([]string, error)
}

// EventType identifies a notification event.
type EventType string

const (
	EventStepAssigned EventType = "step_assigned"
	EventUrge         EventType = "urge"
)

// Event is a notification emitted toward the dispatcher. Delivery is
// best-effort and never blocks or fails a transition.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instanceId"`
	DocumentID string    `json:"documentId"`
	StepIndex  int       `json:"stepIndex"`
	Actors     []string  `json:"actors"`
}

// Notifier delivers events to the external notification service.
type Notifier interface {
	PublishEvent(ctx context.Context, ev Event)
}
