package repository

import (
	"fmt"
	"time"
)

// ── Domain types for the document approval workflow ──────────────────────────

// InstanceStatus is the lifecycle state of a workflow instance.
// Running is the only non-terminal state.
type InstanceStatus string

const (
	InstanceRunning   InstanceStatus = "running"
	InstanceApproved  InstanceStatus = "approved"
	InstanceRejected  InstanceStatus = "rejected"
	InstanceWithdrawn InstanceStatus = "withdrawn"
)

// Terminal reports whether no further transitions are permitted.
func (s InstanceStatus) Terminal() bool {
	return s != InstanceRunning
}

// StepStatus is the state of a single step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSatisfied StepStatus = "satisfied"
	StepFailed    StepStatus = "failed"
)

// DecisionKind is an approver's verdict on a step.
type DecisionKind string

const (
	DecisionApprove DecisionKind = "approve"
	DecisionReject  DecisionKind = "reject"
)

// AuditAction identifies what a transition did.
type AuditAction string

const (
	ActionStart    AuditAction = "start"
	ActionApprove  AuditAction = "approve"
	ActionReject   AuditAction = "reject"
	ActionWithdraw AuditAction = "withdraw"
	ActionTransfer AuditAction = "transfer"
	ActionUrge     AuditAction = "urge"
)

// StepSpec is one entry in a template's ordered step list. A step names
// either a fixed approver set or a role reference resolved at activation.
type StepSpec struct {
	Index             int      `json:"index"`
	Approvers         []string `json:"approvers,omitempty"`
	Role              string   `json:"role,omitempty"`
	Parallel          bool     `json:"parallel"`
	RequiredApprovals int      `json:"requiredApprovals,omitempty"`
}

// WorkflowTemplate is an immutable ordered definition of approval steps for a
// class of documents. Changing a template does not affect running instances,
// whose step assignments are snapshotted at activation.
type WorkflowTemplate struct {
	ID            string     `json:"id"`
	Code          string     `json:"code"`
	Name          string     `json:"name"`
	DocumentTypes []string   `json:"documentTypes,omitempty"`
	Steps         []StepSpec `json:"steps"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Validate checks the structural invariants of a template: at least one step,
// contiguous 0-based step indexes, each step resolvable (fixed approvers or a
// role), and a sane approval quorum on parallel steps.
func (t *WorkflowTemplate) Validate() error {
	if t.Code == "" {
		return fmt.Errorf("template code is required")
	}
	if len(t.Steps) == 0 {
		return fmt.Errorf("template %q must define at least one step", t.Code)
	}
	for i, step := range t.Steps {
		if step.Index != i {
			return fmt.Errorf("template %q: step indexes must be a contiguous 0-based sequence (step %d has index %d)", t.Code, i, step.Index)
		}
		if len(step.Approvers) == 0 && step.Role == "" {
			return fmt.Errorf("template %q: step %d must name approvers or a role", t.Code, i)
		}
		if step.Parallel {
			if step.RequiredApprovals < 1 {
				return fmt.Errorf("template %q: parallel step %d requires requiredApprovals >= 1", t.Code, i)
			}
			if len(step.Approvers) > 0 && step.RequiredApprovals > len(step.Approvers) {
				return fmt.Errorf("template %q: parallel step %d requires more approvals (%d) than approvers (%d)", t.Code, i, step.RequiredApprovals, len(step.Approvers))
			}
		}
	}
	return nil
}

// AppliesTo reports whether the template's document type filter admits the
// given document type. An empty filter admits every type.
func (t *WorkflowTemplate) AppliesTo(documentType string) bool {
	if len(t.DocumentTypes) == 0 {
		return true
	}
	for _, dt := range t.DocumentTypes {
		if dt == documentType {
			return true
		}
	}
	return false
}

// WorkflowInstance is one running (or concluded) approval process bound to
// one document. At most one instance per document may be in the running state.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	DocumentID       string         `json:"documentId"`
	TemplateID       string         `json:"templateId"`
	TemplateCode     string         `json:"templateCode"`
	Initiator        string         `json:"initiator"`
	Status           InstanceStatus `json:"status"`
	CurrentStepIndex int            `json:"currentStepIndex"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	CompletedAt      *time.Time     `json:"completedAt,omitempty"`
}

// Decision records one actor's verdict on a step.
type Decision struct {
	Actor     string       `json:"actor"`
	Kind      DecisionKind `json:"kind"`
	Comment   string       `json:"comment,omitempty"`
	DecidedAt time.Time    `json:"decidedAt"`
}

// Transfer records a reassignment of a pending decision within a step.
type Transfer struct {
	FromActor     string    `json:"fromActor"`
	ToActor       string    `json:"toActor"`
	Reason        string    `json:"reason"`
	TransferredAt time.Time `json:"transferredAt"`
}

// StepExecution is one attempted step within an instance. AssignedActors is
// the snapshot resolved from the step spec when the step became active; later
// role changes do not retroactively alter it.
type StepExecution struct {
	ID             string     `json:"id"`
	InstanceID     string     `json:"instanceId"`
	StepIndex      int        `json:"stepIndex"`
	AssignedActors []string   `json:"assignedActors"`
	Decisions      []Decision `json:"decisions,omitempty"`
	Transfers      []Transfer `json:"transfers,omitempty"`
	Status         StepStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// DecisionBy returns the decision recorded by actor, or nil.
func (s *StepExecution) DecisionBy(actor string) *Decision {
	for i := range s.Decisions {
		if s.Decisions[i].Actor == actor {
			return &s.Decisions[i]
		}
	}
	return nil
}

// IsAssigned reports whether actor is currently assigned to the step
// (transfers already applied to AssignedActors).
func (s *StepExecution) IsAssigned(actor string) bool {
	for _, a := range s.AssignedActors {
		if a == actor {
			return true
		}
	}
	return false
}

// UnresolvedActors returns assigned actors that have not yet decided.
func (s *StepExecution) UnresolvedActors() []string {
	var out []string
	for _, a := range s.AssignedActors {
		if s.DecisionBy(a) == nil {
			out = append(out, a)
		}
	}
	return out
}

// ApprovalCount returns the number of approve decisions on the step.
func (s *StepExecution) ApprovalCount() int {
	n := 0
	for _, d := range s.Decisions {
		if d.Kind == DecisionApprove {
			n++
		}
	}
	return n
}

// AuditEntry is one immutable record in the audit log. Entries are never
// updated or removed; ordering per instance is (OccurredAt, Seq).
type AuditEntry struct {
	ID         string      `json:"id"`
	Seq        int64       `json:"seq"`
	InstanceID string      `json:"instanceId"`
	DocumentID string      `json:"documentId"`
	StepIndex  *int        `json:"stepIndex,omitempty"`
	Action     AuditAction `json:"action"`
	Actor      string      `json:"actor"`
	Comment    string      `json:"comment,omitempty"`
	OccurredAt time.Time   `json:"occurredAt"`
}

// Transition is the atomic unit a decision produces: the updated instance and
// step, an optional newly activated next step, and exactly one audit entry.
// Stores must commit the whole transition or none of it.
type Transition struct {
	Instance *WorkflowInstance
	Step     *StepExecution
	NextStep *StepExecution
	Audit    *AuditEntry
}
