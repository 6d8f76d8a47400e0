package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// TransitionEngine is the core state machine. Given an instance, its active
// step and a requested action it validates preconditions, computes the next
// state and emits the Transition the stores must commit atomically. It never
// touches storage itself; the orchestrator owns persistence and locking.
//
// State machine: start → RUNNING(0); RUNNING(i) --approve/step-satisfied-->
// RUNNING(i+1) or --approve/last-step--> APPROVED; RUNNING(i) --reject-->
// REJECTED; RUNNING(i) --withdraw--> WITHDRAWN. Transfer and urge are
// self-loops that do not change the step index.
type TransitionEngine struct {
	resolver ApproverResolver
	now      func() time.Time
}

// NewTransitionEngine creates an engine backed by the given approver resolver.
func NewTransitionEngine(resolver ApproverResolver) *TransitionEngine {
	return &TransitionEngine{resolver: resolver, now: time.Now}
}

// WithClock overrides the engine clock. Tests only.
func (e *TransitionEngine) WithClock(now func() time.Time) *TransitionEngine {
	e.now = now
	return e
}

// NewInstance builds a fresh running instance at step 0, the step 0 execution
// with its frozen approver snapshot, and the START audit entry.
func (e *TransitionEngine) NewInstance(
	ctx context.Context,
	tpl *repository.WorkflowTemplate,
	documentID, initiator string,
) (*repository.WorkflowInstance, *repository.StepExecution, *repository.AuditEntry, Event, error) {
	now := e.now()

	inst := &repository.WorkflowInstance{
		ID:               uuid.New().String(),
		DocumentID:       documentID,
		TemplateID:       tpl.ID,
		TemplateCode:     tpl.Code,
		Initiator:        initiator,
		Status:           repository.InstanceRunning,
		CurrentStepIndex: 0,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	step, err := e.activateStep(ctx, tpl, inst.ID, 0, now)
	if err != nil {
		return nil, nil, nil, Event{}, err
	}

	entry := e.auditEntry(inst, intPtr(0), repository.ActionStart, initiator, "", now)
	ev := Event{
		Type:       EventStepAssigned,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepIndex:  0,
		Actors:     step.AssignedActors,
	}
	return inst, step, entry, ev, nil
}

// Decide records an actor's approve/reject decision on the active step and
// computes the resulting transition. Every branch produces exactly one audit
// entry.
func (e *TransitionEngine) Decide(
	ctx context.Context,
	tpl *repository.WorkflowTemplate,
	inst *repository.WorkflowInstance,
	step *repository.StepExecution,
	actor string,
	kind repository.DecisionKind,
	comment string,
) (*repository.Transition, []Event, error) {
	if err := requireRunning(inst); err != nil {
		return nil, nil, err
	}
	if step.Status != repository.StepPending {
		return nil, nil, errors.New(errors.CodeConflict, errors.KindInstanceNotRunning,
			fmt.Sprintf("step %d is not pending", step.StepIndex))
	}
	if !step.IsAssigned(actor) {
		return nil, nil, errors.New(errors.CodeUnauthorized, errors.KindNotAuthorized,
			fmt.Sprintf("actor %s is not assigned to step %d", actor, step.StepIndex))
	}
	if step.DecisionBy(actor) != nil {
		return nil, nil, errors.New(errors.CodeConflict, errors.KindAlreadyDecided,
			fmt.Sprintf("actor %s already decided on step %d", actor, step.StepIndex))
	}
	if kind != repository.DecisionApprove && kind != repository.DecisionReject {
		return nil, nil, errors.InvalidInput("action", "must be APPROVE or REJECT")
	}

	now := e.now()
	newInst := *inst
	newStep := cloneStep(step)
	newInst.UpdatedAt = now
	newStep.UpdatedAt = now
	newStep.Decisions = append(newStep.Decisions, repository.Decision{
		Actor:     actor,
		Kind:      kind,
		Comment:   comment,
		DecidedAt: now,
	})

	spec := tpl.Steps[step.StepIndex]
	t := &repository.Transition{Instance: &newInst, Step: newStep}
	var events []Event

	switch {
	case kind == repository.DecisionReject:
		// Any reject fails the step outright, parallel or not.
		newStep.Status = repository.StepFailed
		newInst.Status = repository.InstanceRejected
		newInst.CompletedAt = &now
		t.Audit = e.auditEntry(&newInst, intPtr(step.StepIndex), repository.ActionReject, actor, comment, now)

	case stepSatisfied(&spec, newStep):
		newStep.Status = repository.StepSatisfied
		if step.StepIndex == len(tpl.Steps)-1 {
			newInst.Status = repository.InstanceApproved
			newInst.CompletedAt = &now
		} else {
			newInst.CurrentStepIndex = step.StepIndex + 1
			next, err := e.activateStep(ctx, tpl, inst.ID, newInst.CurrentStepIndex, now)
			if err != nil {
				return nil, nil, err
			}
			t.NextStep = next
			events = append(events, Event{
				Type:       EventStepAssigned,
				InstanceID: inst.ID,
				DocumentID: inst.DocumentID,
				StepIndex:  next.StepIndex,
				Actors:     next.AssignedActors,
			})
		}
		t.Audit = e.auditEntry(&newInst, intPtr(step.StepIndex), repository.ActionApprove, actor, comment, now)

	default:
		// Approval recorded but quorum not yet reached; the step stays pending.
		t.Audit = e.auditEntry(&newInst, intPtr(step.StepIndex), repository.ActionApprove, actor, comment, now)
	}

	return t, events, nil
}

// Withdraw terminates a running instance on behalf of its initiator. The
// active step is marked failed and no further transitions are possible.
func (e *TransitionEngine) Withdraw(
	inst *repository.WorkflowInstance,
	step *repository.StepExecution,
	actor, reason string,
) (*repository.Transition, error) {
	if err := requireRunning(inst); err != nil {
		return nil, err
	}

	now := e.now()
	newInst := *inst
	newStep := cloneStep(step)
	newInst.Status = repository.InstanceWithdrawn
	newInst.UpdatedAt = now
	newInst.CompletedAt = &now
	newStep.Status = repository.StepFailed
	newStep.UpdatedAt = now

	return &repository.Transition{
		Instance: &newInst,
		Step:     newStep,
		Audit:    e.auditEntry(&newInst, nil, repository.ActionWithdraw, actor, reason, now),
	}, nil
}

// Transfer reassigns fromActor's pending decision on the active step to
// toActor. The step index does not change.
func (e *TransitionEngine) Transfer(
	inst *repository.WorkflowInstance,
	step *repository.StepExecution,
	fromActor, toActor, reason string,
) (*repository.Transition, []Event, error) {
	if err := requireRunning(inst); err != nil {
		return nil, nil, err
	}
	if !step.IsAssigned(fromActor) || step.DecisionBy(fromActor) != nil {
		return nil, nil, errors.New(errors.CodeUnauthorized, errors.KindNotAssigned,
			fmt.Sprintf("actor %s has no pending decision on step %d", fromActor, step.StepIndex))
	}
	if toActor == "" || toActor == fromActor {
		return nil, nil, errors.InvalidInput("toUserId", "transfer target must be a different actor")
	}

	now := e.now()
	newInst := *inst
	newStep := cloneStep(step)
	newInst.UpdatedAt = now
	newStep.UpdatedAt = now

	actors := make([]string, 0, len(newStep.AssignedActors))
	for _, a := range newStep.AssignedActors {
		if a != fromActor {
			actors = append(actors, a)
		}
	}
	if !newStep.IsAssigned(toActor) {
		actors = append(actors, toActor)
	}
	newStep.AssignedActors = actors
	newStep.Transfers = append(newStep.Transfers, repository.Transfer{
		FromActor:     fromActor,
		ToActor:       toActor,
		Reason:        reason,
		TransferredAt: now,
	})

	t := &repository.Transition{
		Instance: &newInst,
		Step:     newStep,
		Audit:    e.auditEntry(&newInst, intPtr(step.StepIndex), repository.ActionTransfer, fromActor, reason, now),
	}
	events := []Event{{
		Type:       EventStepAssigned,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepIndex:  step.StepIndex,
		Actors:     []string{toActor},
	}}
	return t, events, nil
}

// Urge produces the URGE audit entry and a reminder event toward the active
// step's unresolved actors. It mutates no workflow state.
func (e *TransitionEngine) Urge(
	inst *repository.WorkflowInstance,
	step *repository.StepExecution,
	actor string,
) (*repository.AuditEntry, Event, error) {
	if err := requireRunning(inst); err != nil {
		return nil, Event{}, err
	}

	now := e.now()
	entry := e.auditEntry(inst, intPtr(step.StepIndex), repository.ActionUrge, actor, "", now)
	ev := Event{
		Type:       EventUrge,
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepIndex:  step.StepIndex,
		Actors:     step.UnresolvedActors(),
	}
	return entry, ev, nil
}

// activateStep resolves the approver rule for a step and freezes the result
// into a pending StepExecution.
func (e *TransitionEngine) activateStep(
	ctx context.Context,
	tpl *repository.WorkflowTemplate,
	instanceID string,
	stepIndex int,
	now time.Time,
) (*repository.StepExecution, error) {
	spec := tpl.Steps[stepIndex]

	actors := append([]string(nil), spec.Approvers...)
	if len(actors) == 0 {
		resolved, err := e.resolver.ResolveApprovers(ctx, spec)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeUnavailable,
				fmt.Sprintf("failed to resolve approvers for step %d", stepIndex))
		}
		actors = resolved
	}
	if len(actors) == 0 {
		return nil, errors.New(errors.CodeInvalidInput, errors.KindInvalidInput,
			fmt.Sprintf("no approvers resolved for step %d of template %s", stepIndex, tpl.Code))
	}

	return &repository.StepExecution{
		ID:             uuid.New().String(),
		InstanceID:     instanceID,
		StepIndex:      stepIndex,
		AssignedActors: actors,
		Status:         repository.StepPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (e *TransitionEngine) auditEntry(
	inst *repository.WorkflowInstance,
	stepIndex *int,
	action repository.AuditAction,
	actor, comment string,
	now time.Time,
) *repository.AuditEntry {
	return &repository.AuditEntry{
		ID:         uuid.New().String(),
		InstanceID: inst.ID,
		DocumentID: inst.DocumentID,
		StepIndex:  stepIndex,
		Action:     action,
		Actor:      actor,
		Comment:    comment,
		OccurredAt: now,
	}
}

// stepSatisfied reports whether the step has enough approvals. Sequential
// steps need one; parallel steps need the configured quorum.
func stepSatisfied(spec *repository.StepSpec, step *repository.StepExecution) bool {
	if !spec.Parallel {
		return step.ApprovalCount() >= 1
	}
	return step.ApprovalCount() >= spec.RequiredApprovals
}

func requireRunning(inst *repository.WorkflowInstance) error {
	if inst.Status.Terminal() {
		return errors.New(errors.CodeConflict, errors.KindInstanceNotRunning,
			fmt.Sprintf("instance %s is %s and accepts no further actions", inst.ID, inst.Status))
	}
	return nil
}

func cloneStep(step *repository.StepExecution) *repository.StepExecution {
	out := *step
	out.AssignedActors = append([]string(nil), step.AssignedActors...)
	out.Decisions = append([]repository.Decision(nil), step.Decisions...)
	out.Transfers = append([]repository.Transfer(nil), step.Transfers...)
	return &out
}

func intPtr(n int) *int {
	return &n
}
