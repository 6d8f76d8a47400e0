package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// twoStepTemplate is the reference template: step 0 sequential (alice),
// step 1 parallel (bob+carol, both required).
func twoStepTemplate() *repository.WorkflowTemplate {
	return &repository.WorkflowTemplate{
		ID:   "tpl-1",
		Code: "T1",
		Name: "Two step review",
		Steps: []repository.StepSpec{
			{Index: 0, Approvers: []string{"alice"}},
			{Index: 1, Approvers: []string{"bob", "carol"}, Parallel: true, RequiredApprovals: 2},
		},
	}
}

func singleStepTemplate() *repository.WorkflowTemplate {
	return &repository.WorkflowTemplate{
		ID:   "tpl-2",
		Code: "T2",
		Name: "Single approver",
		Steps: []repository.StepSpec{
			{Index: 0, Approvers: []string{"alice"}},
		},
	}
}

func newTestEngine() *TransitionEngine {
	return NewTransitionEngine(&StaticApproverResolver{})
}

func TestNewInstance(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()

	inst, step, entry, ev, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStepIndex)
	assert.Equal(t, "doc-7", inst.DocumentID)
	assert.Equal(t, "dave", inst.Initiator)

	assert.Equal(t, repository.StepPending, step.Status)
	assert.Equal(t, []string{"alice"}, step.AssignedActors)
	assert.Equal(t, inst.ID, step.InstanceID)

	assert.Equal(t, repository.ActionStart, entry.Action)
	assert.Equal(t, "dave", entry.Actor)
	require.NotNil(t, entry.StepIndex)
	assert.Equal(t, 0, *entry.StepIndex)

	assert.Equal(t, EventStepAssigned, ev.Type)
	assert.Equal(t, []string{"alice"}, ev.Actors)
}

func TestNewInstanceRoleResolution(t *testing.T) {
	resolver := &StaticApproverResolver{Roles: map[string][]string{
		"finance_manager": {"erin", "frank"},
	}}
	engine := NewTransitionEngine(resolver)
	tpl := &repository.WorkflowTemplate{
		ID:   "tpl-3",
		Code: "T3",
		Steps: []repository.StepSpec{
			{Index: 0, Role: "finance_manager"},
		},
	}

	_, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-1", "dave")
	require.NoError(t, err)
	assert.Equal(t, []string{"erin", "frank"}, step.AssignedActors)
}

func TestNewInstanceUnresolvableRole(t *testing.T) {
	engine := newTestEngine()
	tpl := &repository.WorkflowTemplate{
		ID:   "tpl-4",
		Code: "T4",
		Steps: []repository.StepSpec{
			{Index: 0, Role: "nobody_has_this"},
		},
	}

	_, _, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-1", "dave")
	require.Error(t, err)
	assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
}

func TestDecideSequentialApproveAdvances(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, events, err := engine.Decide(context.Background(), tpl, inst, step, "alice", repository.DecisionApprove, "lgtm")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceRunning, tr.Instance.Status)
	assert.Equal(t, 1, tr.Instance.CurrentStepIndex)
	assert.Equal(t, repository.StepSatisfied, tr.Step.Status)

	require.NotNil(t, tr.NextStep)
	assert.Equal(t, 1, tr.NextStep.StepIndex)
	assert.Equal(t, repository.StepPending, tr.NextStep.Status)
	assert.ElementsMatch(t, []string{"bob", "carol"}, tr.NextStep.AssignedActors)

	assert.Equal(t, repository.ActionApprove, tr.Audit.Action)
	require.Len(t, events, 1)
	assert.Equal(t, EventStepAssigned, events[0].Type)
	assert.Equal(t, 1, events[0].StepIndex)

	// The recorded decision carries the actor and comment.
	d := tr.Step.DecisionBy("alice")
	require.NotNil(t, d)
	assert.Equal(t, repository.DecisionApprove, d.Kind)
	assert.Equal(t, "lgtm", d.Comment)
}

func TestDecideLastStepApproves(t *testing.T) {
	engine := newTestEngine()
	tpl := singleStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-1", "dave")
	require.NoError(t, err)

	tr, events, err := engine.Decide(context.Background(), tpl, inst, step, "alice", repository.DecisionApprove, "")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceApproved, tr.Instance.Status)
	assert.NotNil(t, tr.Instance.CompletedAt)
	assert.Equal(t, repository.StepSatisfied, tr.Step.Status)
	assert.Nil(t, tr.NextStep)
	assert.Empty(t, events)
}

func TestDecideRejectFailsImmediately(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, events, err := engine.Decide(context.Background(), tpl, inst, step, "alice", repository.DecisionReject, "needs work")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceRejected, tr.Instance.Status)
	assert.NotNil(t, tr.Instance.CompletedAt)
	assert.Equal(t, repository.StepFailed, tr.Step.Status)
	assert.Nil(t, tr.NextStep)
	assert.Equal(t, repository.ActionReject, tr.Audit.Action)
	assert.Empty(t, events)
}

func TestDecideParallelQuorum(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step0, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, _, err := engine.Decide(context.Background(), tpl, inst, step0, "alice", repository.DecisionApprove, "")
	require.NoError(t, err)
	inst, step1 := tr.Instance, tr.NextStep

	// First of two required approvals: step stays pending, instance unchanged.
	tr, events, err := engine.Decide(context.Background(), tpl, inst, step1, "bob", repository.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, tr.Instance.Status)
	assert.Equal(t, 1, tr.Instance.CurrentStepIndex)
	assert.Equal(t, repository.StepPending, tr.Step.Status)
	assert.Empty(t, events)

	// Second approval reaches the quorum and completes the workflow.
	tr, _, err = engine.Decide(context.Background(), tpl, tr.Instance, tr.Step, "carol", repository.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, tr.Instance.Status)
	assert.Equal(t, repository.StepSatisfied, tr.Step.Status)
}

func TestDecideParallelRejectFails(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step0, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, _, err := engine.Decide(context.Background(), tpl, inst, step0, "alice", repository.DecisionApprove, "")
	require.NoError(t, err)

	tr, _, err = engine.Decide(context.Background(), tpl, tr.Instance, tr.NextStep, "carol", repository.DecisionReject, "no")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, tr.Instance.Status)
	assert.Equal(t, repository.StepFailed, tr.Step.Status)
}

func TestDecideValidation(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	ctx := context.Background()
	inst, step, _, _, err := engine.NewInstance(ctx, tpl, "doc-7", "dave")
	require.NoError(t, err)

	t.Run("actor not assigned", func(t *testing.T) {
		_, _, err := engine.Decide(ctx, tpl, inst, step, "mallory", repository.DecisionApprove, "")
		require.Error(t, err)
		assert.Equal(t, errors.KindNotAuthorized, errors.KindOf(err))
	})

	t.Run("terminal instance", func(t *testing.T) {
		done := *inst
		done.Status = repository.InstanceApproved
		_, _, err := engine.Decide(ctx, tpl, &done, step, "alice", repository.DecisionApprove, "")
		require.Error(t, err)
		assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))
	})

	t.Run("duplicate decision", func(t *testing.T) {
		decided := cloneStep(step)
		decided.Decisions = append(decided.Decisions, repository.Decision{Actor: "alice", Kind: repository.DecisionApprove})
		_, _, err := engine.Decide(ctx, tpl, inst, decided, "alice", repository.DecisionApprove, "")
		require.Error(t, err)
		assert.Equal(t, errors.KindAlreadyDecided, errors.KindOf(err))
	})

	t.Run("invalid action", func(t *testing.T) {
		_, _, err := engine.Decide(ctx, tpl, inst, step, "alice", repository.DecisionKind("defer"), "")
		require.Error(t, err)
		assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
	})
}

func TestWithdraw(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, err := engine.Withdraw(inst, step, "dave", "no longer needed")
	require.NoError(t, err)

	assert.Equal(t, repository.InstanceWithdrawn, tr.Instance.Status)
	assert.NotNil(t, tr.Instance.CompletedAt)
	assert.Equal(t, repository.StepFailed, tr.Step.Status)
	assert.Equal(t, repository.ActionWithdraw, tr.Audit.Action)
	assert.Nil(t, tr.Audit.StepIndex)
}

func TestTransfer(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, events, err := engine.Transfer(inst, step, "alice", "erin", "on leave")
	require.NoError(t, err)

	assert.Equal(t, []string{"erin"}, tr.Step.AssignedActors)
	require.Len(t, tr.Step.Transfers, 1)
	assert.Equal(t, "alice", tr.Step.Transfers[0].FromActor)
	assert.Equal(t, "erin", tr.Step.Transfers[0].ToActor)
	assert.Equal(t, repository.ActionTransfer, tr.Audit.Action)

	// The step index never changes on transfer.
	assert.Equal(t, inst.CurrentStepIndex, tr.Instance.CurrentStepIndex)
	assert.Equal(t, repository.InstanceRunning, tr.Instance.Status)

	require.Len(t, events, 1)
	assert.Equal(t, []string{"erin"}, events[0].Actors)
}

func TestTransferNotAssigned(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	_, _, err = engine.Transfer(inst, step, "mallory", "erin", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotAssigned, errors.KindOf(err))

	// An actor that already decided has no pending decision left to transfer.
	decided := cloneStep(step)
	decided.Decisions = append(decided.Decisions, repository.Decision{Actor: "alice", Kind: repository.DecisionApprove})
	_, _, err = engine.Transfer(inst, decided, "alice", "erin", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotAssigned, errors.KindOf(err))
}

func TestUrge(t *testing.T) {
	engine := newTestEngine()
	tpl := twoStepTemplate()
	inst, step0, _, _, err := engine.NewInstance(context.Background(), tpl, "doc-7", "dave")
	require.NoError(t, err)

	tr, _, err := engine.Decide(context.Background(), tpl, inst, step0, "alice", repository.DecisionApprove, "")
	require.NoError(t, err)
	inst, step1 := tr.Instance, tr.NextStep

	// Bob decides; only carol remains unresolved.
	tr, _, err = engine.Decide(context.Background(), tpl, inst, step1, "bob", repository.DecisionApprove, "")
	require.NoError(t, err)

	entry, ev, err := engine.Urge(tr.Instance, tr.Step, "dave")
	require.NoError(t, err)

	assert.Equal(t, repository.ActionUrge, entry.Action)
	assert.Equal(t, EventUrge, ev.Type)
	assert.Equal(t, []string{"carol"}, ev.Actors)
}
