package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/logger"
	"github.com/docuflow/be-doc-approvals/internal/repository"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *repository.MemoryStore) {
	t.Helper()
	mem := repository.NewMemoryStore()
	engine := NewTransitionEngine(&StaticApproverResolver{})
	o := NewOrchestrator(mem, mem, mem, engine, nil, logger.Nop())
	return o, mem
}

func registerT1(t *testing.T, o *Orchestrator) *repository.WorkflowTemplate {
	t.Helper()
	tpl, err := o.RegisterTemplate(context.Background(), &repository.WorkflowTemplate{
		Code: "T1",
		Name: "Two step review",
		Steps: []repository.StepSpec{
			{Index: 0, Approvers: []string{"alice"}},
			{Index: 1, Approvers: []string{"bob", "carol"}, Parallel: true, RequiredApprovals: 2},
		},
	})
	require.NoError(t, err)
	return tpl
}

// Full approval run over T1, the concrete scenario from the service contract:
// alice approves step 0, then bob and carol both approve step 1.
func TestFullApprovalRun(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.Equal(t, 0, inst.CurrentStepIndex)

	inst, err = o.Act(ctx, inst.ID, 0, "alice", repository.DecisionApprove, "ok")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, inst.Status)
	assert.Equal(t, 1, inst.CurrentStepIndex)

	step, err := o.GetCurrentStep(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepPending, step.Status)
	assert.ElementsMatch(t, []string{"bob", "carol"}, step.UnresolvedActors())

	inst, err = o.Act(ctx, inst.ID, 1, "bob", repository.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, inst.Status)

	inst, err = o.Act(ctx, inst.ID, 1, "carol", repository.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, inst.Status)

	// Every step execution ended satisfied.
	for i := 0; i < 2; i++ {
		step, err := o.instances.GetStep(ctx, inst.ID, i)
		require.NoError(t, err)
		assert.Equal(t, repository.StepSatisfied, step.Status, "step %d", i)
	}

	// One audit entry per state-changing call: start + three approvals.
	history, err := o.GetAuditTrail(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, repository.ActionStart, history[0].Action)
}

func TestRejectTerminatesImmediately(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	inst, err = o.Act(ctx, inst.ID, 0, "alice", repository.DecisionReject, "missing appendix")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRejected, inst.Status)

	_, err = o.Act(ctx, inst.ID, 0, "bob", repository.DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))
}

func TestStartUnknownTemplate(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.Start(context.Background(), "doc-1", "NOPE", "dave")
	require.Error(t, err)
	assert.Equal(t, errors.KindUnknownTemplate, errors.KindOf(err))
}

func TestStartSecondInstanceConflicts(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	_, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	_, err = o.Start(ctx, "doc-7", "T1", "erin")
	require.Error(t, err)
	assert.Equal(t, errors.KindAlreadyRunning, errors.KindOf(err))

	// A different document is unaffected.
	_, err = o.Start(ctx, "doc-8", "T1", "erin")
	require.NoError(t, err)
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Start(context.Background(), "doc-race", "T1", "dave")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok, conflicts := 0, 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			require.Equal(t, errors.KindAlreadyRunning, errors.KindOf(err))
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, conflicts)
}

func TestConcurrentActSingleWinner(t *testing.T) {
	o, err := func() (*Orchestrator, error) {
		o, _ := newTestOrchestrator(t)
		// One sequential step with two assigned actors: the first approval
		// satisfies the step and terminates the workflow.
		_, err := o.RegisterTemplate(context.Background(), &repository.WorkflowTemplate{
			Code:  "SINGLE",
			Name:  "Single step",
			Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"alice", "bob"}}},
		})
		return o, err
	}()
	require.NoError(t, err)

	inst, err := o.Start(context.Background(), "doc-1", "SINGLE", "dave")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for _, actor := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(actor string) {
			defer wg.Done()
			_, err := o.Act(context.Background(), inst.ID, 0, actor, repository.DecisionApprove, "")
			results <- err
		}(actor)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))
		}
	}
	assert.Equal(t, 1, ok, "exactly one concurrent approval must win")

	final, err := o.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceApproved, final.Status)
}

func TestWithdrawLifecycle(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	t.Run("only the initiator may withdraw", func(t *testing.T) {
		_, err := o.Withdraw(ctx, inst.ID, "alice", "not mine")
		require.Error(t, err)
		assert.Equal(t, errors.KindNotAuthorized, errors.KindOf(err))
	})

	withdrawn, err := o.Withdraw(ctx, inst.ID, "dave", "superseded")
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceWithdrawn, withdrawn.Status)

	step, err := o.instances.GetStep(ctx, inst.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, repository.StepFailed, step.Status)

	t.Run("terminal instance rejects all further actions", func(t *testing.T) {
		_, err := o.Act(ctx, inst.ID, 0, "alice", repository.DecisionApprove, "")
		assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))

		_, err = o.Transfer(ctx, inst.ID, "alice", "erin", "")
		assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))

		err = o.Urge(ctx, inst.ID, "dave")
		assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))

		_, err = o.Withdraw(ctx, inst.ID, "dave", "again")
		assert.Equal(t, errors.KindInstanceNotRunning, errors.KindOf(err))
	})

	t.Run("a new instance may start after withdrawal", func(t *testing.T) {
		_, err := o.Start(ctx, "doc-7", "T1", "dave")
		require.NoError(t, err)
	})
}

func TestTransferThenAct(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	_, err = o.Transfer(ctx, inst.ID, "alice", "erin", "alice on leave")
	require.NoError(t, err)

	// The original assignee lost the step.
	_, err = o.Act(ctx, inst.ID, 0, "alice", repository.DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotAuthorized, errors.KindOf(err))

	// The transfer target can act.
	advanced, err := o.Act(ctx, inst.ID, 0, "erin", repository.DecisionApprove, "")
	require.NoError(t, err)
	assert.Equal(t, 1, advanced.CurrentStepIndex)

	// Transfer from an actor with no pending decision fails.
	_, err = o.Transfer(ctx, inst.ID, "alice", "frank", "")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotAssigned, errors.KindOf(err))
}

func TestUrgeChangesNothing(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	before, err := o.GetAuditTrail(ctx, inst.ID)
	require.NoError(t, err)

	require.NoError(t, o.Urge(ctx, inst.ID, "dave"))

	after, err := o.GetAuditTrail(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before)+1)
	assert.Equal(t, repository.ActionUrge, after[len(after)-1].Action)

	current, err := o.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.InstanceRunning, current.Status)
	assert.Equal(t, 0, current.CurrentStepIndex)
}

func TestActStaleStepIndex(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	_, err = o.Act(ctx, inst.ID, 1, "alice", repository.DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindStepNotActive, errors.KindOf(err))
}

func TestActUnknownInstance(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	_, err := o.Act(context.Background(), "no-such-id", 0, "alice", repository.DecisionApprove, "")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestGetPendingForActor(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	inst, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	pending, err := o.GetPendingForActor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, inst.ID, pending[0].ID)

	pending, err = o.GetPendingForActor(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = o.Act(ctx, inst.ID, 0, "alice", repository.DecisionApprove, "")
	require.NoError(t, err)

	pending, err = o.GetPendingForActor(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = o.GetPendingForActor(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestGetHistory(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	registerT1(t, o)
	ctx := context.Background()

	first, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)
	_, err = o.Withdraw(ctx, first.ID, "dave", "redo")
	require.NoError(t, err)

	second, err := o.Start(ctx, "doc-7", "T1", "dave")
	require.NoError(t, err)

	history, err := o.GetHistory(ctx, "doc-7")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, second.ID, history[1].ID)
}

func TestRegisterTemplateValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	tests := []struct {
		name string
		tpl  *repository.WorkflowTemplate
	}{
		{"no steps", &repository.WorkflowTemplate{Code: "X"}},
		{"missing code", &repository.WorkflowTemplate{
			Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"a"}}},
		}},
		{"non-contiguous indexes", &repository.WorkflowTemplate{
			Code: "X",
			Steps: []repository.StepSpec{
				{Index: 0, Approvers: []string{"a"}},
				{Index: 2, Approvers: []string{"b"}},
			},
		}},
		{"step without approvers or role", &repository.WorkflowTemplate{
			Code:  "X",
			Steps: []repository.StepSpec{{Index: 0}},
		}},
		{"parallel step without quorum", &repository.WorkflowTemplate{
			Code:  "X",
			Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"a", "b"}, Parallel: true}},
		}},
		{"quorum above approver count", &repository.WorkflowTemplate{
			Code:  "X",
			Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"a"}, Parallel: true, RequiredApprovals: 2}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.RegisterTemplate(ctx, tt.tpl)
			require.Error(t, err)
			assert.Equal(t, errors.KindInvalidInput, errors.KindOf(err))
		})
	}

	t.Run("duplicate code", func(t *testing.T) {
		registerT1(t, o)
		_, err := o.RegisterTemplate(ctx, &repository.WorkflowTemplate{
			Code:  "T1",
			Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"a"}}},
		})
		require.Error(t, err)
		assert.Equal(t, errors.KindTemplateExists, errors.KindOf(err))
	})
}

func TestListTemplatesByDocumentType(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	ctx := context.Background()

	_, err := o.RegisterTemplate(ctx, &repository.WorkflowTemplate{
		Code:          "POLICY",
		DocumentTypes: []string{"policy"},
		Steps:         []repository.StepSpec{{Index: 0, Approvers: []string{"a"}}},
	})
	require.NoError(t, err)
	_, err = o.RegisterTemplate(ctx, &repository.WorkflowTemplate{
		Code:  "ANY",
		Steps: []repository.StepSpec{{Index: 0, Approvers: []string{"a"}}},
	})
	require.NoError(t, err)

	matched, err := o.ListTemplatesByDocumentType(ctx, "policy")
	require.NoError(t, err)
	require.Len(t, matched, 2)

	matched, err = o.ListTemplatesByDocumentType(ctx, "contract")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "ANY", matched[0].Code)
}
