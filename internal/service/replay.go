package service

import (
	"fmt"

	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// ReplayStatus reconstructs the final instance status from the audit trail
// alone. Because every transition writes its audit entry in the same atomic
// unit as the state mutation, replaying the entries from START must yield the
// same status the instance record carries; recovery tooling relies on this.
func ReplayStatus(tpl *repository.WorkflowTemplate, history []*repository.AuditEntry) (repository.InstanceStatus, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("empty audit history")
	}
	if history[0].Action != repository.ActionStart {
		return "", fmt.Errorf("audit history does not begin with a start entry")
	}

	stepIndex := 0
	approvals := 0

	for _, entry := range history[1:] {
		switch entry.Action {
		case repository.ActionStart:
			return "", fmt.Errorf("duplicate start entry in audit history")

		case repository.ActionReject:
			return repository.InstanceRejected, nil

		case repository.ActionWithdraw:
			return repository.InstanceWithdrawn, nil

		case repository.ActionApprove:
			if stepIndex >= len(tpl.Steps) {
				return "", fmt.Errorf("approve entry beyond final step %d", len(tpl.Steps)-1)
			}
			approvals++
			spec := tpl.Steps[stepIndex]
			required := 1
			if spec.Parallel {
				required = spec.RequiredApprovals
			}
			if approvals >= required {
				if stepIndex == len(tpl.Steps)-1 {
					return repository.InstanceApproved, nil
				}
				stepIndex++
				approvals = 0
			}

		case repository.ActionTransfer, repository.ActionUrge:
			// Self-loops: no state change.

		default:
			return "", fmt.Errorf("unknown audit action %q", entry.Action)
		}
	}

	return repository.InstanceRunning, nil
}
