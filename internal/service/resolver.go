package service

import (
	"context"

	"github.com/docuflow/be-doc-approvals/internal/repository"
)

// StaticApproverResolver resolves role references from a fixed role→actors
// table. Used when no identity service is configured, and by tests.
type StaticApproverResolver struct {
	Roles map[string][]string
}

// ResolveApprovers returns the actors holding the step's role. Unknown roles
// resolve to an empty set, which the engine rejects at activation.
func (r *StaticApproverResolver) ResolveApprovers(_ context.Context, spec repository.StepSpec) ([]string, error) {
	if r == nil || r.Roles == nil {
		return nil, nil
	}
	return append([]string(nil), r.Roles[spec.Role]...), nil
}
