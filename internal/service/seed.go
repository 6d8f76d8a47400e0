package service

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/docuflow/be-doc-approvals/internal/errors"
	"github.com/docuflow/be-doc-approvals/internal/repository"
)

type seedFile struct {
	Templates []seedTemplate `yaml:"templates"`
}

type seedTemplate struct {
	Code          string     `yaml:"code"`
	Name          string     `yaml:"name"`
	DocumentTypes []string   `yaml:"documentTypes"`
	Steps         []seedStep `yaml:"steps"`
}

type seedStep struct {
	Index             int      `yaml:"index"`
	Approvers         []string `yaml:"approvers"`
	Role              string   `yaml:"role"`
	Parallel          bool     `yaml:"parallel"`
	RequiredApprovals int      `yaml:"requiredApprovals"`
}

// LoadTemplateSeed parses a YAML template seed file.
func LoadTemplateSeed(path string) ([]*repository.WorkflowTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse template seed file: %w", err)
	}

	templates := make([]*repository.WorkflowTemplate, 0, len(seed.Templates))
	for _, st := range seed.Templates {
		tpl := &repository.WorkflowTemplate{
			Code:          st.Code,
			Name:          st.Name,
			DocumentTypes: st.DocumentTypes,
		}
		for _, ss := range st.Steps {
			tpl.Steps = append(tpl.Steps, repository.StepSpec{
				Index:             ss.Index,
				Approvers:         ss.Approvers,
				Role:              ss.Role,
				Parallel:          ss.Parallel,
				RequiredApprovals: ss.RequiredApprovals,
			})
		}
		templates = append(templates, tpl)
	}
	return templates, nil
}

// SeedTemplates registers the templates from a seed file, skipping codes that
// are already registered so restarts are idempotent.
func (o *Orchestrator) SeedTemplates(ctx context.Context, path string) error {
	templates, err := LoadTemplateSeed(path)
	if err != nil {
		return err
	}

	for _, tpl := range templates {
		if _, err := o.RegisterTemplate(ctx, tpl); err != nil {
			if errors.IsKind(err, errors.KindTemplateExists) {
				o.log.Debug().Str("template_code", tpl.Code).Msg("Seed template already registered")
				continue
			}
			return err
		}
	}
	return nil
}
