package core

import (
	"context"
	"fmt"
	"sort"

	"scanqa/internal/access"
	"scanqa/pkg/domain"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
// knownModels lists the evaluation model names projects may map scan types
// to; an empty list selects domain.KnownEvaluationModels.
func NewDefaultRulesEngine(knownModels []string) *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewFramePathUniqueRule())
	engine.Register(NewLockOwnerCapabilityRule())
	engine.Register(NewEvaluationModelRule(knownModels))
	return engine
}

// NewFramePathUniqueRule blocks commits leaving two frames on one raw path.
func NewFramePathUniqueRule() domain.Rule {
	return framePathUniqueRule{}
}

type framePathUniqueRule struct{}

func (framePathUniqueRule) Name() string { return "frame_path_unique" }

func (r framePathUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !domain.Changed(changes, domain.EntityFrame) {
		return res, nil
	}
	byPath := make(map[string][]string)
	for _, frame := range view.ListAllFrames() {
		if frame.RawPath == "" {
			continue
		}
		byPath[frame.RawPath] = append(byPath[frame.RawPath], frame.ID)
	}
	paths := make([]string, 0, len(byPath))
	for path, ids := range byPath {
		if len(ids) > 1 {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	for _, path := range paths {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     r.Name(),
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("frame path %s is used by %d frames", path, len(byPath[path])),
			Entity:   domain.EntityFrame,
			EntityID: byPath[path][0],
		})
	}
	return res, nil
}

// NewLockOwnerCapabilityRule blocks locks held by users who cannot review the
// experiment's project.
func NewLockOwnerCapabilityRule() domain.Rule {
	return lockOwnerCapabilityRule{}
}

type lockOwnerCapabilityRule struct{}

func (lockOwnerCapabilityRule) Name() string { return "lock_owner_capability" }

func (r lockOwnerCapabilityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if !domain.Changed(changes, domain.EntityExperiment) && !domain.Changed(changes, domain.EntityMembership) {
		return res, nil
	}
	for _, project := range view.ListProjects() {
		for _, exp := range view.ListExperiments(project.ID) {
			if !exp.Locked() || access.CanReview(view, project.ID, *exp.LockOwner) {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("experiment %s is locked by %s who cannot review project %s", exp.Name, *exp.LockOwner, project.Name),
				Entity:   domain.EntityExperiment,
				EntityID: exp.ID,
			})
		}
	}
	return res, nil
}

// NewEvaluationModelRule blocks projects whose scan-type to model mapping
// names an unknown scan type or model.
func NewEvaluationModelRule(knownModels []string) domain.Rule {
	if len(knownModels) == 0 {
		knownModels = domain.KnownEvaluationModels
	}
	return evaluationModelRule{known: append([]string(nil), knownModels...)}
}

type evaluationModelRule struct {
	known []string
}

func (evaluationModelRule) Name() string { return "evaluation_models" }

func (r evaluationModelRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		if change.Entity != domain.EntityProject || change.Action == domain.ActionDelete {
			continue
		}
		project, ok := change.After.(domain.Project)
		if !ok {
			continue
		}
		if err := project.Validate(r.known); err != nil {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     r.Name(),
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("project %s: %v", project.Name, err),
				Entity:   domain.EntityProject,
				EntityID: project.ID,
			})
		}
	}
	return res, nil
}
