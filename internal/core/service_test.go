package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scanerrors "scanqa/internal/errors"
	"scanqa/internal/infra/persistence/memory"
	"scanqa/internal/logging"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

type env struct {
	store   *memory.Store
	svc     *Service
	project domain.Project
	exp     domain.Experiment
	alice   domain.User
	bob     domain.User
}

func newEnv(t *testing.T, opts ...ServiceOption) env {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine(nil))
	opts = append([]ServiceOption{WithLogger(logging.Discard())}, opts...)
	e := env{store: store, svc: NewService(store, opts...)}
	ctx := context.Background()
	var err error
	e.project, err = e.svc.CreateProject(ctx, domain.Project{Name: "study"})
	require.NoError(t, err)
	e.alice, err = e.svc.CreateUser(ctx, domain.User{Username: "alice", Email: "alice@example.org"})
	require.NoError(t, err)
	e.bob, err = e.svc.CreateUser(ctx, domain.User{Username: "bob", Email: "bob@example.org"})
	require.NoError(t, err)
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		e.exp, err = tx.CreateExperiment(domain.Experiment{Name: "exp", ProjectID: e.project.ID})
		return err
	})
	require.NoError(t, err)
	return e
}

func (e env) lock(t *testing.T, userID string) {
	t.Helper()
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, err := tx.UpdateExperiment(e.exp.ID, func(x *domain.Experiment) error {
			x.LockOwner = &userID
			return nil
		})
		return err
	})
	require.NoError(t, err)
}

func (e env) lockOwner(t *testing.T) *string {
	t.Helper()
	var owner *string
	require.NoError(t, e.store.View(context.Background(), func(v domain.TransactionView) error {
		exp, _ := v.FindExperiment(e.exp.ID)
		owner = exp.LockOwner
		return nil
	}))
	return owner
}

func TestCreateProjectValidatesAndRejectsDuplicates(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	assert.Equal(t, domain.OrientationLPS, e.project.AnatomyOrientation)
	assert.NotEmpty(t, e.project.EvaluationModels)

	_, err := e.svc.CreateProject(ctx, domain.Project{Name: "study"})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryConflict))

	_, err = e.svc.CreateProject(ctx, domain.Project{Name: "bad", EvaluationModels: map[domain.ScanType]string{domain.ScanT1: "nope"}})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))

	_, err = e.svc.UpdateProject(ctx, e.project.ID, func(p *domain.Project) error {
		p.EvaluationModels = map[domain.ScanType]string{"bogus": domain.DefaultEvaluationModel}
		return nil
	})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))

	archived, err := e.svc.SetProjectArchived(ctx, e.project.ID, true)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = e.svc.GetProject(ctx, "missing")
	assert.True(t, scanerrors.IsNotFound(err))
}

func TestCreateUserConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.svc.CreateUser(ctx, domain.User{Username: "alice"})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryConflict))
	_, err = e.svc.CreateUser(ctx, domain.User{Username: "other", Email: "bob@example.org"})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryConflict))
	_, err = e.svc.CreateUser(ctx, domain.User{Username: " "})
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))
}

func TestUpdateGroupReplacesMembersAndClearsLocks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	update, err := e.svc.UpdateGroup(ctx, e.project.ID, domain.GroupTier1, []string{"alice", "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, update.Added)
	assert.Empty(t, update.Removed)

	e.lock(t, e.alice.ID)

	update, err = e.svc.UpdateGroup(ctx, e.project.ID, domain.GroupTier1, []string{"bob"})
	require.NoError(t, err)
	assert.Empty(t, update.Added)
	assert.Equal(t, []string{"alice"}, update.Removed)
	assert.Equal(t, 1, update.LocksCleared)
	assert.Nil(t, e.lockOwner(t))

	_, err = e.svc.UpdateGroup(ctx, e.project.ID, domain.GroupTier1, []string{"nobody"})
	assert.True(t, scanerrors.IsNotFound(err))
	_, err = e.svc.UpdateGroup(ctx, e.project.ID, "admins", nil)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))
}

func TestRevokeKeepsLockWhileAnotherReviewerGroupRemains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.Grant(ctx, e.project.ID, e.alice.ID, domain.GroupTier1))
	require.NoError(t, e.svc.Grant(ctx, e.project.ID, e.alice.ID, domain.GroupTier2))
	e.lock(t, e.alice.ID)

	cleared, err := e.svc.Revoke(ctx, e.project.ID, e.alice.ID, domain.GroupTier2)
	require.NoError(t, err)
	assert.Zero(t, cleared)
	require.NotNil(t, e.lockOwner(t))

	role, err := e.svc.UserRole(ctx, e.project.ID, e.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.GroupTier1, role)

	cleared, err = e.svc.Revoke(ctx, e.project.ID, e.alice.ID, domain.GroupTier1)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.Nil(t, e.lockOwner(t))

	_, err = e.svc.UserRole(ctx, e.project.ID, e.alice.ID)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryForbidden))
}

func TestLockOwnerRuleBlocksUnqualifiedLock(t *testing.T) {
	e := newEnv(t)
	_, err := e.store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		owner := e.bob.ID
		_, err := tx.UpdateExperiment(e.exp.ID, func(x *domain.Experiment) error {
			x.LockOwner = &owner
			return nil
		})
		return err
	})
	var violation domain.RuleViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "lock_owner_capability", violation.Result.Violations[0].Rule)
}

func TestProjectStatusCountsTier2AndUsableDecisions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.Grant(ctx, e.project.ID, e.alice.ID, domain.GroupTier1))
	require.NoError(t, e.svc.Grant(ctx, e.project.ID, e.bob.ID, domain.GroupTier2))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(minutes int) *time.Time {
		ts := base.Add(time.Duration(minutes) * time.Minute)
		return &ts
	}
	_, err := e.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		scans := make([]domain.Scan, 4)
		for i := range scans {
			var err error
			scans[i], err = tx.CreateScan(domain.Scan{Name: string(rune('a' + i)), Type: domain.ScanT1, ExperimentID: e.exp.ID})
			if err != nil {
				return err
			}
		}
		decisions := []domain.ScanDecision{
			{ScanID: scans[0].ID, Decision: domain.DecisionUnusable, CreatorID: &e.bob.ID, Created: at(1)},
			{ScanID: scans[1].ID, Decision: domain.DecisionUsable, CreatorID: &e.alice.ID, Created: at(1)},
			{ScanID: scans[2].ID, Decision: domain.DecisionUnusable, CreatorID: &e.bob.ID, Created: at(1)},
			{ScanID: scans[2].ID, Decision: domain.DecisionQuestionable, CreatorID: &e.alice.ID, Created: at(2)},
		}
		for _, d := range decisions {
			if _, err := tx.CreateDecision(d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	status, err := e.svc.ProjectStatus(ctx, e.project.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectStatus{TotalScans: 4, CompletedScans: 2}, status)
}

func TestSettingGroupLifecycleInvalidatesResolver(t *testing.T) {
	store := memory.NewStore(NewDefaultRulesEngine(nil))
	resolver := settings.NewResolver(store, 0, logging.Discard())
	svc := NewService(store, WithLogger(logging.Discard()), WithSettingsResolver(resolver))
	ctx := context.Background()

	project, err := svc.CreateProject(ctx, domain.Project{Name: "study"})
	require.NoError(t, err)
	group, err := svc.CreateSettingGroup(ctx, domain.SettingGroup{Name: "art", Kind: domain.SettingArtifacts, Entries: []domain.SettingEntry{{Key: "motion"}}})
	require.NoError(t, err)

	_, err = svc.AttachSettingGroup(ctx, project.ID, domain.SettingFileModels, group.ID)
	assert.True(t, scanerrors.IsCategory(err, scanerrors.CategoryValidation))
	project, err = svc.AttachSettingGroup(ctx, project.ID, domain.SettingArtifacts, group.ID)
	require.NoError(t, err)

	names, err := resolver.Artifacts(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"motion"}, names)

	_, err = svc.ReplaceSettingEntries(ctx, group.ID, []domain.SettingEntry{{Key: "ghosting"}})
	require.NoError(t, err)
	names, err = resolver.Artifacts(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghosting"}, names)

	require.NoError(t, svc.DeleteSettingGroup(ctx, group.ID))
	project, err = svc.GetProject(ctx, project.ID)
	require.NoError(t, err)
	_, ok := project.SettingGroupID(domain.SettingArtifacts)
	assert.False(t, ok)
}

func TestGlobalSettingsSeedOnlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.SeedGlobalSettings(ctx, domain.GlobalSettings{ImportPath: "/in.json"}))
	require.NoError(t, e.svc.SeedGlobalSettings(ctx, domain.GlobalSettings{ImportPath: "/other.json"}))
	g, err := e.svc.GlobalSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/in.json", g.ImportPath)

	g, err = e.svc.ReplaceGlobalSettings(ctx, domain.GlobalSettings{ImportPath: "/b.csv", ExportPath: "/c.csv"})
	require.NoError(t, err)
	assert.Equal(t, "/c.csv", g.ExportPath)
}

func TestDeleteProjectCascades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.DeleteProject(ctx, e.project.ID))
	require.NoError(t, e.store.View(ctx, func(v domain.TransactionView) error {
		_, ok := v.FindExperiment(e.exp.ID)
		assert.False(t, ok)
		return nil
	}))
	assert.True(t, scanerrors.IsNotFound(e.svc.DeleteProject(ctx, e.project.ID)))
}
