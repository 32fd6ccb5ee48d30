// Package core exposes the transactional service facade over the entity
// store: project, user, permission group and setting group management, the
// commit-time rules and project status reporting.
package core

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"scanqa/internal/access"
	scanerrors "scanqa/internal/errors"
	"scanqa/internal/logging"
	"scanqa/internal/review"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

// Service exposes higher-level transactional operations for the review schema.
type Service struct {
	store       domain.PersistentStore
	logger      *slog.Logger
	metrics     MetricsRecorder
	clock       Clock
	knownModels []string
	settings    *settings.Resolver
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		logger:      logging.ForService("core"),
		metrics:     noopMetrics{},
		clock:       ClockFunc(func() time.Time { return time.Now().UTC() }),
		knownModels: append([]string(nil), domain.KnownEvaluationModels...),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying storage implementation.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// KnownModels returns the evaluation model names accepted by project
// validation.
func (s *Service) KnownModels() []string {
	return append([]string(nil), s.knownModels...)
}

func (s *Service) run(ctx context.Context, op string, fn func(domain.Transaction) error) (domain.Result, error) {
	start := s.clock.Now()
	res, err := s.store.RunInTransaction(ctx, fn)
	s.metrics.Observe(ctx, op, err == nil, s.clock.Now().Sub(start))
	if err != nil {
		var violation domain.RuleViolationError
		if scanerrors.As(err, &violation) {
			err = scanerrors.New(err).
				Component("core").
				Category(scanerrors.CategoryValidation).
				Context("operation", op).
				Build()
		}
		s.logger.Debug("service operation failed", "operation", op, "error", err)
		return res, err
	}
	return res, nil
}

func (s *Service) view(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}

// CreateProject persists a new project after validating its evaluation model
// mapping.
func (s *Service) CreateProject(ctx context.Context, project domain.Project) (domain.Project, error) {
	if err := project.Validate(s.knownModels); err != nil {
		return domain.Project{}, scanerrors.ValidationError(err.Error())
	}
	var created domain.Project
	_, err := s.run(ctx, "create_project", func(tx domain.Transaction) error {
		if _, exists := tx.FindProjectByName(project.Name); exists {
			return scanerrors.Conflict("project " + project.Name + " already exists")
		}
		var err error
		created, err = tx.CreateProject(project)
		return err
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.logger.Info("project created", "project_id", created.ID, "name", created.Name)
	return created, nil
}

// UpdateProject mutates a project; the result must still validate.
func (s *Service) UpdateProject(ctx context.Context, id string, mutator func(*domain.Project) error) (domain.Project, error) {
	var updated domain.Project
	_, err := s.run(ctx, "update_project", func(tx domain.Transaction) error {
		if _, ok := tx.FindProject(id); !ok {
			return scanerrors.NotFound("project", id)
		}
		var err error
		updated, err = tx.UpdateProject(id, func(p *domain.Project) error {
			if err := mutator(p); err != nil {
				return err
			}
			if err := p.Validate(s.knownModels); err != nil {
				return scanerrors.ValidationError(err.Error())
			}
			return nil
		})
		return err
	})
	return updated, err
}

// SetProjectArchived flips the archived flag.
func (s *Service) SetProjectArchived(ctx context.Context, id string, archived bool) (domain.Project, error) {
	return s.UpdateProject(ctx, id, func(p *domain.Project) error {
		p.Archived = archived
		return nil
	})
}

// DeleteProject removes the project and its whole subtree.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	_, err := s.run(ctx, "delete_project", func(tx domain.Transaction) error {
		if _, ok := tx.FindProject(id); !ok {
			return scanerrors.NotFound("project", id)
		}
		return tx.DeleteProject(id)
	})
	if err == nil {
		s.logger.Info("project deleted", "project_id", id)
	}
	return err
}

// GetProject returns a project by id.
func (s *Service) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var out domain.Project
	err := s.view(ctx, func(v domain.TransactionView) error {
		p, ok := v.FindProject(id)
		if !ok {
			return scanerrors.NotFound("project", id)
		}
		out = p
		return nil
	})
	return out, err
}

// ListProjects returns every project ordered by name.
func (s *Service) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var out []domain.Project
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.ListProjects()
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

// CreateUser adds a directory entry. Usernames and emails are unique.
func (s *Service) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	if strings.TrimSpace(user.Username) == "" {
		return domain.User{}, scanerrors.ValidationError("username is required")
	}
	var created domain.User
	_, err := s.run(ctx, "create_user", func(tx domain.Transaction) error {
		if _, exists := tx.FindUserByUsername(user.Username); exists {
			return scanerrors.Conflict("username " + user.Username + " is taken")
		}
		if user.Email != "" {
			if _, exists := tx.FindUserByEmail(user.Email); exists {
				return scanerrors.Conflict("email " + user.Email + " is taken")
			}
		}
		var err error
		created, err = tx.CreateUser(user)
		return err
	})
	return created, err
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (domain.User, error) {
	var out domain.User
	err := s.view(ctx, func(v domain.TransactionView) error {
		u, ok := v.FindUser(id)
		if !ok {
			return scanerrors.NotFound("user", id)
		}
		out = u
		return nil
	})
	return out, err
}

// CreateSettingGroup stores a new typed setting collection.
func (s *Service) CreateSettingGroup(ctx context.Context, group domain.SettingGroup) (domain.SettingGroup, error) {
	if !group.Kind.Valid() {
		return domain.SettingGroup{}, scanerrors.ValidationError("unknown setting group kind " + string(group.Kind))
	}
	var created domain.SettingGroup
	_, err := s.run(ctx, "create_setting_group", func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateSettingGroup(group)
		return err
	})
	return created, err
}

// ReplaceSettingEntries swaps the entries of a group and drops its cached
// resolution.
func (s *Service) ReplaceSettingEntries(ctx context.Context, groupID string, entries []domain.SettingEntry) (domain.SettingGroup, error) {
	var updated domain.SettingGroup
	_, err := s.run(ctx, "update_setting_group", func(tx domain.Transaction) error {
		if _, ok := tx.FindSettingGroup(groupID); !ok {
			return scanerrors.NotFound("setting group", groupID)
		}
		var err error
		updated, err = tx.UpdateSettingGroup(groupID, func(g *domain.SettingGroup) error {
			g.Entries = append([]domain.SettingEntry(nil), entries...)
			return nil
		})
		return err
	})
	if err == nil {
		s.invalidate(groupID)
	}
	return updated, err
}

// DeleteSettingGroup removes a group; projects referencing it lose the
// reference.
func (s *Service) DeleteSettingGroup(ctx context.Context, groupID string) error {
	_, err := s.run(ctx, "delete_setting_group", func(tx domain.Transaction) error {
		if _, ok := tx.FindSettingGroup(groupID); !ok {
			return scanerrors.NotFound("setting group", groupID)
		}
		return tx.DeleteSettingGroup(groupID)
	})
	if err == nil {
		s.invalidate(groupID)
	}
	return err
}

// AttachSettingGroup points the project's reference of kind at groupID. An
// empty groupID detaches.
func (s *Service) AttachSettingGroup(ctx context.Context, projectID string, kind domain.SettingGroupKind, groupID string) (domain.Project, error) {
	if !kind.Valid() {
		return domain.Project{}, scanerrors.ValidationError("unknown setting group kind " + string(kind))
	}
	var updated domain.Project
	_, err := s.run(ctx, "attach_setting_group", func(tx domain.Transaction) error {
		if _, ok := tx.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		if groupID != "" {
			group, ok := tx.FindSettingGroup(groupID)
			if !ok {
				return scanerrors.NotFound("setting group", groupID)
			}
			if group.Kind != kind {
				return scanerrors.ValidationError("setting group " + group.Name + " holds " + string(group.Kind) + ", not " + string(kind))
			}
		}
		var err error
		updated, err = tx.UpdateProject(projectID, func(p *domain.Project) error {
			p.SetSettingGroupID(kind, groupID)
			return nil
		})
		return err
	})
	return updated, err
}

func (s *Service) invalidate(groupID string) {
	if s.settings != nil {
		s.settings.Invalidate(groupID)
	}
}

// GroupUpdate summarizes a permission group replacement.
type GroupUpdate struct {
	Added        []string `json:"added"`
	Removed      []string `json:"removed"`
	LocksCleared int      `json:"locks_cleared"`
}

// UpdateGroup makes usernames the exact member list of group on the
// project. Users who lose their last reviewer group also lose every lock
// they hold in the project, in the same transaction.
func (s *Service) UpdateGroup(ctx context.Context, projectID string, group domain.PermissionGroup, usernames []string) (GroupUpdate, error) {
	if !group.Valid() {
		return GroupUpdate{}, scanerrors.ValidationError(string(group) + " is not a valid group on this project")
	}
	var out GroupUpdate
	_, err := s.run(ctx, "update_group", func(tx domain.Transaction) error {
		out = GroupUpdate{}
		if _, ok := tx.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		wanted := make(map[string]domain.User, len(usernames))
		for _, name := range usernames {
			user, ok := tx.FindUserByUsername(name)
			if !ok {
				return scanerrors.NotFound("user", name)
			}
			wanted[user.ID] = user
		}
		current := make(map[string]bool)
		for _, m := range tx.ListMemberships(projectID) {
			if m.Group != group {
				continue
			}
			current[m.UserID] = true
			if _, keep := wanted[m.UserID]; keep {
				continue
			}
			cleared, err := s.revoke(tx, m)
			if err != nil {
				return err
			}
			out.LocksCleared += cleared
			out.Removed = append(out.Removed, usernameOf(tx, m.UserID))
		}
		for id, user := range wanted {
			if current[id] {
				continue
			}
			if _, err := tx.CreateMembership(domain.Membership{ProjectID: projectID, UserID: id, Group: group}); err != nil {
				return err
			}
			out.Added = append(out.Added, user.Username)
		}
		sort.Strings(out.Added)
		sort.Strings(out.Removed)
		return nil
	})
	if err != nil {
		return GroupUpdate{}, err
	}
	s.logger.Info("permission group updated", "project_id", projectID, "group", string(group),
		"added", len(out.Added), "removed", len(out.Removed), "locks_cleared", out.LocksCleared)
	return out, nil
}

// Grant adds userID to group on the project.
func (s *Service) Grant(ctx context.Context, projectID, userID string, group domain.PermissionGroup) error {
	if !group.Valid() {
		return scanerrors.ValidationError(string(group) + " is not a valid group on this project")
	}
	_, err := s.run(ctx, "grant", func(tx domain.Transaction) error {
		if _, ok := tx.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		if _, ok := tx.FindUser(userID); !ok {
			return scanerrors.NotFound("user", userID)
		}
		_, err := tx.CreateMembership(domain.Membership{ProjectID: projectID, UserID: userID, Group: group})
		return err
	})
	return err
}

// Revoke removes userID from group on the project and returns how many
// locks were cleared as a consequence.
func (s *Service) Revoke(ctx context.Context, projectID, userID string, group domain.PermissionGroup) (int, error) {
	cleared := 0
	_, err := s.run(ctx, "revoke", func(tx domain.Transaction) error {
		cleared = 0
		if _, ok := tx.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		for _, m := range tx.ListMemberships(projectID) {
			if m.UserID != userID || m.Group != group {
				continue
			}
			n, err := s.revoke(tx, m)
			if err != nil {
				return err
			}
			cleared += n
		}
		return nil
	})
	return cleared, err
}

func (s *Service) revoke(tx domain.Transaction, m domain.Membership) (int, error) {
	if err := tx.DeleteMembership(m.ID); err != nil {
		return 0, err
	}
	if !m.Group.Reviewer() || access.CanReview(tx, m.ProjectID, m.UserID) {
		return 0, nil
	}
	return review.ClearLocksHeldBy(tx, m.ProjectID, m.UserID)
}

func usernameOf(view domain.TransactionView, userID string) string {
	if u, ok := view.FindUser(userID); ok {
		return u.Username
	}
	return userID
}

// UserRole returns the highest group the user holds on the project.
func (s *Service) UserRole(ctx context.Context, projectID, userID string) (domain.PermissionGroup, error) {
	var role domain.PermissionGroup
	err := s.view(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		r, ok := access.Role(v, projectID, userID)
		if !ok {
			return scanerrors.Forbidden(scanerrors.NewStd("user has no role on this project"))
		}
		role = r
		return nil
	})
	return role, err
}

// RequireRead fails with a Forbidden error unless the user holds a role on
// every listed project. An empty list is never readable.
func (s *Service) RequireRead(ctx context.Context, userID string, projectIDs ...string) error {
	return s.view(ctx, func(v domain.TransactionView) error {
		if len(projectIDs) == 0 {
			return scanerrors.Forbidden(scanerrors.NewStd("user has no role on this project"))
		}
		for _, id := range projectIDs {
			if !access.CanRead(v, id, userID) {
				return scanerrors.Forbidden(scanerrors.NewStd("user has no role on this project"))
			}
		}
		return nil
	})
}

// FrameProjectID walks a frame up to its owning project.
func (s *Service) FrameProjectID(ctx context.Context, frameID string) (string, error) {
	var projectID string
	err := s.view(ctx, func(v domain.TransactionView) error {
		frame, ok := v.FindFrame(frameID)
		if !ok {
			return scanerrors.NotFound("frame", frameID)
		}
		scan, ok := v.FindScan(frame.ScanID)
		if !ok {
			return scanerrors.NotFound("scan", frame.ScanID)
		}
		exp, ok := v.FindExperiment(scan.ExperimentID)
		if !ok {
			return scanerrors.NotFound("experiment", scan.ExperimentID)
		}
		projectID = exp.ProjectID
		return nil
	})
	return projectID, err
}

// ProjectStatus counts a project's scans and the completed ones.
type ProjectStatus struct {
	TotalScans     int `json:"total_scans"`
	CompletedScans int `json:"total_complete"`
}

// ProjectStatus reports review progress. A scan is complete when its
// current decision was made by a tier 2 reviewer or is Usable.
func (s *Service) ProjectStatus(ctx context.Context, projectID string) (ProjectStatus, error) {
	var status ProjectStatus
	err := s.view(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindProject(projectID); !ok {
			return scanerrors.NotFound("project", projectID)
		}
		status = ComputeStatus(v, projectID)
		return nil
	})
	return status, err
}

// ComputeStatus evaluates ProjectStatus against view.
func ComputeStatus(view domain.TransactionView, projectID string) ProjectStatus {
	tier2 := make(map[string]bool)
	for _, id := range access.Members(view, projectID, domain.GroupTier2) {
		tier2[id] = true
	}
	var status ProjectStatus
	for _, exp := range view.ListExperiments(projectID) {
		for _, scan := range view.ListScans(exp.ID) {
			status.TotalScans++
			decisions := view.ListDecisions(scan.ID)
			if len(decisions) == 0 {
				continue
			}
			current := decisions[0]
			if current.Decision == domain.DecisionUsable || (current.CreatorID != nil && tier2[*current.CreatorID]) {
				status.CompletedScans++
			}
		}
	}
	return status
}

// GlobalSettings returns the default import/export paths.
func (s *Service) GlobalSettings(ctx context.Context) (domain.GlobalSettings, error) {
	var out domain.GlobalSettings
	err := s.view(ctx, func(v domain.TransactionView) error {
		out = v.GlobalSettings()
		return nil
	})
	return out, err
}

// ReplaceGlobalSettings stores new default import/export paths.
func (s *Service) ReplaceGlobalSettings(ctx context.Context, g domain.GlobalSettings) (domain.GlobalSettings, error) {
	var out domain.GlobalSettings
	_, err := s.run(ctx, "replace_global_settings", func(tx domain.Transaction) error {
		var err error
		out, err = tx.SetGlobalSettings(g)
		return err
	})
	return out, err
}

// SeedGlobalSettings stores g only when global settings were never written.
func (s *Service) SeedGlobalSettings(ctx context.Context, g domain.GlobalSettings) error {
	_, err := s.run(ctx, "seed_global_settings", func(tx domain.Transaction) error {
		if !tx.GlobalSettings().UpdatedAt.IsZero() {
			return nil
		}
		_, err := tx.SetGlobalSettings(g)
		return err
	})
	return err
}
