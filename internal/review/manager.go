package review

import (
	"context"
	"log/slog"
	"time"

	"scanqa/internal/access"
	scanerrors "scanqa/internal/errors"
	"scanqa/internal/logging"
	"scanqa/internal/settings"
	"scanqa/pkg/domain"
)

// ArtifactInput is the interactive artifact selection of a decision.
type ArtifactInput struct {
	Present []string `json:"present"`
	Absent  []string `json:"absent"`
}

// DecisionInput carries a reviewer's verdict on a scan.
type DecisionInput struct {
	Decision  domain.Decision  `json:"decision"`
	Note      string           `json:"note"`
	Artifacts *ArtifactInput   `json:"artifacts,omitempty"`
	Location  *domain.Location `json:"location,omitempty"`
}

// Manager serializes decision writers per experiment.
type Manager struct {
	store  domain.PersistentStore
	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a lock manager over store.
func NewManager(store domain.PersistentStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.ForService("review")
	}
	return &Manager{store: store, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock used for decision timestamps.
func (m *Manager) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

func lockContext(view domain.TransactionView, exp domain.Experiment, userID string) LockContext {
	c := LockContext{
		ExperimentID: exp.ID,
		UserID:       userID,
		CanReview:    access.CanReview(view, exp.ProjectID, userID),
	}
	if exp.LockOwner != nil {
		c.Owner = *exp.LockOwner
	}
	return c
}

// Acquire makes userID the lock owner of the experiment. Acquiring a lock
// the user already holds succeeds without change.
func (m *Manager) Acquire(ctx context.Context, experimentID, userID string) (domain.Experiment, error) {
	var out domain.Experiment
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		exp, ok := tx.FindExperiment(experimentID)
		if !ok {
			return scanerrors.NotFound("experiment", experimentID)
		}
		if err := CanAcquire(lockContext(tx, exp, userID)).Error(); err != nil {
			return err
		}
		if exp.LockedBy(userID) {
			out = exp
			return nil
		}
		updated, err := tx.UpdateExperiment(experimentID, func(e *domain.Experiment) error {
			owner := userID
			e.LockOwner = &owner
			return nil
		})
		out = updated
		return err
	})
	if err != nil {
		return domain.Experiment{}, err
	}
	m.logger.Info("experiment locked", "experiment_id", experimentID, "user_id", userID)
	return out, nil
}

// Release clears the user's lock on the experiment. Releasing an unlocked
// experiment succeeds without change.
func (m *Manager) Release(ctx context.Context, experimentID, userID string) (domain.Experiment, error) {
	var out domain.Experiment
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		exp, ok := tx.FindExperiment(experimentID)
		if !ok {
			return scanerrors.NotFound("experiment", experimentID)
		}
		if err := CanRelease(lockContext(tx, exp, userID)).Error(); err != nil {
			return err
		}
		if !exp.Locked() {
			out = exp
			return nil
		}
		updated, err := tx.UpdateExperiment(experimentID, func(e *domain.Experiment) error {
			e.LockOwner = nil
			return nil
		})
		out = updated
		return err
	})
	if err != nil {
		return domain.Experiment{}, err
	}
	m.logger.Info("experiment unlocked", "experiment_id", experimentID, "user_id", userID)
	return out, nil
}

// WriteDecision appends a decision to the scan. An unlocked experiment is
// locked for the writer in the same transaction.
func (m *Manager) WriteDecision(ctx context.Context, scanID, userID string, in DecisionInput) (domain.ScanDecision, error) {
	var out domain.ScanDecision
	_, err := m.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		scan, ok := tx.FindScan(scanID)
		if !ok {
			return scanerrors.NotFound("scan", scanID)
		}
		exp, ok := tx.FindExperiment(scan.ExperimentID)
		if !ok {
			return scanerrors.NotFound("experiment", scan.ExperimentID)
		}
		project, ok := tx.FindProject(exp.ProjectID)
		if !ok {
			return scanerrors.NotFound("project", exp.ProjectID)
		}
		if err := CanWriteDecision(lockContext(tx, exp, userID)).Error(); err != nil {
			return err
		}
		if !in.Decision.Valid() {
			return scanerrors.New(scanerrors.NewStd("unknown decision code")).
				Category(scanerrors.CategoryValidation).
				Context("decision", string(in.Decision)).
				Build()
		}
		if !exp.Locked() {
			if _, err := tx.UpdateExperiment(exp.ID, func(e *domain.Experiment) error {
				owner := userID
				e.LockOwner = &owner
				return nil
			}); err != nil {
				return err
			}
		}
		created := m.now()
		creator := userID
		decision := domain.ScanDecision{
			Created:   &created,
			ScanID:    scan.ID,
			CreatorID: &creator,
			Decision:  in.Decision,
			Note:      in.Note,
			Artifacts: InteractiveArtifacts(settings.ArtifactNames(settings.ResolveFrom(tx, project, domain.SettingArtifacts)), in.Artifacts),
		}
		if in.Location.Complete() {
			loc := *in.Location
			decision.Location = &loc
		}
		var err error
		out, err = tx.CreateDecision(decision)
		return err
	})
	if err != nil {
		return domain.ScanDecision{}, err
	}
	m.logger.Info("scan decision recorded", "scan_id", scanID, "user_id", userID, "decision", string(in.Decision))
	return out, nil
}

// InteractiveArtifacts maps every configured artifact name to present,
// absent or undefined. Without a selection the map is empty.
func InteractiveArtifacts(names []string, in *ArtifactInput) map[string]domain.ArtifactState {
	out := make(map[string]domain.ArtifactState, len(names))
	if in == nil {
		return out
	}
	present := toSet(in.Present)
	absent := toSet(in.Absent)
	for _, name := range names {
		switch {
		case present[name]:
			out[name] = domain.ArtifactPresent
		case absent[name]:
			out[name] = domain.ArtifactAbsent
		default:
			out[name] = domain.ArtifactUndefined
		}
	}
	return out
}

// ClearLocksHeldBy drops every lock userID holds in the project and returns
// how many experiments were unlocked. It runs inside the caller's
// transaction.
func ClearLocksHeldBy(tx domain.Transaction, projectID, userID string) (int, error) {
	cleared := 0
	for _, exp := range tx.ListExperiments(projectID) {
		if !exp.LockedBy(userID) {
			continue
		}
		if _, err := tx.UpdateExperiment(exp.ID, func(e *domain.Experiment) error {
			e.LockOwner = nil
			return nil
		}); err != nil {
			return cleared, err
		}
		cleared++
	}
	return cleared, nil
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
