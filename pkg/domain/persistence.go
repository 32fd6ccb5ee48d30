package domain

import "context"

// TransactionView provides read-only access to snapshot data for rules and
// callers that only need to read.
type TransactionView interface {
	ListProjects() []Project
	FindProject(id string) (Project, bool)
	FindProjectByName(name string) (Project, bool)
	ListExperiments(projectID string) []Experiment
	FindExperiment(id string) (Experiment, bool)
	ListScans(experimentID string) []Scan
	FindScan(id string) (Scan, bool)
	ListFrames(scanID string) []Frame
	FindFrame(id string) (Frame, bool)
	ListAllFrames() []Frame
	ListDecisions(scanID string) []ScanDecision
	ListEvaluations(frameID string) []Evaluation
	ListSettingGroups() []SettingGroup
	FindSettingGroup(id string) (SettingGroup, bool)
	ListUsers() []User
	FindUser(id string) (User, bool)
	FindUserByEmail(email string) (User, bool)
	FindUserByUsername(username string) (User, bool)
	ListMemberships(projectID string) []Membership
	GlobalSettings() GlobalSettings
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	CreateProject(Project) (Project, error)
	UpdateProject(id string, mutator func(*Project) error) (Project, error)
	// DeleteProject removes the project with its memberships and the whole
	// experiment subtree.
	DeleteProject(id string) error
	CreateExperiment(Experiment) (Experiment, error)
	UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error)
	DeleteExperiment(id string) error
	// DeleteProjectExperiments removes every experiment of the project with
	// their scans, frames, decisions and evaluations. It returns the number of
	// experiments removed.
	DeleteProjectExperiments(projectID string) (int, error)
	CreateScan(Scan) (Scan, error)
	CreateFrame(Frame) (Frame, error)
	CreateDecision(ScanDecision) (ScanDecision, error)
	CreateEvaluation(Evaluation) (Evaluation, error)
	CreateSettingGroup(SettingGroup) (SettingGroup, error)
	UpdateSettingGroup(id string, mutator func(*SettingGroup) error) (SettingGroup, error)
	DeleteSettingGroup(id string) error
	CreateUser(User) (User, error)
	UpdateUser(id string, mutator func(*User) error) (User, error)
	CreateMembership(Membership) (Membership, error)
	DeleteMembership(id string) error
	SetGlobalSettings(GlobalSettings) (GlobalSettings, error)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
