// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scanqa/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Project aliases domain.Project for in-memory persistence operations.
	Project = domain.Project
	// Experiment aliases domain.Experiment.
	Experiment = domain.Experiment
	// Scan aliases domain.Scan.
	Scan = domain.Scan
	// Frame aliases domain.Frame.
	Frame = domain.Frame
	// ScanDecision aliases domain.ScanDecision.
	ScanDecision = domain.ScanDecision
	// Evaluation aliases domain.Evaluation.
	Evaluation = domain.Evaluation
	// SettingGroup aliases domain.SettingGroup.
	SettingGroup = domain.SettingGroup
	// User aliases domain.User.
	User = domain.User
	// Membership aliases domain.Membership.
	Membership = domain.Membership
	// GlobalSettings aliases domain.GlobalSettings.
	GlobalSettings = domain.GlobalSettings
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	projects      map[string]Project
	experiments   map[string]Experiment
	scans         map[string]Scan
	frames        map[string]Frame
	decisions     map[string]ScanDecision
	evaluations   map[string]Evaluation
	settingGroups map[string]SettingGroup
	users         map[string]User
	memberships   map[string]Membership
	global        GlobalSettings
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Projects      map[string]Project      `json:"projects"`
	Experiments   map[string]Experiment   `json:"experiments"`
	Scans         map[string]Scan         `json:"scans"`
	Frames        map[string]Frame        `json:"frames"`
	Decisions     map[string]ScanDecision `json:"decisions"`
	Evaluations   map[string]Evaluation   `json:"evaluations"`
	SettingGroups map[string]SettingGroup `json:"setting_groups"`
	Users         map[string]User         `json:"users"`
	Memberships   map[string]Membership   `json:"memberships"`
	Global        GlobalSettings          `json:"global_settings"`
}

// Buckets maps persistence bucket names to the snapshot fields backing them.
// Durable stores use it to serialize and hydrate each bucket independently.
func (s *Snapshot) Buckets() map[string]any {
	return map[string]any{
		"projects":        &s.Projects,
		"experiments":     &s.Experiments,
		"scans":           &s.Scans,
		"frames":          &s.Frames,
		"decisions":       &s.Decisions,
		"evaluations":     &s.Evaluations,
		"setting_groups":  &s.SettingGroups,
		"users":           &s.Users,
		"memberships":     &s.Memberships,
		"global_settings": &s.Global,
	}
}

func newMemoryState() memoryState {
	return memoryState{
		projects:      make(map[string]Project),
		experiments:   make(map[string]Experiment),
		scans:         make(map[string]Scan),
		frames:        make(map[string]Frame),
		decisions:     make(map[string]ScanDecision),
		evaluations:   make(map[string]Evaluation),
		settingGroups: make(map[string]SettingGroup),
		users:         make(map[string]User),
		memberships:   make(map[string]Membership),
	}
}

func cloneMap[T any](in map[string]T, clone func(T) T) map[string]T {
	out := make(map[string]T, len(in))
	for k, v := range in {
		out[k] = clone(v)
	}
	return out
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	return Snapshot{
		Projects:      cloneMap(state.projects, cloneProject),
		Experiments:   cloneMap(state.experiments, cloneExperiment),
		Scans:         cloneMap(state.scans, cloneScan),
		Frames:        cloneMap(state.frames, cloneFrame),
		Decisions:     cloneMap(state.decisions, cloneDecision),
		Evaluations:   cloneMap(state.evaluations, cloneEvaluation),
		SettingGroups: cloneMap(state.settingGroups, cloneSettingGroup),
		Users:         cloneMap(state.users, cloneUser),
		Memberships:   cloneMap(state.memberships, cloneMembership),
		Global:        state.global,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	return memoryState{
		projects:      cloneMap(s.Projects, cloneProject),
		experiments:   cloneMap(s.Experiments, cloneExperiment),
		scans:         cloneMap(s.Scans, cloneScan),
		frames:        cloneMap(s.Frames, cloneFrame),
		decisions:     cloneMap(s.Decisions, cloneDecision),
		evaluations:   cloneMap(s.Evaluations, cloneEvaluation),
		settingGroups: cloneMap(s.SettingGroups, cloneSettingGroup),
		users:         cloneMap(s.Users, cloneUser),
		memberships:   cloneMap(s.Memberships, cloneMembership),
		global:        s.Global,
	}
}

func (s memoryState) clone() memoryState {
	return memoryStateFromSnapshot(snapshotFromMemoryState(s))
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneProject(p Project) Project {
	cp := p
	if p.EvaluationModels != nil {
		cp.EvaluationModels = make(map[domain.ScanType]string, len(p.EvaluationModels))
		for k, v := range p.EvaluationModels {
			cp.EvaluationModels[k] = v
		}
	}
	cp.ArtifactGroupID = cloneStringPtr(p.ArtifactGroupID)
	cp.FileModelGroupID = cloneStringPtr(p.FileModelGroupID)
	cp.ModelFileGroupID = cloneStringPtr(p.ModelFileGroupID)
	cp.PredictionGroupID = cloneStringPtr(p.PredictionGroupID)
	return cp
}

func cloneExperiment(e Experiment) Experiment {
	e.LockOwner = cloneStringPtr(e.LockOwner)
	return e
}

func cloneScan(s Scan) Scan {
	s.SubjectID = cloneStringPtr(s.SubjectID)
	s.SessionID = cloneStringPtr(s.SessionID)
	s.Link = cloneStringPtr(s.Link)
	return s
}

func cloneFrame(f Frame) Frame { return f }

func cloneDecision(d ScanDecision) ScanDecision {
	cp := d
	if d.Created != nil {
		created := *d.Created
		cp.Created = &created
	}
	cp.CreatorID = cloneStringPtr(d.CreatorID)
	if d.Artifacts != nil {
		cp.Artifacts = make(map[string]domain.ArtifactState, len(d.Artifacts))
		for k, v := range d.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	if d.Location != nil {
		loc := *d.Location
		cp.Location = &loc
	}
	return cp
}

func cloneEvaluation(e Evaluation) Evaluation {
	if e.Results != nil {
		results := make(map[string]float64, len(e.Results))
		for k, v := range e.Results {
			results[k] = v
		}
		e.Results = results
	}
	return e
}

func cloneSettingGroup(g SettingGroup) SettingGroup {
	if g.Entries != nil {
		g.Entries = append([]domain.SettingEntry(nil), g.Entries...)
	}
	return g
}

func cloneUser(u User) User                   { return u }
func cloneMembership(m Membership) Membership { return m }

// Store is an in-memory implementation of the persistence contract.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

func newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the live state only when fn succeeds and no blocking rule
// violation is reported.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		transactionView: transactionView{},
		state:           s.state.clone(),
		now:             s.nowFn(),
	}
	tx.transactionView.state = &tx.state

	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx.Snapshot(), tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(transactionView{state: &snapshot})
}

// transactionView exposes a read-only snapshot of state to rules and readers.
type transactionView struct {
	state *memoryState
}

func sortedValues[T any](in map[string]T, keep func(T) bool, clone func(T) T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		if keep == nil || keep(v) {
			out = append(out, clone(v))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func findValue[T any](in map[string]T, id string, clone func(T) T) (T, bool) {
	v, ok := in[id]
	if !ok {
		var zero T
		return zero, false
	}
	return clone(v), true
}

// ListProjects returns all projects ordered by name.
func (v transactionView) ListProjects() []Project {
	return sortedValues(v.state.projects, nil, cloneProject, func(a, b Project) bool { return a.Name < b.Name })
}

// FindProject retrieves a project by ID.
func (v transactionView) FindProject(id string) (Project, bool) {
	return findValue(v.state.projects, id, cloneProject)
}

// FindProjectByName retrieves a project by its unique name.
func (v transactionView) FindProjectByName(name string) (Project, bool) {
	for _, p := range v.state.projects {
		if p.Name == name {
			return cloneProject(p), true
		}
	}
	return Project{}, false
}

// ListExperiments returns the experiments of a project ordered by name.
func (v transactionView) ListExperiments(projectID string) []Experiment {
	return sortedValues(v.state.experiments,
		func(e Experiment) bool { return e.ProjectID == projectID },
		cloneExperiment,
		func(a, b Experiment) bool { return a.Name < b.Name })
}

// FindExperiment retrieves an experiment by ID.
func (v transactionView) FindExperiment(id string) (Experiment, bool) {
	return findValue(v.state.experiments, id, cloneExperiment)
}

// ListScans returns the scans of an experiment ordered by name.
func (v transactionView) ListScans(experimentID string) []Scan {
	return sortedValues(v.state.scans,
		func(s Scan) bool { return s.ExperimentID == experimentID },
		cloneScan,
		func(a, b Scan) bool { return a.Name < b.Name })
}

// FindScan retrieves a scan by ID.
func (v transactionView) FindScan(id string) (Scan, bool) {
	return findValue(v.state.scans, id, cloneScan)
}

func frameLess(a, b Frame) bool {
	if a.ScanID != b.ScanID {
		return a.ScanID < b.ScanID
	}
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	return a.ID < b.ID
}

// ListFrames returns the frames of a scan ordered by frame number.
func (v transactionView) ListFrames(scanID string) []Frame {
	return sortedValues(v.state.frames, func(f Frame) bool { return f.ScanID == scanID }, cloneFrame, frameLess)
}

// ListAllFrames returns every frame ordered by scan and frame number.
func (v transactionView) ListAllFrames() []Frame {
	return sortedValues(v.state.frames, nil, cloneFrame, frameLess)
}

// FindFrame retrieves a frame by ID.
func (v transactionView) FindFrame(id string) (Frame, bool) {
	return findValue(v.state.frames, id, cloneFrame)
}

// ListDecisions returns the decisions of a scan, newest first.
func (v transactionView) ListDecisions(scanID string) []ScanDecision {
	out := make([]ScanDecision, 0)
	for _, d := range v.state.decisions {
		if d.ScanID == scanID {
			out = append(out, cloneDecision(d))
		}
	}
	domain.SortDecisionsNewestFirst(out)
	return out
}

// ListEvaluations returns the evaluations recorded for a frame, oldest first.
func (v transactionView) ListEvaluations(frameID string) []Evaluation {
	return sortedValues(v.state.evaluations,
		func(e Evaluation) bool { return e.FrameID == frameID },
		cloneEvaluation,
		func(a, b Evaluation) bool {
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID < b.ID
		})
}

// ListSettingGroups returns all setting groups ordered by kind and name.
func (v transactionView) ListSettingGroups() []SettingGroup {
	return sortedValues(v.state.settingGroups, nil, cloneSettingGroup, func(a, b SettingGroup) bool {
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Name < b.Name
	})
}

// FindSettingGroup retrieves a setting group by ID.
func (v transactionView) FindSettingGroup(id string) (SettingGroup, bool) {
	return findValue(v.state.settingGroups, id, cloneSettingGroup)
}

// ListUsers returns every user ordered by username.
func (v transactionView) ListUsers() []User {
	return sortedValues(v.state.users, nil, cloneUser, func(a, b User) bool { return a.Username < b.Username })
}

// FindUser retrieves a user by ID.
func (v transactionView) FindUser(id string) (User, bool) {
	return findValue(v.state.users, id, cloneUser)
}

// FindUserByEmail performs a case-insensitive lookup by email.
func (v transactionView) FindUserByEmail(email string) (User, bool) {
	email = strings.TrimSpace(email)
	if email == "" {
		return User{}, false
	}
	for _, u := range v.state.users {
		if strings.EqualFold(u.Email, email) {
			return u, true
		}
	}
	return User{}, false
}

// FindUserByUsername retrieves a user by username.
func (v transactionView) FindUserByUsername(username string) (User, bool) {
	for _, u := range v.state.users {
		if u.Username == username {
			return u, true
		}
	}
	return User{}, false
}

// ListMemberships returns the memberships of a project.
func (v transactionView) ListMemberships(projectID string) []Membership {
	return sortedValues(v.state.memberships,
		func(m Membership) bool { return m.ProjectID == projectID },
		cloneMembership,
		func(a, b Membership) bool {
			if a.UserID != b.UserID {
				return a.UserID < b.UserID
			}
			return a.Group < b.Group
		})
}

// GlobalSettings returns the stored global defaults.
func (v transactionView) GlobalSettings() GlobalSettings {
	return v.state.global
}

// transaction represents a mutation set applied to a private copy of the
// store state.
type transaction struct {
	transactionView
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return transactionView{state: &tx.state}
}

// CreateProject stores a new project. Names are unique.
func (tx *transaction) CreateProject(p Project) (Project, error) {
	if p.ID == "" {
		p.ID = newID()
	}
	if _, exists := tx.state.projects[p.ID]; exists {
		return Project{}, fmt.Errorf("project %q already exists", p.ID)
	}
	if err := tx.checkProjectName(p.ID, p.Name); err != nil {
		return Project{}, err
	}
	if p.AnatomyOrientation == "" {
		p.AnatomyOrientation = domain.OrientationLPS
	}
	if p.EvaluationModels == nil {
		p.EvaluationModels = domain.DefaultEvaluationModels()
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	tx.state.projects[p.ID] = cloneProject(p)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionCreate, After: cloneProject(p)})
	return cloneProject(p), nil
}

func (tx *transaction) checkProjectName(id, name string) error {
	for _, existing := range tx.state.projects {
		if existing.ID != id && existing.Name == name {
			return fmt.Errorf("project name %q already in use", name)
		}
	}
	return nil
}

// UpdateProject mutates an existing project record.
func (tx *transaction) UpdateProject(id string, mutator func(*Project) error) (Project, error) {
	current, ok := tx.state.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("project %q not found", id)
	}
	before := cloneProject(current)
	if err := mutator(&current); err != nil {
		return Project{}, err
	}
	if err := tx.checkProjectName(id, current.Name); err != nil {
		return Project{}, err
	}
	current.ID = id
	current.UpdatedAt = tx.now
	tx.state.projects[id] = cloneProject(current)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionUpdate, Before: before, After: cloneProject(current)})
	return cloneProject(current), nil
}

// DeleteProject removes a project together with its memberships and every
// experiment it owns.
func (tx *transaction) DeleteProject(id string) error {
	current, ok := tx.state.projects[id]
	if !ok {
		return fmt.Errorf("project %q not found", id)
	}
	if _, err := tx.DeleteProjectExperiments(id); err != nil {
		return err
	}
	for mid, m := range tx.state.memberships {
		if m.ProjectID == id {
			delete(tx.state.memberships, mid)
			tx.recordChange(Change{Entity: domain.EntityMembership, Action: domain.ActionDelete, Before: m})
		}
	}
	delete(tx.state.projects, id)
	tx.recordChange(Change{Entity: domain.EntityProject, Action: domain.ActionDelete, Before: cloneProject(current)})
	return nil
}

// CreateExperiment stores a new experiment. Names are unique per project.
func (tx *transaction) CreateExperiment(e Experiment) (Experiment, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if _, exists := tx.state.experiments[e.ID]; exists {
		return Experiment{}, fmt.Errorf("experiment %q already exists", e.ID)
	}
	if _, ok := tx.state.projects[e.ProjectID]; !ok {
		return Experiment{}, fmt.Errorf("project %q not found for experiment", e.ProjectID)
	}
	for _, existing := range tx.state.experiments {
		if existing.ProjectID == e.ProjectID && existing.Name == e.Name {
			return Experiment{}, fmt.Errorf("experiment %q already exists in project %q", e.Name, e.ProjectID)
		}
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.experiments[e.ID] = cloneExperiment(e)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionCreate, After: cloneExperiment(e)})
	return cloneExperiment(e), nil
}

// UpdateExperiment mutates an existing experiment.
func (tx *transaction) UpdateExperiment(id string, mutator func(*Experiment) error) (Experiment, error) {
	current, ok := tx.state.experiments[id]
	if !ok {
		return Experiment{}, fmt.Errorf("experiment %q not found", id)
	}
	before := cloneExperiment(current)
	if err := mutator(&current); err != nil {
		return Experiment{}, err
	}
	current.ID = id
	current.ProjectID = before.ProjectID
	current.UpdatedAt = tx.now
	tx.state.experiments[id] = cloneExperiment(current)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionUpdate, Before: before, After: cloneExperiment(current)})
	return cloneExperiment(current), nil
}

// DeleteExperiment removes an experiment and everything beneath it.
func (tx *transaction) DeleteExperiment(id string) error {
	current, ok := tx.state.experiments[id]
	if !ok {
		return fmt.Errorf("experiment %q not found", id)
	}
	for sid, scan := range tx.state.scans {
		if scan.ExperimentID == id {
			tx.deleteScan(sid)
		}
	}
	delete(tx.state.experiments, id)
	tx.recordChange(Change{Entity: domain.EntityExperiment, Action: domain.ActionDelete, Before: cloneExperiment(current)})
	return nil
}

// DeleteProjectExperiments removes every experiment owned by the project.
func (tx *transaction) DeleteProjectExperiments(projectID string) (int, error) {
	if _, ok := tx.state.projects[projectID]; !ok {
		return 0, fmt.Errorf("project %q not found", projectID)
	}
	var ids []string
	for id, e := range tx.state.experiments {
		if e.ProjectID == projectID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := tx.DeleteExperiment(id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

func (tx *transaction) deleteScan(id string) {
	scan := tx.state.scans[id]
	for fid, frame := range tx.state.frames {
		if frame.ScanID != id {
			continue
		}
		for eid, eval := range tx.state.evaluations {
			if eval.FrameID == fid {
				delete(tx.state.evaluations, eid)
			}
		}
		delete(tx.state.frames, fid)
		tx.recordChange(Change{Entity: domain.EntityFrame, Action: domain.ActionDelete, Before: frame})
	}
	for did, d := range tx.state.decisions {
		if d.ScanID == id {
			delete(tx.state.decisions, did)
		}
	}
	delete(tx.state.scans, id)
	tx.recordChange(Change{Entity: domain.EntityScan, Action: domain.ActionDelete, Before: cloneScan(scan)})
}

// CreateScan stores a new scan. Names are unique per experiment.
func (tx *transaction) CreateScan(s Scan) (Scan, error) {
	if s.ID == "" {
		s.ID = newID()
	}
	if _, exists := tx.state.scans[s.ID]; exists {
		return Scan{}, fmt.Errorf("scan %q already exists", s.ID)
	}
	if _, ok := tx.state.experiments[s.ExperimentID]; !ok {
		return Scan{}, fmt.Errorf("experiment %q not found for scan", s.ExperimentID)
	}
	for _, existing := range tx.state.scans {
		if existing.ExperimentID == s.ExperimentID && existing.Name == s.Name {
			return Scan{}, fmt.Errorf("scan %q already exists in experiment %q", s.Name, s.ExperimentID)
		}
	}
	s.CreatedAt = tx.now
	s.UpdatedAt = tx.now
	tx.state.scans[s.ID] = cloneScan(s)
	tx.recordChange(Change{Entity: domain.EntityScan, Action: domain.ActionCreate, After: cloneScan(s)})
	return cloneScan(s), nil
}

// CreateFrame stores a new frame.
func (tx *transaction) CreateFrame(f Frame) (Frame, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	if _, exists := tx.state.frames[f.ID]; exists {
		return Frame{}, fmt.Errorf("frame %q already exists", f.ID)
	}
	if _, ok := tx.state.scans[f.ScanID]; !ok {
		return Frame{}, fmt.Errorf("scan %q not found for frame", f.ScanID)
	}
	if strings.TrimSpace(f.RawPath) == "" && f.ContentKey == "" {
		return Frame{}, fmt.Errorf("frame requires a raw path or content key")
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.frames[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFrame, Action: domain.ActionCreate, After: f})
	return f, nil
}

// CreateDecision appends a decision to a scan.
func (tx *transaction) CreateDecision(d ScanDecision) (ScanDecision, error) {
	if d.ID == "" {
		d.ID = newID()
	}
	if _, exists := tx.state.decisions[d.ID]; exists {
		return ScanDecision{}, fmt.Errorf("decision %q already exists", d.ID)
	}
	if _, ok := tx.state.scans[d.ScanID]; !ok {
		return ScanDecision{}, fmt.Errorf("scan %q not found for decision", d.ScanID)
	}
	if !d.Decision.Valid() {
		return ScanDecision{}, fmt.Errorf("decision %q is not a valid choice", d.Decision)
	}
	if d.Artifacts == nil {
		d.Artifacts = map[string]domain.ArtifactState{}
	}
	d.Seq = 1
	for _, existing := range tx.state.decisions {
		if existing.ScanID == d.ScanID && existing.Seq >= d.Seq {
			d.Seq = existing.Seq + 1
		}
	}
	tx.state.decisions[d.ID] = cloneDecision(d)
	tx.recordChange(Change{Entity: domain.EntityDecision, Action: domain.ActionCreate, After: cloneDecision(d)})
	return cloneDecision(d), nil
}

// CreateEvaluation appends an evaluation to a frame.
func (tx *transaction) CreateEvaluation(e Evaluation) (Evaluation, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if _, exists := tx.state.evaluations[e.ID]; exists {
		return Evaluation{}, fmt.Errorf("evaluation %q already exists", e.ID)
	}
	if _, ok := tx.state.frames[e.FrameID]; !ok {
		return Evaluation{}, fmt.Errorf("frame %q not found for evaluation", e.FrameID)
	}
	e.CreatedAt = tx.now
	e.UpdatedAt = tx.now
	tx.state.evaluations[e.ID] = cloneEvaluation(e)
	tx.recordChange(Change{Entity: domain.EntityEvaluation, Action: domain.ActionCreate, After: cloneEvaluation(e)})
	return cloneEvaluation(e), nil
}

// CreateSettingGroup stores a new setting group.
func (tx *transaction) CreateSettingGroup(g SettingGroup) (SettingGroup, error) {
	if g.ID == "" {
		g.ID = newID()
	}
	if _, exists := tx.state.settingGroups[g.ID]; exists {
		return SettingGroup{}, fmt.Errorf("setting group %q already exists", g.ID)
	}
	if !g.Kind.Valid() {
		return SettingGroup{}, fmt.Errorf("setting group kind %q is not supported", g.Kind)
	}
	g.CreatedAt = tx.now
	g.UpdatedAt = tx.now
	tx.state.settingGroups[g.ID] = cloneSettingGroup(g)
	tx.recordChange(Change{Entity: domain.EntitySettingGroup, Action: domain.ActionCreate, After: cloneSettingGroup(g)})
	return cloneSettingGroup(g), nil
}

// UpdateSettingGroup mutates a setting group. The kind cannot change.
func (tx *transaction) UpdateSettingGroup(id string, mutator func(*SettingGroup) error) (SettingGroup, error) {
	current, ok := tx.state.settingGroups[id]
	if !ok {
		return SettingGroup{}, fmt.Errorf("setting group %q not found", id)
	}
	before := cloneSettingGroup(current)
	if err := mutator(&current); err != nil {
		return SettingGroup{}, err
	}
	current.ID = id
	current.Kind = before.Kind
	current.UpdatedAt = tx.now
	tx.state.settingGroups[id] = cloneSettingGroup(current)
	tx.recordChange(Change{Entity: domain.EntitySettingGroup, Action: domain.ActionUpdate, Before: before, After: cloneSettingGroup(current)})
	return cloneSettingGroup(current), nil
}

// DeleteSettingGroup removes a group and clears project references to it.
func (tx *transaction) DeleteSettingGroup(id string) error {
	current, ok := tx.state.settingGroups[id]
	if !ok {
		return fmt.Errorf("setting group %q not found", id)
	}
	for pid, p := range tx.state.projects {
		if ref, ok := p.SettingGroupID(current.Kind); ok && ref == id {
			p = cloneProject(p)
			p.SetSettingGroupID(current.Kind, "")
			p.UpdatedAt = tx.now
			tx.state.projects[pid] = p
		}
	}
	delete(tx.state.settingGroups, id)
	tx.recordChange(Change{Entity: domain.EntitySettingGroup, Action: domain.ActionDelete, Before: cloneSettingGroup(current)})
	return nil
}

// CreateUser stores a directory entry. Usernames and emails are unique.
func (tx *transaction) CreateUser(u User) (User, error) {
	if u.ID == "" {
		u.ID = newID()
	}
	if _, exists := tx.state.users[u.ID]; exists {
		return User{}, fmt.Errorf("user %q already exists", u.ID)
	}
	if err := tx.checkUserUnique(u); err != nil {
		return User{}, err
	}
	u.CreatedAt = tx.now
	u.UpdatedAt = tx.now
	tx.state.users[u.ID] = u
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionCreate, After: u})
	return u, nil
}

func (tx *transaction) checkUserUnique(u User) error {
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}
	for _, existing := range tx.state.users {
		if existing.ID == u.ID {
			continue
		}
		if existing.Username == u.Username {
			return fmt.Errorf("username %q already in use", u.Username)
		}
		if u.Email != "" && strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("email %q already in use", u.Email)
		}
	}
	return nil
}

// UpdateUser mutates a directory entry.
func (tx *transaction) UpdateUser(id string, mutator func(*User) error) (User, error) {
	current, ok := tx.state.users[id]
	if !ok {
		return User{}, fmt.Errorf("user %q not found", id)
	}
	before := current
	if err := mutator(&current); err != nil {
		return User{}, err
	}
	current.ID = id
	if err := tx.checkUserUnique(current); err != nil {
		return User{}, err
	}
	current.UpdatedAt = tx.now
	tx.state.users[id] = current
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateMembership grants a permission group. Granting an existing
// membership returns the stored record.
func (tx *transaction) CreateMembership(m Membership) (Membership, error) {
	if _, ok := tx.state.projects[m.ProjectID]; !ok {
		return Membership{}, fmt.Errorf("project %q not found for membership", m.ProjectID)
	}
	if _, ok := tx.state.users[m.UserID]; !ok {
		return Membership{}, fmt.Errorf("user %q not found for membership", m.UserID)
	}
	if !m.Group.Valid() {
		return Membership{}, fmt.Errorf("permission group %q is not supported", m.Group)
	}
	for _, existing := range tx.state.memberships {
		if existing.ProjectID == m.ProjectID && existing.UserID == m.UserID && existing.Group == m.Group {
			return existing, nil
		}
	}
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = tx.now
	m.UpdatedAt = tx.now
	tx.state.memberships[m.ID] = m
	tx.recordChange(Change{Entity: domain.EntityMembership, Action: domain.ActionCreate, After: m})
	return m, nil
}

// DeleteMembership revokes a membership.
func (tx *transaction) DeleteMembership(id string) error {
	current, ok := tx.state.memberships[id]
	if !ok {
		return fmt.Errorf("membership %q not found", id)
	}
	delete(tx.state.memberships, id)
	tx.recordChange(Change{Entity: domain.EntityMembership, Action: domain.ActionDelete, Before: current})
	return nil
}

// SetGlobalSettings replaces the global defaults.
func (tx *transaction) SetGlobalSettings(g GlobalSettings) (GlobalSettings, error) {
	before := tx.state.global
	g.UpdatedAt = tx.now
	tx.state.global = g
	tx.recordChange(Change{Entity: domain.EntityGlobal, Action: domain.ActionUpdate, Before: before, After: g})
	return g, nil
}
