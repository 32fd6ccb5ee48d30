// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by scanqa.
package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityProject identifies a project record.
	EntityProject EntityType = "project"
	// EntityExperiment identifies an experiment record.
	EntityExperiment EntityType = "experiment"
	// EntityScan identifies a scan record.
	EntityScan EntityType = "scan"
	// EntityFrame identifies a frame record.
	EntityFrame EntityType = "frame"
	// EntityDecision identifies a scan decision record.
	EntityDecision EntityType = "scan_decision"
	// EntityEvaluation identifies a model evaluation record.
	EntityEvaluation EntityType = "evaluation"
	// EntitySettingGroup identifies a setting group record.
	EntitySettingGroup EntityType = "setting_group"
	// EntityUser identifies a user directory record.
	EntityUser EntityType = "user"
	// EntityMembership identifies a project membership record.
	EntityMembership EntityType = "membership"
	EntityGlobal     EntityType = "global_settings"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AnatomyOrientation names the patient coordinate convention of a project.
type AnatomyOrientation string

// Supported orientations.
const (
	OrientationLPS AnatomyOrientation = "LPS"
	OrientationRAS AnatomyOrientation = "RAS"
)

// ScanType enumerates the acquisition protocols a scan may declare.
type ScanType string

// Known scan types.
const (
	ScanT1                ScanType = "T1"
	ScanT2                ScanType = "T2"
	ScanFMRI              ScanType = "FMRI"
	ScanMRA               ScanType = "MRA"
	ScanPD                ScanType = "PD"
	ScanDTI               ScanType = "DTI"
	ScanDWI               ScanType = "DWI"
	ScanNcandaT1SPGR      ScanType = "ncanda-t1spgr-v1"
	ScanNcandaMPRAGE      ScanType = "ncanda-mprage-v1"
	ScanNcandaT2FSE       ScanType = "ncanda-t2fse-v1"
	ScanNcandaDTI6B500    ScanType = "ncanda-dti6b500pepolar-v1"
	ScanNcandaDTI30B400   ScanType = "ncanda-dti30b400-v1"
	ScanNcandaDTI60B1000  ScanType = "ncanda-dti60b1000-v1"
	ScanNcandaGREFieldmap ScanType = "ncanda-grefieldmap-v1"
	ScanNcandaRSFMRI      ScanType = "ncanda-rsfmri-v1"
)

// Evaluation model names shipped with the default inference bundle.
const (
	DefaultEvaluationModel   = "MIQAMix-0"
	secondaryEvaluationModel = "MIQAT1-0"
)

// ScanTypes lists every recognised scan type in declaration order.
var ScanTypes = []ScanType{
	ScanT1, ScanT2, ScanFMRI, ScanMRA, ScanPD, ScanDTI, ScanDWI,
	ScanNcandaT1SPGR, ScanNcandaMPRAGE, ScanNcandaT2FSE, ScanNcandaDTI6B500,
	ScanNcandaDTI30B400, ScanNcandaDTI60B1000, ScanNcandaGREFieldmap, ScanNcandaRSFMRI,
}

// KnownEvaluationModels lists the model names shipped by default.
var KnownEvaluationModels = []string{DefaultEvaluationModel, secondaryEvaluationModel}

// Valid reports whether t is one of the recognised scan types.
func (t ScanType) Valid() bool {
	for _, known := range ScanTypes {
		if known == t {
			return true
		}
	}
	return false
}

// DefaultEvaluationModels returns the standard scan-type to model mapping
// assigned to new projects.
func DefaultEvaluationModels() map[ScanType]string {
	out := make(map[ScanType]string, len(ScanTypes))
	for _, t := range ScanTypes {
		out[t] = secondaryEvaluationModel
	}
	for _, t := range []ScanType{
		ScanT1, ScanT2, ScanPD, ScanNcandaT1SPGR, ScanNcandaMPRAGE,
		ScanNcandaT2FSE, ScanNcandaDTI6B500, ScanNcandaGREFieldmap,
	} {
		out[t] = DefaultEvaluationModel
	}
	return out
}

// Decision is the reviewer verdict recorded against a scan.
type Decision string

// Decision codes.
const (
	DecisionUsable       Decision = "U"
	DecisionUsableExtra  Decision = "UE"
	DecisionQuestionable Decision = "Q?"
	DecisionUnusable     Decision = "UN"
)

// Valid reports whether d is a recognised decision code.
func (d Decision) Valid() bool {
	switch d {
	case DecisionUsable, DecisionUsableExtra, DecisionQuestionable, DecisionUnusable:
		return true
	default:
		return false
	}
}

// Label returns the human readable decision name.
func (d Decision) Label() string {
	switch d {
	case DecisionUsable:
		return "Usable"
	case DecisionUsableExtra:
		return "Usable-Extra"
	case DecisionQuestionable:
		return "Questionable"
	case DecisionUnusable:
		return "Unusable"
	default:
		return string(d)
	}
}

// ArtifactState is the tri-state observation of an artifact on a scan.
type ArtifactState int

// Artifact states.
const (
	ArtifactUndefined ArtifactState = -1
	ArtifactAbsent    ArtifactState = 0
	ArtifactPresent   ArtifactState = 1
)

// PermissionGroup names the project-scoped role a user can hold.
type PermissionGroup string

// Permission groups ordered from least to most privileged.
const (
	GroupCollaborator PermissionGroup = "collaborator"
	GroupTier1        PermissionGroup = "tier_1_reviewer"
	GroupTier2        PermissionGroup = "tier_2_reviewer"
)

// Valid reports whether g is a known permission group.
func (g PermissionGroup) Valid() bool {
	return g == GroupCollaborator || g == GroupTier1 || g == GroupTier2
}

// Reviewer reports whether members of g may review scans.
func (g PermissionGroup) Reviewer() bool {
	return g == GroupTier1 || g == GroupTier2
}

// Rank orders groups by privilege; unknown groups rank zero.
func (g PermissionGroup) Rank() int {
	switch g {
	case GroupCollaborator:
		return 1
	case GroupTier1:
		return 2
	case GroupTier2:
		return 3
	default:
		return 0
	}
}

// SettingGroupKind tags the collection held by a SettingGroup.
type SettingGroupKind string

// Setting group kinds referenced by projects.
const (
	SettingArtifacts        SettingGroupKind = "artifacts"
	SettingFileModels       SettingGroupKind = "file_models"
	SettingModelFiles       SettingGroupKind = "model_files"
	SettingModelPredictions SettingGroupKind = "model_predictions"
)

// Valid reports whether k is a known kind.
func (k SettingGroupKind) Valid() bool {
	switch k {
	case SettingArtifacts, SettingFileModels, SettingModelFiles, SettingModelPredictions:
		return true
	default:
		return false
	}
}

// Project is the top-level container of a review workflow.
type Project struct {
	Base
	Name               string              `json:"name"`
	CreatorID          string              `json:"creator_id"`
	Archived           bool                `json:"archived"`
	ImportPath         string              `json:"import_path"`
	ExportPath         string              `json:"export_path"`
	AnatomyOrientation AnatomyOrientation  `json:"anatomy_orientation"`
	BlobPublic         bool                `json:"blob_public"`
	EvaluationModels   map[ScanType]string `json:"evaluation_models"`
	ArtifactGroupID    *string             `json:"artifact_group_id,omitempty"`
	FileModelGroupID   *string             `json:"file_model_group_id,omitempty"`
	ModelFileGroupID   *string             `json:"model_file_group_id,omitempty"`
	PredictionGroupID  *string             `json:"prediction_group_id,omitempty"`
}

// SettingGroupID returns the referenced group for kind, if any.
func (p Project) SettingGroupID(kind SettingGroupKind) (string, bool) {
	var ref *string
	switch kind {
	case SettingArtifacts:
		ref = p.ArtifactGroupID
	case SettingFileModels:
		ref = p.FileModelGroupID
	case SettingModelFiles:
		ref = p.ModelFileGroupID
	case SettingModelPredictions:
		ref = p.PredictionGroupID
	}
	if ref == nil || *ref == "" {
		return "", false
	}
	return *ref, true
}

// SetSettingGroupID points the project at groupID for kind. An empty id clears
// the reference.
func (p *Project) SetSettingGroupID(kind SettingGroupKind, groupID string) {
	var ref *string
	if groupID != "" {
		id := groupID
		ref = &id
	}
	switch kind {
	case SettingArtifacts:
		p.ArtifactGroupID = ref
	case SettingFileModels:
		p.FileModelGroupID = ref
	case SettingModelFiles:
		p.ModelFileGroupID = ref
	case SettingModelPredictions:
		p.PredictionGroupID = ref
	}
}

// Validate checks the evaluation model mapping against the supplied model
// names. It returns an error describing the first offending entry.
func (p Project) Validate(knownModels []string) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("project name is required")
	}
	switch p.AnatomyOrientation {
	case "", OrientationLPS, OrientationRAS:
	default:
		return fmt.Errorf("unknown anatomy orientation %q", p.AnatomyOrientation)
	}
	keys := make([]string, 0, len(p.EvaluationModels))
	for k := range p.EvaluationModels {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !ScanType(k).Valid() {
			return fmt.Errorf("evaluation models: %q is not a valid scan type", k)
		}
		model := p.EvaluationModels[ScanType(k)]
		if !containsString(knownModels, model) {
			return fmt.Errorf("evaluation models: %q is not a known model for %s", model, k)
		}
	}
	return nil
}

// Experiment groups scans acquired together and carries the review lock.
type Experiment struct {
	Base
	Name      string  `json:"name"`
	Note      string  `json:"note"`
	ProjectID string  `json:"project_id"`
	LockOwner *string `json:"lock_owner,omitempty"`
}

// LockedBy reports whether userID currently holds the review lock.
func (e Experiment) LockedBy(userID string) bool {
	return e.LockOwner != nil && *e.LockOwner == userID
}

// Locked reports whether any user holds the review lock.
func (e Experiment) Locked() bool {
	return e.LockOwner != nil && *e.LockOwner != ""
}

// Scan is a single acquisition within an experiment.
type Scan struct {
	Base
	Name         string   `json:"name"`
	Type         ScanType `json:"scan_type"`
	ExperimentID string   `json:"experiment_id"`
	SubjectID    *string  `json:"subject_id,omitempty"`
	SessionID    *string  `json:"session_id,omitempty"`
	Link         *string  `json:"scan_link,omitempty"`
}

// FrameStorage describes where a frame's bytes live.
type FrameStorage string

// Frame storage modes.
const (
	FrameStorageLocal  FrameStorage = "local"
	FrameStorageBlob   FrameStorage = "blob"
	FrameStorageUpload FrameStorage = "upload"
)

// Frame is one image file belonging to a scan.
type Frame struct {
	Base
	ScanID     string `json:"scan_id"`
	Number     int    `json:"frame_number"`
	RawPath    string `json:"raw_path"`
	ContentKey string `json:"content_key,omitempty"`
}

// Storage derives the storage mode from the frame's path and content key.
func (f Frame) Storage() FrameStorage {
	if f.ContentKey != "" {
		return FrameStorageUpload
	}
	if scheme, _, ok := strings.Cut(f.RawPath, "://"); ok && scheme != "" && !strings.ContainsAny(scheme, `/\`) {
		return FrameStorageBlob
	}
	return FrameStorageLocal
}

// Location is a voxel position of interest recorded with a decision.
type Location struct {
	I string `json:"i"`
	J string `json:"j"`
	K string `json:"k"`
}

// Complete reports whether all three coordinates are set.
func (l *Location) Complete() bool {
	return l != nil && l.I != "" && l.J != "" && l.K != ""
}

// ScanDecision is an append-only reviewer verdict on a scan.
type ScanDecision struct {
	ID        string                   `json:"id"`
	Created   *time.Time               `json:"created,omitempty"`
	// Seq is assigned by the store and increases with every decision
	// recorded on the scan.
	Seq       int64                    `json:"seq"`
	ScanID    string                   `json:"scan_id"`
	CreatorID *string                  `json:"creator_id,omitempty"`
	Decision  Decision                 `json:"decision"`
	Note      string                   `json:"note"`
	Artifacts map[string]ArtifactState `json:"artifacts"`
	Location  *Location                `json:"location,omitempty"`
}

// PresentArtifacts returns the names recorded as present, sorted.
func (d ScanDecision) PresentArtifacts() []string {
	var out []string
	for name, state := range d.Artifacts {
		if state == ArtifactPresent {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// SortDecisionsNewestFirst orders decisions by creation time descending.
// Decisions without a creation time sort last. Equal times fall back to the
// recording sequence, latest first.
func SortDecisionsNewestFirst(decisions []ScanDecision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		a, b := decisions[i].Created, decisions[j].Created
		switch {
		case a == nil && b == nil:
			return newerSeq(decisions[i], decisions[j])
		case a == nil:
			return false
		case b == nil:
			return true
		case a.Equal(*b):
			return newerSeq(decisions[i], decisions[j])
		default:
			return a.After(*b)
		}
	})
}

func newerSeq(a, b ScanDecision) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}
	return a.ID < b.ID
}

// SettingEntry is one key/value pair of a setting group.
type SettingEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SettingGroup is an ordered, kind-tagged collection of setting entries.
type SettingGroup struct {
	Base
	Name    string           `json:"name"`
	Kind    SettingGroupKind `json:"kind"`
	Entries []SettingEntry   `json:"entries"`
}

// Evaluation stores the output of one model run against one frame.
type Evaluation struct {
	Base
	FrameID string             `json:"frame_id"`
	Model   string             `json:"model"`
	Results map[string]float64 `json:"results"`
}

// User is a directory entry for an authenticated principal.
type User struct {
	Base
	Username  string `json:"username"`
	Email     string `json:"email"`
	Superuser bool   `json:"superuser"`
}

// Membership grants a user a permission group on a project.
type Membership struct {
	Base
	ProjectID string          `json:"project_id"`
	UserID    string          `json:"user_id"`
	Group     PermissionGroup `json:"group"`
}

// GlobalSettings holds the defaults used when no project is specified.
type GlobalSettings struct {
	ImportPath string    `json:"import_path"`
	ExportPath string    `json:"export_path"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock && v.Message != "" {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
