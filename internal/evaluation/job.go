package evaluation

import (
	"sort"
	"time"
)

// Batch maps a project id to the ids of the frames to evaluate.
type Batch map[string][]string

// Size returns the number of frames in the batch.
func (b Batch) Size() int {
	n := 0
	for _, ids := range b {
		n += len(ids)
	}
	return n
}

// ProjectIDs returns the batch's project ids in sorted order.
func (b Batch) ProjectIDs() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b Batch) clone() Batch {
	out := make(Batch, len(b))
	for k, v := range b {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// JobStatus describes the lifecycle stage of an evaluation job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Failure records why one frame produced no evaluation.
type Failure struct {
	FrameID string `json:"frame_id"`
	Model   string `json:"model,omitempty"`
	Error   string `json:"error"`
}

// Outcome summarizes a finished batch.
type Outcome struct {
	Evaluated int       `json:"evaluated"`
	Skipped   int       `json:"skipped"`
	Discarded int       `json:"discarded"`
	Failures  []Failure `json:"failures,omitempty"`
}

func (o *Outcome) merge(other Outcome) {
	o.Evaluated += other.Evaluated
	o.Skipped += other.Skipped
	o.Discarded += other.Discarded
	o.Failures = append(o.Failures, other.Failures...)
}

// Job tracks an asynchronous evaluation request.
type Job struct {
	ID          string     `json:"id"`
	Batch       Batch      `json:"batch,omitempty"`
	FrameID     string     `json:"frame_id,omitempty"`
	Status      JobStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Outcome     *Outcome   `json:"outcome,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) copy() Job {
	out := *j
	if j.Batch != nil {
		out.Batch = j.Batch.clone()
	}
	if j.Outcome != nil {
		o := *j.Outcome
		o.Failures = append([]Failure(nil), j.Outcome.Failures...)
		out.Outcome = &o
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
