// Package review implements the exclusive experiment lock and the decision
// write path guarded by it. Guards are pure functions that evaluate
// preconditions without side effects; Manager applies them inside store
// transactions.
package review

import (
	"fmt"

	scanerrors "scanqa/internal/errors"
)

// GuardResult represents the outcome of a guard evaluation.
type GuardResult struct {
	Allowed bool
	Reason  string
	err     error
}

// Error converts the guard result to a categorized error if not allowed.
func (r GuardResult) Error() error {
	if r.Allowed {
		return nil
	}
	if r.err != nil {
		return r.err
	}
	return scanerrors.Forbidden(fmt.Errorf("%s", r.Reason))
}

// LockContext describes an experiment's lock state from one user's view.
type LockContext struct {
	ExperimentID string
	UserID       string
	CanReview    bool
	Owner        string // empty when unlocked
}

func (c LockContext) heldByOther() bool {
	return c.Owner != "" && c.Owner != c.UserID
}

func noCapability(c LockContext) GuardResult {
	return GuardResult{
		Reason: scanerrors.ErrNoReviewCapability.Error(),
		err: scanerrors.New(scanerrors.ErrNoReviewCapability).
			Category(scanerrors.CategoryForbidden).
			Context("experiment_id", c.ExperimentID).
			Context("user_id", c.UserID).
			Build(),
	}
}

// CanAcquire evaluates whether the user may take the lock.
// Rules:
// - User must hold review capability on the project
// - Lock must be free or already held by the user
func CanAcquire(c LockContext) GuardResult {
	if !c.CanReview {
		return noCapability(c)
	}
	if c.heldByOther() {
		reason := fmt.Sprintf("experiment %s is locked by another user", c.ExperimentID)
		return GuardResult{Reason: reason, err: scanerrors.Conflict(reason)}
	}
	return GuardResult{Allowed: true}
}

// CanRelease evaluates whether the user may drop the lock.
// Rules:
// - User must hold review capability on the project
// - Lock must be free or held by the user
func CanRelease(c LockContext) GuardResult {
	if !c.CanReview {
		return noCapability(c)
	}
	if c.heldByOther() {
		reason := fmt.Sprintf("only the lock owner can release experiment %s", c.ExperimentID)
		return GuardResult{Reason: reason, err: scanerrors.Conflict(reason)}
	}
	return GuardResult{Allowed: true}
}

// CanWriteDecision evaluates whether the user may record a decision on a
// scan of the experiment.
// Rules:
// - User must hold review capability on the project
// - Lock must be free (it is taken on write) or held by the user
func CanWriteDecision(c LockContext) GuardResult {
	if !c.CanReview {
		return noCapability(c)
	}
	if c.heldByOther() {
		return GuardResult{
			Reason: scanerrors.ErrLockRequired.Error(),
			err: scanerrors.New(scanerrors.ErrLockRequired).
				Category(scanerrors.CategoryForbidden).
				Context("experiment_id", c.ExperimentID).
				Build(),
		}
	}
	return GuardResult{Allowed: true}
}
