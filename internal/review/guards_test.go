package review

import (
	"testing"

	scanerrors "scanqa/internal/errors"
)

func TestCanAcquire(t *testing.T) {
	tests := []struct {
		name        string
		ctx         LockContext
		wantAllowed bool
		wantStatus  int
	}{
		{"unlocked reviewer", LockContext{ExperimentID: "E", UserID: "A", CanReview: true}, true, 200},
		{"held by self", LockContext{ExperimentID: "E", UserID: "A", CanReview: true, Owner: "A"}, true, 200},
		{"held by other", LockContext{ExperimentID: "E", UserID: "A", CanReview: true, Owner: "B"}, false, 409},
		{"not a reviewer", LockContext{ExperimentID: "E", UserID: "A"}, false, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanAcquire(tt.ctx)
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (%s)", result.Allowed, tt.wantAllowed, result.Reason)
			}
			if got := scanerrors.HTTPStatus(result.Error()); got != tt.wantStatus {
				t.Fatalf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestCanRelease(t *testing.T) {
	tests := []struct {
		name        string
		ctx         LockContext
		wantAllowed bool
		wantStatus  int
	}{
		{"unlocked", LockContext{ExperimentID: "E", UserID: "A", CanReview: true}, true, 200},
		{"held by self", LockContext{ExperimentID: "E", UserID: "A", CanReview: true, Owner: "A"}, true, 200},
		{"held by other", LockContext{ExperimentID: "E", UserID: "A", CanReview: true, Owner: "B"}, false, 409},
		{"not a reviewer", LockContext{ExperimentID: "E", UserID: "A", Owner: "A"}, false, 403},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CanRelease(tt.ctx)
			if result.Allowed != tt.wantAllowed {
				t.Fatalf("Allowed = %v, want %v (%s)", result.Allowed, tt.wantAllowed, result.Reason)
			}
			if got := scanerrors.HTTPStatus(result.Error()); got != tt.wantStatus {
				t.Fatalf("status = %d, want %d", got, tt.wantStatus)
			}
		})
	}
}

func TestCanWriteDecisionDistinguishesDenials(t *testing.T) {
	locked := CanWriteDecision(LockContext{ExperimentID: "E", UserID: "A", CanReview: true, Owner: "B"})
	if locked.Allowed || !scanerrors.Is(locked.Error(), scanerrors.ErrLockRequired) {
		t.Fatalf("expected lock required, got %+v", locked)
	}
	if scanerrors.HTTPStatus(locked.Error()) != 403 {
		t.Fatalf("expected 403 for lock required")
	}
	denied := CanWriteDecision(LockContext{ExperimentID: "E", UserID: "A", Owner: "A"})
	if denied.Allowed || !scanerrors.Is(denied.Error(), scanerrors.ErrNoReviewCapability) {
		t.Fatalf("expected no capability, got %+v", denied)
	}
	if !CanWriteDecision(LockContext{ExperimentID: "E", UserID: "A", CanReview: true}).Allowed {
		t.Fatalf("unlocked experiment should allow the write")
	}
}
