package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Stage
		want     bool
	}{
		{StagePending, StageExecuted, true},
		{StagePending, StageRejected, true},
		{StagePending, StageFailed, true},
		{StagePending, StageApprovedForEditing, true},
		{StageApprovedForEditing, StageAppliedInEditor, true},
		{StageExecuted, StageRolledBack, true},
		{StageExecuted, StagePending, false},
		{StageRejected, StageExecuted, false},
		{StageFailed, StageRolledBack, false},
		{StageRolledBack, StageRolledBack, false},
		{StageAppliedInEditor, StageRolledBack, false},
		{StagePending, StageRolledBack, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStageProjectionsRoundTrip(t *testing.T) {
	stages := []Stage{
		StagePending, StageApprovedForEditing, StageExecuted, StageRejected,
		StageFailed, StageRolledBack, StageAppliedInEditor,
	}
	for _, s := range stages {
		if got := StageFrom(s.Status(), s.Resolution()); got != s {
			t.Errorf("StageFrom(%s.Status(), %s.Resolution()) = %s", s, s, got)
		}
	}
}

func TestStageStatusNeverGoesBackward(t *testing.T) {
	rank := map[SuggestionStatus]int{StatusProposed: 0, StatusAccepted: 1, StatusResolved: 2}
	for from, targets := range stageTransitions {
		for to := range targets {
			if rank[to.Status()] < rank[from.Status()] {
				t.Errorf("%s -> %s moves status %s back to %s", from, to, from.Status(), to.Status())
			}
		}
	}
}

func TestRolledBackOnlyFromExecuted(t *testing.T) {
	for from, targets := range stageTransitions {
		if targets[StageRolledBack] && from != StageExecuted {
			t.Errorf("rolled_back reachable from %s", from)
		}
	}
}

func TestInvocationTransitions(t *testing.T) {
	if !CanAdvanceInvocation(InvocationProposed, InvocationNeedsApproval) {
		t.Error("proposed -> needs_approval should be legal")
	}
	if !CanAdvanceInvocation(InvocationNeedsApproval, InvocationRejected) {
		t.Error("needs_approval -> rejected should be legal")
	}
	if CanAdvanceInvocation(InvocationExecuting, InvocationRejected) {
		t.Error("executing -> rejected should be illegal")
	}
	for _, s := range []InvocationStatus{InvocationApplied, InvocationRejected, InvocationError} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if CanAdvanceInvocation(s, InvocationExecuting) {
			t.Errorf("%s -> executing should be illegal", s)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"canceled", context.Canceled, KindAbort},
		{"wrapped canceled", fmt.Errorf("send: %w", context.Canceled), KindAbort},
		{"conflict", ErrPreflightConflict, KindConflict},
		{"wrapped rate limit", fmt.Errorf("decide: %w", ErrRateLimitExceeded), KindRateLimit},
		{"derived", NewEngineError(ErrUnauthorized, "token expired"), KindAuthorization},
		{"plain", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("%s: KindOf = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestEngineErrorIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("rollback: %w", NewEngineError(ErrAlreadyRolledBack, "suggestion s-1 already rolled back"))
	if !errors.Is(err, ErrAlreadyRolledBack) {
		t.Error("derived error should match its sentinel")
	}
	if errors.Is(err, ErrRollbackUnavailable) {
		t.Error("derived error should not match a different sentinel")
	}
}

func TestCitationRedacted(t *testing.T) {
	c := Citation{
		ID: "c1", SuggestionID: "s1", SourceKind: SourceMemory, MemoryID: "m1",
		Visibility: VisibilityRedacted, Excerpt: "secret", Reason: "private memory",
	}
	r := c.Redacted()
	if r.Excerpt != "" || r.MemoryID != "" {
		t.Errorf("redacted citation leaked content: %+v", r)
	}
	if r.Reason != "private memory" {
		t.Errorf("Reason = %q, want %q", r.Reason, "private memory")
	}

	c.Visibility = VisibilityProject
	if got := c.Redacted(); got.Excerpt != "secret" {
		t.Errorf("project citation Excerpt = %q, want %q", got.Excerpt, "secret")
	}
}
