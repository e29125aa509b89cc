package domain

// Stage is the single canonical lifecycle value of a proposed mutation.
// The durable (status, resolution) pair and the transient invocation status
// are both projections of it.
type Stage string

const (
	StagePending            Stage = "pending"
	StageApprovedForEditing Stage = "approved_for_editing"
	StageExecuted           Stage = "executed"
	StageRejected           Stage = "rejected"
	StageFailed             Stage = "failed"
	StageRolledBack         Stage = "rolled_back"
	StageAppliedInEditor    Stage = "applied_in_editor"
)

// stageTransitions defines the legal lifecycle transitions.
// Each key is a source stage, and the value is the set of valid target stages.
var stageTransitions = map[Stage]map[Stage]bool{
	StagePending: {
		StageExecuted:           true,
		StageRejected:           true,
		StageFailed:             true,
		StageApprovedForEditing: true,
	},
	StageApprovedForEditing: {StageAppliedInEditor: true},
	StageExecuted:           {StageRolledBack: true},
}

// CanTransition checks if a lifecycle transition is legal.
func CanTransition(from, to Stage) bool {
	targets, ok := stageTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether no further transition leaves s.
func (s Stage) Terminal() bool {
	return len(stageTransitions[s]) == 0
}

// Status projects the stage onto the persisted review status.
func (s Stage) Status() SuggestionStatus {
	switch s {
	case StagePending:
		return StatusProposed
	case StageApprovedForEditing:
		return StatusAccepted
	default:
		return StatusResolved
	}
}

// Resolution projects the stage onto the persisted resolution.
func (s Stage) Resolution() Resolution {
	switch s {
	case StageExecuted:
		return ResolutionExecuted
	case StageRejected:
		return ResolutionUserRejected
	case StageFailed:
		return ResolutionExecutionFailed
	case StageRolledBack:
		return ResolutionRolledBack
	case StageAppliedInEditor:
		return ResolutionAppliedInEditor
	default:
		return ResolutionNone
	}
}

// InvocationStatus projects the stage onto the transient tool invocation status.
// A rolled back suggestion was applied during the turn; the undo happens later
// and outside of it.
func (s Stage) InvocationStatus() InvocationStatus {
	switch s {
	case StagePending:
		return InvocationNeedsApproval
	case StageApprovedForEditing:
		return InvocationExecuting
	case StageExecuted, StageAppliedInEditor, StageRolledBack:
		return InvocationApplied
	case StageRejected:
		return InvocationRejected
	case StageFailed:
		return InvocationError
	default:
		return InvocationProposed
	}
}

// StageFrom rebuilds the canonical stage from a persisted status pair.
// Unknown combinations fall back to pending.
func StageFrom(status SuggestionStatus, resolution Resolution) Stage {
	switch status {
	case StatusAccepted:
		return StageApprovedForEditing
	case StatusRejected:
		return StageRejected
	case StatusResolved:
		switch resolution {
		case ResolutionExecuted:
			return StageExecuted
		case ResolutionUserRejected:
			return StageRejected
		case ResolutionExecutionFailed:
			return StageFailed
		case ResolutionRolledBack:
			return StageRolledBack
		case ResolutionAppliedInEditor:
			return StageAppliedInEditor
		}
	}
	return StagePending
}

// invocationOrder ranks invocation statuses so updates only move forward.
var invocationOrder = map[InvocationStatus]int{
	InvocationProposed:      0,
	InvocationNeedsApproval: 1,
	InvocationExecuting:     2,
	InvocationApplied:       3,
	InvocationRejected:      3,
	InvocationError:         3,
}

// invocationTransitions is the transient tool invocation state machine.
var invocationTransitions = map[InvocationStatus]map[InvocationStatus]bool{
	InvocationProposed: {
		InvocationNeedsApproval: true,
		InvocationExecuting:     true,
		InvocationError:         true,
	},
	InvocationNeedsApproval: {
		InvocationExecuting: true,
		InvocationRejected:  true,
		InvocationError:     true,
	},
	InvocationExecuting: {
		InvocationApplied: true,
		InvocationError:   true,
	},
}

// CanAdvanceInvocation checks if a tool invocation may move from one status to another.
func CanAdvanceInvocation(from, to InvocationStatus) bool {
	return invocationTransitions[from][to]
}

// Terminal reports whether s is final for its tool call.
func (s InvocationStatus) Terminal() bool {
	return s == InvocationApplied || s == InvocationRejected || s == InvocationError
}

// Rank orders statuses along the lifecycle.
func (s InvocationStatus) Rank() int {
	return invocationOrder[s]
}
