package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/registry"
)

// ToolEvent is one update about a tool call as streamed by the agent. Zero
// fields carry no information.
type ToolEvent struct {
	ToolCallID   string                  `json:"tool_call_id"`
	ToolName     string                  `json:"tool_name,omitempty"`
	Args         map[string]any          `json:"args,omitempty"`
	Status       domain.InvocationStatus `json:"status,omitempty"`
	Result       map[string]any          `json:"result,omitempty"`
	Artifacts    []string                `json:"artifacts,omitempty"`
	Progress     float64                 `json:"progress,omitempty"`
	Error        string                  `json:"error,omitempty"`
	RetryCount   int                     `json:"retry_count,omitempty"`
	SuggestionID string                  `json:"suggestion_id,omitempty"`
}

// Tracker holds the tool invocations of a conversation, one per tool call id.
// Status only moves forward and terminal statuses are final.
type Tracker struct {
	tools   *registry.Registry
	decider registry.Decider
	now     func() time.Time

	mu          sync.Mutex
	invocations map[string]*domain.ToolInvocation
	order       []string
	inFlight    map[string]bool
	onChange    func(domain.ToolInvocation)
}

// NewTracker creates a tracker resolving tool names through tools. decider
// receives the approvals and rejections of durable tools; it may be nil for
// conversations without a review backend.
func NewTracker(tools *registry.Registry, decider registry.Decider) *Tracker {
	if tools == nil {
		tools = registry.NewDefault()
	}
	return &Tracker{
		tools:       tools,
		decider:     decider,
		now:         time.Now,
		invocations: make(map[string]*domain.ToolInvocation),
		inFlight:    make(map[string]bool),
	}
}

// OnChange registers fn to receive every invocation after it changed. fn is
// called without the tracker lock held.
func (t *Tracker) OnChange(fn func(domain.ToolInvocation)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

func (t *Tracker) notify(inv domain.ToolInvocation) {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(inv)
	}
}

// Observe merges a streamed tool event. The first event for a call creates
// the invocation and moves it straight to needs_approval or executing,
// depending on whether the tool requires confirmation.
func (t *Tracker) Observe(ev ToolEvent) (domain.ToolInvocation, error) {
	if ev.ToolCallID == "" {
		return domain.ToolInvocation{}, domain.NewEngineError(domain.ErrInvalidRequest, "tool event has no tool_call_id")
	}

	t.mu.Lock()
	inv, ok := t.invocations[ev.ToolCallID]
	if !ok {
		tool := t.tools.Get(ev.ToolName)
		started := t.now()
		inv = &domain.ToolInvocation{
			ToolCallID:   ev.ToolCallID,
			ToolName:     ev.ToolName,
			Status:       domain.InvocationProposed,
			ApprovalType: tool.ApprovalType(),
			DangerLevel:  tool.DangerLevel(),
			StartedAt:    &started,
		}
		next := domain.InvocationExecuting
		if tool.RequiresConfirmation() {
			next = domain.InvocationNeedsApproval
		}
		advance(inv, next)
		t.invocations[ev.ToolCallID] = inv
		t.order = append(t.order, ev.ToolCallID)
	} else if inv.Status.Terminal() {
		cur := *inv
		t.mu.Unlock()
		return cur, nil
	}
	merge(inv, ev)
	cur := *inv
	t.mu.Unlock()

	t.notify(cur)
	return cur, nil
}

// merge copies the non-zero fields of ev onto inv.
func merge(inv *domain.ToolInvocation, ev ToolEvent) {
	if ev.ToolName != "" && inv.ToolName == "" {
		inv.ToolName = ev.ToolName
	}
	if ev.Args != nil {
		inv.Args = ev.Args
	}
	if ev.Result != nil {
		inv.Result = ev.Result
	}
	if len(ev.Artifacts) > 0 {
		inv.Artifacts = ev.Artifacts
	}
	if ev.Progress > inv.Progress {
		inv.Progress = ev.Progress
	}
	if ev.Error != "" {
		inv.Error = ev.Error
	}
	if ev.RetryCount > inv.RetryCount {
		inv.RetryCount = ev.RetryCount
	}
	if ev.SuggestionID != "" {
		inv.SuggestionID = ev.SuggestionID
	}
	switch {
	case ev.Status == "":
	case inv.Status == domain.InvocationNeedsApproval && ev.Status != domain.InvocationError:
		// Leaving needs_approval is up to the user.
	default:
		advance(inv, ev.Status)
	}
}

// advance moves inv forward to status, passing through executing when the
// direct step is not in the table. It reports whether the status changed.
func advance(inv *domain.ToolInvocation, status domain.InvocationStatus) bool {
	if inv.Status.Terminal() || status.Rank() <= inv.Status.Rank() {
		return false
	}
	if domain.CanAdvanceInvocation(inv.Status, status) {
		inv.Status = status
		return true
	}
	if domain.CanAdvanceInvocation(inv.Status, domain.InvocationExecuting) &&
		domain.CanAdvanceInvocation(domain.InvocationExecuting, status) {
		inv.Status = status
		return true
	}
	return false
}

// Get returns a copy of the invocation for toolCallID.
func (t *Tracker) Get(toolCallID string) (domain.ToolInvocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[toolCallID]
	if !ok {
		return domain.ToolInvocation{}, false
	}
	return *inv, true
}

// Invocations returns every invocation in the order they were first seen.
func (t *Tracker) Invocations() []domain.ToolInvocation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]domain.ToolInvocation, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.invocations[id])
	}
	return out
}

// claim marks a waiting invocation as being decided.
func (t *Tracker) claim(toolCallID string) (domain.ToolInvocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inv, ok := t.invocations[toolCallID]
	if !ok {
		return domain.ToolInvocation{}, domain.NewEngineError(domain.ErrInvocationNotFound, "no tool call "+toolCallID)
	}
	if inv.Status.Terminal() {
		return *inv, domain.NewEngineError(domain.ErrInvocationFinal,
			fmt.Sprintf("tool call %s is %s", toolCallID, inv.Status))
	}
	if inv.Status != domain.InvocationNeedsApproval {
		return *inv, domain.NewEngineError(domain.ErrInvalidTransition,
			fmt.Sprintf("tool call %s is %s, not awaiting approval", toolCallID, inv.Status))
	}
	if t.inFlight[toolCallID] {
		return *inv, domain.ErrOperationInProgress
	}
	t.inFlight[toolCallID] = true
	return *inv, nil
}

// Approve executes a tool call that is waiting for confirmation. Durable
// tools approve their suggestion; the resulting stage decides whether the
// invocation ends applied, ends in error, or keeps executing while the
// editor applies a content write. A refused approval leaves the invocation
// waiting with the refusal in Error.
func (t *Tracker) Approve(ctx context.Context, toolCallID string) (domain.ToolInvocation, error) {
	inv, err := t.claim(toolCallID)
	if err != nil {
		return inv, err
	}

	tool := t.tools.Get(inv.ToolName)
	out, execErr := tool.Execute(ctx, registry.Call{
		ToolCallID:   inv.ToolCallID,
		Args:         inv.Args,
		SuggestionID: inv.SuggestionID,
		Decider:      t.decider,
	})

	t.mu.Lock()
	delete(t.inFlight, toolCallID)
	cur := t.invocations[toolCallID]
	if cur == nil {
		// Cleared while the tool ran.
		t.mu.Unlock()
		return inv, execErr
	}
	var accepted *domain.ToolInvocation
	s := out.Suggestion
	switch {
	case s != nil && s.Stage == domain.StagePending:
		cur.Error = errText(execErr)
	case s != nil:
		if advance(cur, domain.InvocationExecuting) {
			step := *cur
			accepted = &step
		}
		advance(cur, s.Stage.InvocationStatus())
		cur.SuggestionID = s.ID
		if res, ok := decodeResult(s.Result); ok {
			cur.Result = res
		}
		cur.Error = s.Error
		if cur.Error == "" {
			cur.Error = errText(execErr)
		}
	case execErr != nil && waitsAfter(execErr):
		cur.Error = execErr.Error()
	case execErr != nil:
		advance(cur, domain.InvocationError)
		cur.Error = execErr.Error()
	default:
		advance(cur, domain.InvocationExecuting)
		cur.Error = ""
	}
	if out.Result != nil {
		cur.Result = out.Result
	}
	snapshot := *cur
	t.mu.Unlock()

	if execErr != nil {
		observability.Logger().Warn("tool approval refused", "tool_call_id", toolCallID, "tool", inv.ToolName, "error", execErr)
	}
	if accepted != nil && accepted.Status != snapshot.Status {
		t.notify(*accepted)
	}
	t.notify(snapshot)
	return snapshot, execErr
}

// decodeResult turns the stored result of a suggestion into the map form of
// an invocation result. Results that are not JSON objects are dropped.
func decodeResult(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		observability.Logger().Debug("suggestion result is not an object", "error", err)
		return nil, false
	}
	return m, true
}

// waitsAfter reports whether an approval failing with err can be retried, so
// the invocation keeps waiting for confirmation.
func waitsAfter(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindAbort, domain.KindRateLimit, domain.KindConflict, domain.KindAuthorization:
		return true
	}
	return false
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Reject declines a tool call that is waiting for confirmation. A durable
// tool call also rejects its suggestion; when that fails the invocation keeps
// waiting.
func (t *Tracker) Reject(ctx context.Context, toolCallID string) (domain.ToolInvocation, error) {
	inv, err := t.claim(toolCallID)
	if err != nil {
		return inv, err
	}

	var decideErr error
	if inv.SuggestionID != "" && t.decider != nil {
		_, decideErr = t.decider.Decide(ctx, inv.SuggestionID, domain.DecisionReject)
	}

	t.mu.Lock()
	delete(t.inFlight, toolCallID)
	cur := t.invocations[toolCallID]
	if cur == nil {
		t.mu.Unlock()
		return inv, decideErr
	}
	if decideErr != nil {
		cur.Error = decideErr.Error()
	} else {
		advance(cur, domain.InvocationRejected)
	}
	snapshot := *cur
	t.mu.Unlock()

	t.notify(snapshot)
	return snapshot, decideErr
}

// SyncSuggestion projects the stage of a durable suggestion onto the
// invocation that proposed it. It reports false when no invocation matches.
func (t *Tracker) SyncSuggestion(s domain.Suggestion) (domain.ToolInvocation, bool) {
	t.mu.Lock()
	inv := t.invocations[s.ToolCallID]
	if inv == nil {
		for _, id := range t.order {
			if c := t.invocations[id]; c.SuggestionID != "" && c.SuggestionID == s.ID {
				inv = c
				break
			}
		}
	}
	if inv == nil {
		t.mu.Unlock()
		return domain.ToolInvocation{}, false
	}
	inv.SuggestionID = s.ID
	changed := advance(inv, s.Stage.InvocationStatus())
	if changed && s.Error != "" {
		inv.Error = s.Error
	}
	snapshot := *inv
	t.mu.Unlock()

	if changed {
		t.notify(snapshot)
	}
	return snapshot, true
}

// Reset forgets every invocation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.invocations = make(map[string]*domain.ToolInvocation)
	t.order = nil
	t.inFlight = make(map[string]bool)
}
