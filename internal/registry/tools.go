package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

// mutationTool proposes a durable change. Its execution is the approval of
// the suggestion the agent recorded for the call.
type mutationTool struct {
	op      domain.Operation
	label   string
	danger  domain.DangerLevel
	summary func(args map[string]any) string
}

func (t mutationTool) Name() string                          { return string(t.op) }
func (t mutationTool) Label() string                         { return t.label }
func (t mutationTool) DangerLevel() domain.DangerLevel       { return t.danger }
func (t mutationTool) RequiresConfirmation() bool            { return true }
func (t mutationTool) RenderSummary(a map[string]any) string { return t.summary(a) }

func (t mutationTool) ApprovalType() string {
	if t.op == domain.OpWriteContent {
		return ApprovalEditor
	}
	return ApprovalExecution
}

// Operation returns the durable operation the tool proposes.
func (t mutationTool) Operation() domain.Operation { return t.op }

func (t mutationTool) Execute(ctx context.Context, call Call) (Outcome, error) {
	if call.SuggestionID == "" {
		return Outcome{}, domain.NewEngineError(domain.ErrInvalidRequest, "tool call "+call.ToolCallID+" carries no suggestion id")
	}
	if call.Decider == nil {
		return Outcome{}, domain.NewEngineError(domain.ErrInvalidRequest, "no decider configured")
	}
	s, err := call.Decider.Decide(ctx, call.SuggestionID, domain.DecisionApprove)
	return Outcome{Suggestion: s}, err
}

// readTool runs on the agent side without changing project state.
type readTool struct {
	name  string
	label string
}

func (t readTool) Name() string                    { return t.name }
func (t readTool) Label() string                   { return t.label }
func (t readTool) DangerLevel() domain.DangerLevel { return domain.DangerSafe }
func (t readTool) RequiresConfirmation() bool      { return false }
func (t readTool) ApprovalType() string            { return "" }

func (t readTool) RenderSummary(args map[string]any) string {
	if q := str(args, "query"); q != "" {
		return fmt.Sprintf("%s: %q", t.label, q)
	}
	return t.label
}

func (t readTool) Execute(ctx context.Context, call Call) (Outcome, error) {
	return Outcome{}, ctx.Err()
}

// fallbackTool stands in for names the registry does not know.
type fallbackTool struct {
	name string
}

func (t fallbackTool) Name() string                    { return t.name }
func (t fallbackTool) Label() string                   { return t.name }
func (t fallbackTool) DangerLevel() domain.DangerLevel { return domain.DangerSafe }
func (t fallbackTool) RequiresConfirmation() bool      { return true }
func (t fallbackTool) ApprovalType() string            { return ApprovalExecution }
func (t fallbackTool) RenderSummary(map[string]any) string {
	return t.name
}

// Execute approves the recorded suggestion when there is one; otherwise the
// agent owns the execution and reports it through later tool events.
func (t fallbackTool) Execute(ctx context.Context, call Call) (Outcome, error) {
	if call.SuggestionID != "" && call.Decider != nil {
		s, err := call.Decider.Decide(ctx, call.SuggestionID, domain.DecisionApprove)
		return Outcome{Suggestion: s}, err
	}
	return Outcome{}, ctx.Err()
}

func builtinTools() []Tool {
	return []Tool{
		mutationTool{op: domain.OpCreateEntity, label: "Create entity", danger: domain.DangerModerate, summary: entitySummary("Create")},
		mutationTool{op: domain.OpUpdateEntity, label: "Update entity", danger: domain.DangerModerate, summary: entitySummary("Update")},
		mutationTool{op: domain.OpDeleteEntity, label: "Delete entity", danger: domain.DangerDestructive, summary: entitySummary("Delete")},
		mutationTool{op: domain.OpCreateRelationship, label: "Create relationship", danger: domain.DangerModerate, summary: relationshipSummary("Link")},
		mutationTool{op: domain.OpUpdateRelationship, label: "Update relationship", danger: domain.DangerModerate, summary: relationshipSummary("Update")},
		mutationTool{op: domain.OpDeleteRelationship, label: "Delete relationship", danger: domain.DangerDestructive, summary: relationshipSummary("Unlink")},
		mutationTool{op: domain.OpWriteContent, label: "Write content", danger: domain.DangerModerate, summary: writeSummary},
		readTool{name: "search_context", label: "Search project"},
		readTool{name: "get_entity", label: "Read entity"},
		readTool{name: "list_relationships", label: "List relationships"},
	}
}

func entitySummary(verb string) func(map[string]any) string {
	return func(args map[string]any) string {
		name := str(args, "name")
		if name == "" {
			name = str(args, "entity_id")
		}
		if typ := str(args, "type"); typ != "" {
			return fmt.Sprintf("%s %s %q", verb, typ, name)
		}
		return fmt.Sprintf("%s %q", verb, name)
	}
}

func relationshipSummary(verb string) func(map[string]any) string {
	return func(args map[string]any) string {
		src, dst := str(args, "source_id"), str(args, "target_id")
		if src == "" && dst == "" {
			return fmt.Sprintf("%s relationship %s", verb, str(args, "relationship_id"))
		}
		return fmt.Sprintf("%s %s -[%s]-> %s", verb, src, str(args, "type"), dst)
	}
}

func writeSummary(args map[string]any) string {
	content := strings.TrimSpace(str(args, "content"))
	if r := []rune(content); len(r) > 60 {
		content = string(r[:60]) + "…"
	}
	return fmt.Sprintf("Write to %s: %q", str(args, "document_id"), content)
}

func str(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}
