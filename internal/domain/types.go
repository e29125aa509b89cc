// Package domain defines the core types for the proposal governance engine.
package domain

import (
	"encoding/json"
	"time"
)

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageKind distinguishes plain text messages from tool-call messages.
type MessageKind string

const (
	KindText MessageKind = "text"
	KindTool MessageKind = "tool"
)

// Mention references a project object the user pointed at in a message.
type Mention struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Attachment is an opaque file reference carried along with a message.
type Attachment struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Name     string `json:"name"`
}

// Message is one entry of a conversation.
type Message struct {
	ID          string          `json:"id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Timestamp   time.Time       `json:"timestamp"`
	Mentions    []Mention       `json:"mentions,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	IsStreaming bool            `json:"is_streaming"`
	Kind        MessageKind     `json:"kind"`
	Tool        *ToolInvocation `json:"tool,omitempty"`
}

// InvocationStatus is the transient status of a tool call within one turn.
type InvocationStatus string

const (
	InvocationProposed      InvocationStatus = "proposed"
	InvocationNeedsApproval InvocationStatus = "needs_approval"
	InvocationExecuting     InvocationStatus = "executing"
	InvocationApplied       InvocationStatus = "applied"
	InvocationRejected      InvocationStatus = "rejected"
	InvocationError         InvocationStatus = "error"
)

// DangerLevel describes how destructive a tool is.
type DangerLevel string

const (
	DangerSafe        DangerLevel = "safe"
	DangerModerate    DangerLevel = "moderate"
	DangerDestructive DangerLevel = "destructive"
)

// ToolInvocation is the state of one tool call surfaced in a streamed turn.
type ToolInvocation struct {
	ToolCallID   string           `json:"tool_call_id"`
	ToolName     string           `json:"tool_name"`
	Args         map[string]any   `json:"args,omitempty"`
	Status       InvocationStatus `json:"status"`
	ApprovalType string           `json:"approval_type,omitempty"`
	DangerLevel  DangerLevel      `json:"danger_level,omitempty"`
	Result       map[string]any   `json:"result,omitempty"`
	Artifacts    []string         `json:"artifacts,omitempty"`
	Progress     float64          `json:"progress,omitempty"`
	Error        string           `json:"error,omitempty"`
	RetryCount   int              `json:"retry_count"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	SuggestionID string           `json:"suggestion_id,omitempty"`
}

// TargetType is the kind of project object a suggestion mutates.
type TargetType string

const (
	TargetEntity       TargetType = "entity"
	TargetRelationship TargetType = "relationship"
	TargetDocument     TargetType = "document"
)

// Operation is the mutation a suggestion proposes.
type Operation string

const (
	OpCreateEntity       Operation = "create_entity"
	OpUpdateEntity       Operation = "update_entity"
	OpDeleteEntity       Operation = "delete_entity"
	OpCreateRelationship Operation = "create_relationship"
	OpUpdateRelationship Operation = "update_relationship"
	OpDeleteRelationship Operation = "delete_relationship"
	OpWriteContent       Operation = "write_content"
)

// TargetType returns the target kind an operation acts on.
func (o Operation) TargetType() TargetType {
	switch o {
	case OpCreateEntity, OpUpdateEntity, OpDeleteEntity:
		return TargetEntity
	case OpCreateRelationship, OpUpdateRelationship, OpDeleteRelationship:
		return TargetRelationship
	case OpWriteContent:
		return TargetDocument
	default:
		return ""
	}
}

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o.TargetType() != ""
}

// SuggestionStatus is the coarse, persisted review status.
type SuggestionStatus string

const (
	StatusProposed SuggestionStatus = "proposed"
	StatusAccepted SuggestionStatus = "accepted"
	StatusRejected SuggestionStatus = "rejected"
	StatusResolved SuggestionStatus = "resolved"

	// StatusAll is a list filter meaning "no status filter".
	StatusAll SuggestionStatus = "all"
)

// Resolution records how a resolved suggestion ended.
type Resolution string

const (
	ResolutionNone            Resolution = ""
	ResolutionExecuted        Resolution = "executed"
	ResolutionUserRejected    Resolution = "user_rejected"
	ResolutionExecutionFailed Resolution = "execution_failed"
	ResolutionRolledBack      Resolution = "rolled_back"
	ResolutionAppliedInEditor Resolution = "applied_in_editor"
)

// RiskLevel is how carefully a reviewer should look at a suggestion.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskHigh RiskLevel = "high"
	RiskCore RiskLevel = "core"
)

// Decision is a reviewer's verdict on a suggestion.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is approve or reject.
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// PreflightStatus is the outcome of validating a suggestion against current state.
type PreflightStatus string

const (
	PreflightOK       PreflightStatus = "ok"
	PreflightInvalid  PreflightStatus = "invalid"
	PreflightConflict PreflightStatus = "conflict"
)

// Preflight is a snapshot of a suggestion's validity against its target.
type Preflight struct {
	Status           PreflightStatus `json:"status"`
	Errors           []string        `json:"errors,omitempty"`
	Warnings         []string        `json:"warnings,omitempty"`
	ResolvedTargetID string          `json:"resolved_target_id,omitempty"`
	ComputedAt       int64           `json:"computed_at"`
}

// Actor identifies who proposed a suggestion.
type Actor struct {
	Type    string `json:"type"`
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

// EditorContext records where in a document a content-write proposal applies.
type EditorContext struct {
	DocumentID      string `json:"document_id"`
	SelectionText   string `json:"selection_text,omitempty"`
	SelectionStart  int    `json:"selection_start,omitempty"`
	SelectionEnd    int    `json:"selection_end,omitempty"`
	DocumentExcerpt string `json:"document_excerpt,omitempty"`
}

// RollbackKind names the inversion a rollback descriptor performs.
type RollbackKind string

const (
	RollbackDeleteCreatedEntity       RollbackKind = "delete_created_entity"
	RollbackRestoreEntity             RollbackKind = "restore_entity"
	RollbackRecreateEntity            RollbackKind = "recreate_entity"
	RollbackDeleteCreatedRelationship RollbackKind = "delete_created_relationship"
	RollbackRestoreRelationship       RollbackKind = "restore_relationship"
	RollbackRecreateRelationship      RollbackKind = "recreate_relationship"
)

// RollbackDescriptor holds what is needed to invert an executed suggestion.
type RollbackDescriptor struct {
	Kind           RollbackKind  `json:"kind"`
	TargetID       string        `json:"target_id"`
	AppliedVersion int64         `json:"applied_version"`
	Entity         *Entity       `json:"entity,omitempty"`
	Relationship   *Relationship `json:"relationship,omitempty"`
	// SideEffects lists relationships created together with the primary change.
	SideEffects []string `json:"side_effects,omitempty"`
}

// Suggestion is a durable proposal for a mutation awaiting or having received review.
type Suggestion struct {
	ID                 string              `json:"id"`
	ProjectID          string              `json:"project_id"`
	TargetType         TargetType          `json:"target_type"`
	TargetID           string              `json:"target_id,omitempty"`
	Operation          Operation           `json:"operation"`
	ToolName           string              `json:"tool_name,omitempty"`
	ToolCallID         string              `json:"tool_call_id,omitempty"`
	ProposedPatch      json.RawMessage     `json:"proposed_patch"`
	NormalizedPatch    json.RawMessage     `json:"normalized_patch,omitempty"`
	EditorContext      *EditorContext      `json:"editor_context,omitempty"`
	Stage              Stage               `json:"stage"`
	Status             SuggestionStatus    `json:"status"`
	Resolution         Resolution          `json:"resolution,omitempty"`
	Preflight          *Preflight          `json:"preflight,omitempty"`
	RiskLevel          RiskLevel           `json:"risk_level"`
	Actor              Actor               `json:"actor"`
	CreatedAt          int64               `json:"created_at"`
	UpdatedAt          int64               `json:"updated_at"`
	ResolvedAt         int64               `json:"resolved_at,omitempty"`
	ResolvedByUserID   string              `json:"resolved_by_user_id,omitempty"`
	Result             json.RawMessage     `json:"result,omitempty"`
	Error              string              `json:"error,omitempty"`
	Rollback           *RollbackDescriptor `json:"rollback,omitempty"`
	RolledBackAt       int64               `json:"rolled_back_at,omitempty"`
	RolledBackByUserID string              `json:"rolled_back_by_user_id,omitempty"`
	Version            int64               `json:"version"`
}

// Patch returns the patch the engine acts on: the normalized one when present.
func (s *Suggestion) Patch() json.RawMessage {
	if len(s.NormalizedPatch) > 0 {
		return s.NormalizedPatch
	}
	return s.ProposedPatch
}

// SetStage moves the suggestion to stage and keeps Status/Resolution in sync.
func (s *Suggestion) SetStage(stage Stage) {
	s.Stage = stage
	s.Status = stage.Status()
	s.Resolution = stage.Resolution()
}

// CitationSource is where a citation's evidence comes from.
type CitationSource string

const (
	SourceMemory      CitationSource = "memory"
	SourceImageRegion CitationSource = "image_region"
)

// Visibility controls how much of a citation a reviewer may see.
type Visibility string

const (
	VisibilityProject  Visibility = "project"
	VisibilityPrivate  Visibility = "private"
	VisibilityRedacted Visibility = "redacted"
)

// Region is a rectangle inside an image asset.
type Region struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Citation is read-only evidence supporting a suggestion.
type Citation struct {
	ID             string         `json:"id"`
	SuggestionID   string         `json:"suggestion_id"`
	SourceKind     CitationSource `json:"source_kind"`
	MemoryID       string         `json:"memory_id,omitempty"`
	MemoryCategory string         `json:"memory_category,omitempty"`
	AssetID        string         `json:"asset_id,omitempty"`
	Region         *Region        `json:"region,omitempty"`
	Visibility     Visibility     `json:"visibility"`
	Excerpt        string         `json:"excerpt,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      int64          `json:"created_at"`
}

// Redacted returns the citation as a reviewer may see it. Redacted citations
// keep only their identity, kind and reason.
func (c Citation) Redacted() Citation {
	if c.Visibility != VisibilityRedacted {
		return c
	}
	return Citation{
		ID:           c.ID,
		SuggestionID: c.SuggestionID,
		SourceKind:   c.SourceKind,
		Visibility:   c.Visibility,
		Reason:       c.Reason,
		CreatedAt:    c.CreatedAt,
	}
}

// Entity is a project object such as a character or a location.
type Entity struct {
	ID                    string         `json:"id"`
	ProjectID             string         `json:"project_id"`
	Type                  string         `json:"type"`
	Name                  string         `json:"name"`
	Properties            map[string]any `json:"properties,omitempty"`
	Version               int64          `json:"version"`
	CreatedBySuggestionID string         `json:"created_by_suggestion_id,omitempty"`
	CreatedAt             int64          `json:"created_at"`
	UpdatedAt             int64          `json:"updated_at"`
}

// Relationship links two entities.
type Relationship struct {
	ID                    string         `json:"id"`
	ProjectID             string         `json:"project_id"`
	SourceID              string         `json:"source_id"`
	TargetID              string         `json:"target_id"`
	Type                  string         `json:"type"`
	Properties            map[string]any `json:"properties,omitempty"`
	Version               int64          `json:"version"`
	CreatedBySuggestionID string         `json:"created_by_suggestion_id,omitempty"`
	CreatedAt             int64          `json:"created_at"`
	UpdatedAt             int64          `json:"updated_at"`
}

// Document is the server-side mirror of an editor document.
type Document struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Version   int64  `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

// SuggestionEvent is an entry of a project's suggestion event log.
type SuggestionEvent struct {
	ID           int64  `json:"id"`
	ProjectID    string `json:"project_id"`
	SeqNo        int64  `json:"seq_no"`
	SuggestionID string `json:"suggestion_id"`
	EventType    string `json:"event_type"`
	PayloadJSON  string `json:"payload_json"`
	CreatedAt    int64  `json:"created_at"`
}

// AuditRecord logs review decisions and other governance events.
type AuditRecord struct {
	ID           string
	ProjectID    string
	SuggestionID string
	Category     string
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}

// DecisionOutcome is the per-id result of a batch decision.
type DecisionOutcome struct {
	SuggestionID string      `json:"suggestion_id"`
	Suggestion   *Suggestion `json:"suggestion,omitempty"`
	ErrorCode    int         `json:"error_code,omitempty"`
	ErrorKind    ErrorKind   `json:"error_kind,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ContextItem is a grounding item retrieved for one agent turn.
type ContextItem struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Title   string  `json:"title,omitempty"`
	Excerpt string  `json:"excerpt,omitempty"`
	Score   float64 `json:"score,omitempty"`
}
