package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Sophanos/saga-sub007/internal/domain"
)

var validate = validator.New()

// RelationshipSpec is a relationship created together with a new entity.
type RelationshipSpec struct {
	TargetID   string         `json:"target_id" validate:"required"`
	Type       string         `json:"type" validate:"required,max=100"`
	Properties map[string]any `json:"properties,omitempty"`
}

// CreateEntityPatch proposes a new entity.
type CreateEntityPatch struct {
	Type          string             `json:"type" validate:"required,max=100"`
	Name          string             `json:"name" validate:"required,max=200"`
	Properties    map[string]any     `json:"properties,omitempty"`
	Relationships []RelationshipSpec `json:"relationships,omitempty" validate:"dive"`
}

// UpdateEntityPatch proposes field changes on an entity. A nil property value
// removes the property. Expected maps field names ("name", "type" or
// "properties.<key>") to the values the proposer saw.
type UpdateEntityPatch struct {
	EntityID   string         `json:"entity_id" validate:"required"`
	Name       *string        `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Type       *string        `json:"type,omitempty" validate:"omitempty,min=1,max=100"`
	Properties map[string]any `json:"properties,omitempty"`
	Expected   map[string]any `json:"expected,omitempty"`
}

// DeleteEntityPatch proposes removing an entity.
type DeleteEntityPatch struct {
	EntityID string         `json:"entity_id" validate:"required"`
	Expected map[string]any `json:"expected,omitempty"`
}

// CreateRelationshipPatch proposes a link between two entities.
type CreateRelationshipPatch struct {
	SourceID   string         `json:"source_id" validate:"required"`
	TargetID   string         `json:"target_id" validate:"required,nefield=SourceID"`
	Type       string         `json:"type" validate:"required,max=100"`
	Properties map[string]any `json:"properties,omitempty"`
}

// UpdateRelationshipPatch proposes changes on a relationship.
type UpdateRelationshipPatch struct {
	RelationshipID string         `json:"relationship_id" validate:"required"`
	Type           *string        `json:"type,omitempty" validate:"omitempty,min=1,max=100"`
	Properties     map[string]any `json:"properties,omitempty"`
	Expected       map[string]any `json:"expected,omitempty"`
}

// DeleteRelationshipPatch proposes removing a relationship.
type DeleteRelationshipPatch struct {
	RelationshipID string         `json:"relationship_id" validate:"required"`
	Expected       map[string]any `json:"expected,omitempty"`
}

// Write modes for content proposals.
const (
	ModeReplaceSelection = "replace_selection"
	ModeInsertAtCursor   = "insert_at_cursor"
	ModeAppend           = "append"
)

// WriteContentPatch proposes text for an editor document. BaseVersion is the
// document version the proposer read.
type WriteContentPatch struct {
	DocumentID    string `json:"document_id" validate:"required"`
	Content       string `json:"content" validate:"required"`
	Mode          string `json:"mode" validate:"oneof=replace_selection insert_at_cursor append"`
	SelectionText string `json:"selection_text,omitempty"`
	BaseVersion   int64  `json:"base_version,omitempty" validate:"gte=0"`
}

// decodePatch strictly decodes raw into T. Malformed JSON and unknown fields
// are ErrInvalidPatch.
func decodePatch[T any](raw json.RawMessage) (T, error) {
	var p T
	if len(bytes.TrimSpace(raw)) == 0 {
		return p, domain.NewEngineError(domain.ErrInvalidPatch, "patch is empty")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, domain.WrapEngineError(domain.ErrInvalidPatch, err.Error(), err)
	}
	return p, nil
}

// validationErrors renders validator failures as one message per field.
func validationErrors(v any) []string {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Namespace())
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return msgs
}

func trimPtr(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	return &t
}

// sameValue compares two decoded JSON values by their canonical encoding.
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// fieldValue resolves an expectation key against a field set.
func fieldValue(key string, fields map[string]any, props map[string]any) (any, bool) {
	if name, ok := strings.CutPrefix(key, "properties."); ok {
		v, present := props[name]
		return v, present
	}
	v, ok := fields[key]
	return v, ok
}

// checkExpected compares the proposer's expectations with the current
// values. A mismatch is a conflict unless the target already holds the
// proposed value, which is only a warning.
func checkExpected(expected map[string]any, current, proposed map[string]any, currentProps, proposedProps map[string]any) (conflicts, warnings []string) {
	for key, want := range expected {
		have, present := fieldValue(key, current, currentProps)
		if !present {
			have = nil
		}
		if sameValue(have, want) {
			continue
		}
		if next, ok := fieldValue(key, proposed, proposedProps); ok && sameValue(have, next) {
			warnings = append(warnings, fmt.Sprintf("%s already has the proposed value", key))
			continue
		}
		conflicts = append(conflicts, fmt.Sprintf("%s changed: expected %s, found %s", key, render(want), render(have)))
	}
	sort.Strings(conflicts)
	sort.Strings(warnings)
	return conflicts, warnings
}

func render(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// mergeProperties applies patch onto base. Nil values delete keys.
func mergeProperties(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
