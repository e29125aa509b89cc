package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// recheckParallelism bounds concurrent rechecks of a project's pending queue.
const recheckParallelism = 4

// Preflighter validates suggestions against the current state of their targets.
type Preflighter struct {
	DB          *sql.DB
	Suggestions *store.SuggestionRepo
	Events      *store.EventRepo
	Audit       *store.AuditRepo

	handlers map[domain.Operation]operationHandler
	now      func() time.Time
}

// NewPreflighter creates a Preflighter over db.
func NewPreflighter(db *sql.DB) *Preflighter {
	return &Preflighter{
		DB:          db,
		Suggestions: &store.SuggestionRepo{},
		Events:      &store.EventRepo{},
		Audit:       &store.AuditRepo{},
		handlers: newHandlers(&targets{
			Entities:      &store.EntityRepo{},
			Relationships: &store.RelationshipRepo{},
			Documents:     &store.DocumentRepo{},
		}),
		now: time.Now,
	}
}

func (p *Preflighter) handler(op domain.Operation) (operationHandler, error) {
	h, ok := p.handlers[op]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownOp, "unknown operation: "+string(op))
	}
	return h, nil
}

// Compute evaluates s against the state visible through q. It never mutates.
func (p *Preflighter) Compute(ctx context.Context, q store.Querier, s *domain.Suggestion) (domain.Preflight, error) {
	h, err := p.handler(s.Operation)
	if err != nil {
		pf := invalid(err.Error())
		pf.ComputedAt = p.now().UnixMilli()
		return pf, nil
	}
	pf, err := h.check(ctx, q, s)
	if err != nil {
		return domain.Preflight{}, domain.WrapEngineError(domain.ErrStoreQuery, "compute preflight", err)
	}
	pf.ComputedAt = p.now().UnixMilli()
	observability.RecordPreflight(ctx, string(pf.Status))
	return pf, nil
}

// Recheck recomputes and persists the preflight of a pending suggestion.
func (p *Preflighter) Recheck(ctx context.Context, suggestionID string) (s *domain.Suggestion, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.recheck", attribute.String("suggestion.id", suggestionID))
	defer func() { observability.EndSpan(span, err) }()

	err = store.WithTx(ctx, p.DB, func(tx *sql.Tx) error {
		cur, err := p.Suggestions.GetByID(ctx, tx, suggestionID)
		if err != nil {
			return err
		}
		if cur.Stage != domain.StagePending {
			return domain.NewEngineError(domain.ErrAlreadyResolved,
				fmt.Sprintf("suggestion %s is %s", cur.ID, cur.Stage))
		}
		pf, err := p.Compute(ctx, tx, cur)
		if err != nil {
			return err
		}
		cur.Preflight = &pf
		cur.UpdatedAt = pf.ComputedAt
		if err := p.Suggestions.UpdateTx(ctx, tx, cur); err != nil {
			return err
		}
		if err := appendEvent(ctx, tx, p.Events, cur, "suggestion.preflight", pf.ComputedAt); err != nil {
			return err
		}
		s = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.LoggerFromContext(ctx).Debug("preflight rechecked",
		"suggestion_id", s.ID, "status", s.Preflight.Status)
	return s, nil
}

// RecheckPending rechecks every pending suggestion of a project and returns
// the resulting status per suggestion id. Suggestions resolved in the
// meantime are skipped.
func (p *Preflighter) RecheckPending(ctx context.Context, projectID string) (map[string]domain.PreflightStatus, error) {
	ids, err := p.Suggestions.ListPendingIDs(ctx, p.DB, projectID)
	if err != nil {
		return nil, err
	}

	statuses := make([]domain.PreflightStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(recheckParallelism)
	for i, id := range ids {
		g.Go(func() error {
			s, err := p.Recheck(gctx, id)
			if err != nil {
				if domain.KindOf(err) == domain.KindConflict {
					return nil
				}
				return fmt.Errorf("recheck %s: %w", id, err)
			}
			statuses[i] = s.Preflight.Status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]domain.PreflightStatus, len(ids))
	for i, id := range ids {
		if statuses[i] != "" {
			out[id] = statuses[i]
		}
	}
	return out, nil
}

// stagePayload is the event payload describing a suggestion's state.
type stagePayload struct {
	Stage      domain.Stage            `json:"stage"`
	Status     domain.SuggestionStatus `json:"status"`
	Resolution domain.Resolution       `json:"resolution,omitempty"`
	Preflight  domain.PreflightStatus  `json:"preflight,omitempty"`
	Version    int64                   `json:"version"`
	Error      string                  `json:"error,omitempty"`
}

func appendEvent(ctx context.Context, tx *sql.Tx, events *store.EventRepo, s *domain.Suggestion, eventType string, now int64) error {
	payload := stagePayload{
		Stage:      s.Stage,
		Status:     s.Status,
		Resolution: s.Resolution,
		Version:    s.Version,
		Error:      s.Error,
	}
	if s.Preflight != nil {
		payload.Preflight = s.Preflight.Status
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = events.AppendTx(ctx, tx, domain.SuggestionEvent{
		ProjectID:    s.ProjectID,
		SuggestionID: s.ID,
		EventType:    eventType,
		PayloadJSON:  string(b),
		CreatedAt:    now,
	})
	if err != nil {
		return fmt.Errorf("append %s event: %w", eventType, err)
	}
	return nil
}
