// Package workflow implements the suggestion lifecycle: preflight, approval,
// execution and rollback.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// GateDecision is the outcome of evaluating approval gates.
type GateDecision struct {
	Allow    bool
	Blockers []string
	// Refusal is the error reported to the caller when Allow is false.
	Refusal *domain.EngineError
}

// Err returns the refusal as an error carrying every blocker.
func (d GateDecision) Err() error {
	if d.Allow {
		return nil
	}
	base := d.Refusal
	if base == nil {
		base = domain.ErrInvalidTransition
	}
	return domain.NewEngineError(base, strings.Join(d.Blockers, "; "))
}

// Gate evaluates whether a suggestion may be approved.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, q store.Querier, s *domain.Suggestion) (GateDecision, error)
}

// PendingGate only lets pending suggestions through.
type PendingGate struct{}

// Name returns the gate name.
func (PendingGate) Name() string { return "pending" }

// Evaluate checks the suggestion stage.
func (PendingGate) Evaluate(_ context.Context, _ store.Querier, s *domain.Suggestion) (GateDecision, error) {
	if s.Stage == domain.StagePending {
		return GateDecision{Allow: true}, nil
	}
	return GateDecision{
		Blockers: []string{fmt.Sprintf("suggestion is %s", s.Stage)},
		Refusal:  domain.ErrAlreadyResolved,
	}, nil
}

// PreflightGate requires both the stored preflight and a fresh one to be ok.
// The fresh preflight replaces the stored one on s.
type PreflightGate struct {
	Preflighter *Preflighter
}

// Name returns the gate name.
func (g *PreflightGate) Name() string { return "preflight" }

// Evaluate recomputes the preflight through q.
func (g *PreflightGate) Evaluate(ctx context.Context, q store.Querier, s *domain.Suggestion) (GateDecision, error) {
	stored := s.Preflight
	fresh, err := g.Preflighter.Compute(ctx, q, s)
	if err != nil {
		return GateDecision{}, err
	}
	s.Preflight = &fresh

	if fresh.Status != domain.PreflightOK {
		d := GateDecision{Blockers: fresh.Errors, Refusal: domain.ErrPreflightConflict}
		if fresh.Status == domain.PreflightInvalid {
			d.Refusal = domain.ErrPreflightInvalid
		}
		if len(d.Blockers) == 0 {
			d.Blockers = []string{"preflight " + string(fresh.Status)}
		}
		return d, nil
	}
	if stored == nil || stored.Status != domain.PreflightOK {
		status := "missing"
		if stored != nil {
			status = string(stored.Status)
		}
		return GateDecision{
			Blockers: []string{"stored preflight was " + status + "; review the refreshed preflight and approve again"},
			Refusal:  domain.ErrPreflightConflict,
		}, nil
	}
	return GateDecision{Allow: true}, nil
}

// OperationGateRegistry maps each operation to its ordered approval gates.
type OperationGateRegistry struct {
	gates map[domain.Operation][]Gate
}

// NewOperationGateRegistry creates a registry where every operation passes
// the pending and preflight gates.
func NewOperationGateRegistry(p *Preflighter) *OperationGateRegistry {
	defaults := []Gate{PendingGate{}, &PreflightGate{Preflighter: p}}
	gates := make(map[domain.Operation][]Gate)
	for _, op := range []domain.Operation{
		domain.OpCreateEntity,
		domain.OpUpdateEntity,
		domain.OpDeleteEntity,
		domain.OpCreateRelationship,
		domain.OpUpdateRelationship,
		domain.OpDeleteRelationship,
		domain.OpWriteContent,
	} {
		gates[op] = append([]Gate(nil), defaults...)
	}
	return &OperationGateRegistry{gates: gates}
}

// Register appends a gate for op.
func (r *OperationGateRegistry) Register(op domain.Operation, g Gate) {
	r.gates[op] = append(r.gates[op], g)
}

// Get returns the gates for op.
func (r *OperationGateRegistry) Get(op domain.Operation) ([]Gate, error) {
	g, ok := r.gates[op]
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownOp, "no gates registered for operation "+string(op))
	}
	return g, nil
}

// Evaluate runs the gates for s in order and stops at the first refusal.
func (r *OperationGateRegistry) Evaluate(ctx context.Context, q store.Querier, s *domain.Suggestion) (GateDecision, error) {
	gates, err := r.Get(s.Operation)
	if err != nil {
		return GateDecision{}, err
	}
	for _, g := range gates {
		d, err := g.Evaluate(ctx, q, s)
		if err != nil {
			return GateDecision{}, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if !d.Allow {
			return d, nil
		}
	}
	return GateDecision{Allow: true}, nil
}
