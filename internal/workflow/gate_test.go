package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// freezeGate refuses every approval.
type freezeGate struct{}

func (freezeGate) Name() string { return "freeze" }

func (freezeGate) Evaluate(context.Context, store.Querier, *domain.Suggestion) (GateDecision, error) {
	return GateDecision{Blockers: []string{"project is frozen"}, Refusal: domain.ErrInvalidTransition}, nil
}

func TestGateRegistry_UnknownOperation(t *testing.T) {
	r := NewOperationGateRegistry(nil)
	if _, err := r.Get("merge_worlds"); !errors.Is(err, domain.ErrUnknownOp) {
		t.Errorf("Get = %v, want ErrUnknownOp", err)
	}
	gates, err := r.Get(domain.OpWriteContent)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(gates) != 2 || gates[0].Name() != "pending" || gates[1].Name() != "preflight" {
		t.Errorf("default gates = %v", gates)
	}
}

func TestPendingGate(t *testing.T) {
	s := &domain.Suggestion{}
	s.SetStage(domain.StageExecuted)

	d, err := PendingGate{}.Evaluate(context.Background(), nil, s)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Allow {
		t.Fatal("executed suggestion passed the pending gate")
	}
	if !errors.Is(d.Err(), domain.ErrAlreadyResolved) {
		t.Errorf("Err = %v, want ErrAlreadyResolved", d.Err())
	}
}

func TestGateRegistry_CustomGateBlocksApproval(t *testing.T) {
	eng := newTestEngine(t)
	eng.Apply.Gates.Register(domain.OpDeleteEntity, freezeGate{})
	seedEntity(t, eng, domain.Entity{ID: "e-1", Type: "character", Name: "Mira"})
	s := propose(t, eng, domain.OpDeleteEntity, `{"entity_id":"e-1"}`)

	got, err := eng.Apply.Decide(testCtx(), s.ID, domain.DecisionApprove)
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("approve = %v, want ErrInvalidTransition", err)
	}
	if got.Stage != domain.StagePending {
		t.Errorf("Stage = %q, want pending", got.Stage)
	}
	if _, err := eng.entities.GetByID(testCtx(), eng.DB, "e-1"); err != nil {
		t.Errorf("entity deleted despite refusal: %v", err)
	}
}
