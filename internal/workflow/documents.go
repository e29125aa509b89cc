package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/observability"
	"github.com/Sophanos/saga-sub007/internal/store"
)

// DocumentService keeps the server-side document mirror in sync with the
// editor and refreshes pending preflights after every save.
type DocumentService struct {
	DB        *sql.DB
	Documents *store.DocumentRepo
	Preflight *Preflighter

	now func() time.Time
}

// NewDocumentService creates a DocumentService over db.
func NewDocumentService(db *sql.DB, p *Preflighter) *DocumentService {
	return &DocumentService{
		DB:        db,
		Documents: &store.DocumentRepo{},
		Preflight: p,
		now:       time.Now,
	}
}

// Get returns the mirrored document.
func (d *DocumentService) Get(ctx context.Context, id string) (*domain.Document, error) {
	return d.Documents.GetByID(ctx, d.DB, id)
}

// Save stores doc if expectedVersion matches the stored version. Zero creates
// the document. Pending suggestions of the project are rechecked afterwards.
func (d *DocumentService) Save(ctx context.Context, doc domain.Document, expectedVersion int64) (domain.Document, error) {
	if strings.TrimSpace(doc.ID) == "" || strings.TrimSpace(doc.ProjectID) == "" {
		return domain.Document{}, domain.NewEngineError(domain.ErrInvalidRequest, "document id and project id are required")
	}
	doc.UpdatedAt = d.now().UnixMilli()

	var saved domain.Document
	err := store.WithTx(ctx, d.DB, func(tx *sql.Tx) error {
		var err error
		saved, err = d.Documents.SaveTx(ctx, tx, doc, expectedVersion)
		return err
	})
	if err != nil {
		return domain.Document{}, err
	}

	statuses, err := d.Preflight.RecheckPending(ctx, saved.ProjectID)
	if err != nil {
		return saved, fmt.Errorf("recheck pending suggestions: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("document saved",
		"document_id", saved.ID, "version", saved.Version, "rechecked", len(statuses))
	return saved, nil
}
