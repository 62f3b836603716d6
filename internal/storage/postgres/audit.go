package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/pos-engine/internal/domain/audit"
	"github.com/xenking/pos-engine/internal/domain/sale"
)

const (
	insertAuditLogSQL = `INSERT INTO audit_logs (id, actor_id, action, resource_type, resource_id,
			outcome, details, remote_addr, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	auditLogColumns = `id, actor_id, action, resource_type, resource_id, outcome, details, remote_addr, created_at`
)

var (
	_ audit.Trail  = (*AuditRepository)(nil)
	_ audit.Reader = (*AuditRepository)(nil)
)

// AuditRepository implements audit.Trail and audit.Reader backed by
// PostgreSQL.
type AuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository returns an AuditRepository that uses the given pool.
func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append writes an entry outside of any unit of work.
func (r *AuditRepository) Append(ctx context.Context, e *audit.Entry) error {
	return appendAudit(ctx, r.pool, e)
}

// Logs lists entries ordered by creation time then ID.
func (r *AuditRepository) Logs(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var w where
	if f.After != nil {
		w.add("(created_at, id) > (?, ?)", f.After.CreatedAt, f.After.ID)
	}
	if f.ActorID != "" {
		w.add("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if f.ResourceType != "" {
		w.add("resource_type = ?", f.ResourceType)
	}
	if f.ResourceID != "" {
		w.add("resource_id = ?", f.ResourceID)
	}
	if !f.From.IsZero() {
		w.add("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		w.add("created_at < ?", f.To)
	}
	query := `SELECT ` + auditLogColumns + ` FROM audit_logs` + w.String() + ` ORDER BY created_at, id`
	query += w.limit(sale.EffectiveLimit(f.Limit))

	rows, err := r.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit logs: %w", err)
	}
	return pgx.CollectRows(rows, scanAuditEntry)
}

func appendAudit(ctx context.Context, q querier, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// Match column precision so cursors built from returned rows stay exact.
	e.CreatedAt = e.CreatedAt.Truncate(time.Microsecond)

	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	_, err := q.Exec(ctx, insertAuditLogSQL,
		e.ID, e.ActorID, e.Action, e.ResourceType, e.ResourceID,
		string(e.Outcome), details, e.RemoteAddr, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit log %q: %w", e.Action, err)
	}
	return nil
}

func scanAuditEntry(row pgx.CollectableRow) (audit.Entry, error) {
	var (
		e       audit.Entry
		outcome string
	)
	err := row.Scan(
		&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID,
		&outcome, &e.Details, &e.RemoteAddr, &e.CreatedAt,
	)
	e.Outcome = audit.Outcome(outcome)
	return e, err
}
