package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/natebag/trenchtools/internal/domain"
)

// AuditStore journals engine events and archive runs to audit_log. The
// position a row concerns is lifted out of the detail into its own indexed
// column so a position's trail can be listed without scanning JSONB.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore on pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Log appends one row. A string "position_id" in detail fills the
// position_id column.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: marshal detail: %w", event, err)
	}
	positionID, _ := detail["position_id"].(string)

	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, position_id, detail) VALUES (@event, @position_id, @detail)`,
		pgx.NamedArgs{"event": event, "position_id": positionID, "detail": raw},
	)
	if err != nil {
		return fmt.Errorf("postgres: audit %s: %w", event, err)
	}
	return nil
}

// List returns rows newest first, narrowed by the time range, event prefix
// and position in opts.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query, args := auditListQuery(opts)

	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	return entries, nil
}

func auditListQuery(opts domain.ListOpts) (string, pgx.NamedArgs) {
	var where []string
	args := pgx.NamedArgs{}

	if opts.Since != nil {
		where = append(where, "created_at >= @since")
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		where = append(where, "created_at <= @until")
		args["until"] = *opts.Until
	}
	if opts.EventPrefix != "" {
		where = append(where, "event LIKE @event_prefix")
		args["event_prefix"] = escapeLike(opts.EventPrefix) + "%"
	}
	if opts.PositionID != "" {
		where = append(where, "position_id = @position_id")
		args["position_id"] = opts.PositionID
	}

	var b strings.Builder
	b.WriteString("SELECT id, event, detail, created_at FROM audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC, id DESC")
	if opts.Limit > 0 {
		b.WriteString(" LIMIT @limit")
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		b.WriteString(" OFFSET @offset")
		args["offset"] = opts.Offset
	}
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e      domain.AuditEntry
		detail []byte
		at     time.Time
	)
	if err := row.Scan(&e.ID, &e.Event, &detail, &at); err != nil {
		return e, err
	}
	e.CreatedAt = at
	if len(detail) > 0 {
		if err := json.Unmarshal(detail, &e.Detail); err != nil {
			return e, fmt.Errorf("audit %d detail: %w", e.ID, err)
		}
	}
	return e, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
