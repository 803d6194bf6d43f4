package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/natebag/trenchtools/internal/domain"
)

// PositionStore implements domain.PositionRepository using PostgreSQL.
// Scalar fields live in columns; exits, triggers, provenance and policy are
// JSONB documents.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, asset_id, symbol,
	entry_price::text, entry_cost::text, total_quantity, remaining_quantity,
	peak_price::text, peak_multiplier::text, status,
	provenance, exits, triggers, policy, opened_at, closed_at`

type positionRow struct {
	p                           domain.Position
	entryPrice, entryCost       string
	peakPrice, peakMultiplier   string
	status                      string
	provenance, exits, triggers []byte
	policy                      []byte
	closedAt                    *time.Time
}

func (r *positionRow) dest() []any {
	return []any{
		&r.p.ID, &r.p.AssetID, &r.p.Symbol,
		&r.entryPrice, &r.entryCost, &r.p.TotalQuantity, &r.p.RemainingQuantity,
		&r.peakPrice, &r.peakMultiplier, &r.status,
		&r.provenance, &r.exits, &r.triggers, &r.policy,
		&r.p.OpenedAt, &r.closedAt,
	}
}

func (r *positionRow) position() (domain.Position, error) {
	p := r.p
	var err error
	if p.EntryPrice, err = decimal.NewFromString(r.entryPrice); err != nil {
		return domain.Position{}, fmt.Errorf("entry_price: %w", err)
	}
	if p.EntryCost, err = decimal.NewFromString(r.entryCost); err != nil {
		return domain.Position{}, fmt.Errorf("entry_cost: %w", err)
	}
	if p.PeakPrice, err = decimal.NewFromString(r.peakPrice); err != nil {
		return domain.Position{}, fmt.Errorf("peak_price: %w", err)
	}
	if p.PeakMultiplier, err = decimal.NewFromString(r.peakMultiplier); err != nil {
		return domain.Position{}, fmt.Errorf("peak_multiplier: %w", err)
	}
	p.Status = domain.PositionStatus(r.status)
	p.ClosedAt = r.closedAt
	p.OpenedAt = p.OpenedAt.UTC()

	if err := json.Unmarshal(r.provenance, &p.Provenance); err != nil {
		return domain.Position{}, fmt.Errorf("provenance: %w", err)
	}
	if err := json.Unmarshal(r.exits, &p.Exits); err != nil {
		return domain.Position{}, fmt.Errorf("exits: %w", err)
	}
	if err := json.Unmarshal(r.triggers, &p.Triggers); err != nil {
		return domain.Position{}, fmt.Errorf("triggers: %w", err)
	}
	if err := json.Unmarshal(r.policy, &p.Policy); err != nil {
		return domain.Position{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		var r positionRow
		if err := rows.Scan(r.dest()...); err != nil {
			return nil, err
		}
		p, err := r.position()
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Save inserts or replaces the snapshot of a position.
func (s *PositionStore) Save(ctx context.Context, p domain.Position) error {
	provenance, err := json.Marshal(p.Provenance)
	if err != nil {
		return fmt.Errorf("postgres: marshal provenance %s: %w", p.ID, err)
	}
	exits, err := json.Marshal(nonNilExits(p.Exits))
	if err != nil {
		return fmt.Errorf("postgres: marshal exits %s: %w", p.ID, err)
	}
	triggers, err := json.Marshal(nonNilTriggers(p.Triggers))
	if err != nil {
		return fmt.Errorf("postgres: marshal triggers %s: %w", p.ID, err)
	}
	policy, err := json.Marshal(p.Policy)
	if err != nil {
		return fmt.Errorf("postgres: marshal policy %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO positions (
			id, asset_id, symbol, entry_price, entry_cost,
			total_quantity, remaining_quantity, peak_price, peak_multiplier,
			status, provenance, exits, triggers, policy,
			opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4::numeric, $5::numeric,
			$6, $7, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14,
			$15, $16, NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			remaining_quantity = EXCLUDED.remaining_quantity,
			peak_price         = EXCLUDED.peak_price,
			peak_multiplier    = EXCLUDED.peak_multiplier,
			status             = EXCLUDED.status,
			exits              = EXCLUDED.exits,
			triggers           = EXCLUDED.triggers,
			policy             = EXCLUDED.policy,
			closed_at          = EXCLUDED.closed_at,
			updated_at         = NOW()`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.AssetID, p.Symbol, p.EntryPrice.String(), p.EntryCost.String(),
		p.TotalQuantity, p.RemainingQuantity, p.PeakPrice.String(), p.PeakMultiplier.String(),
		string(p.Status), provenance, exits, triggers, policy,
		p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save position %s: %w", p.ID, err)
	}
	return nil
}

// GetByID retrieves a single position by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	var r positionRow
	err := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id).Scan(r.dest()...)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrPositionNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	p, err := r.position()
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: decode position %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns every position that is not closed, oldest first.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE status <> 'closed'
		 ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return positions, nil
}

// ListClosed returns closed positions with pagination and optional filtering
// on closed_at in [Since, Until).
func (s *PositionStore) ListClosed(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = 'closed'`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND closed_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND closed_at < $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY closed_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan closed positions: %w", err)
	}
	return positions, nil
}

// Delete removes a position snapshot.
func (s *PositionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

func nonNilExits(v []domain.ExitRecord) []domain.ExitRecord {
	if v == nil {
		return []domain.ExitRecord{}
	}
	return v
}

func nonNilTriggers(v []domain.ActiveTrigger) []domain.ActiveTrigger {
	if v == nil {
		return []domain.ActiveTrigger{}
	}
	return v
}

// Compile-time interface check.
var _ domain.PositionRepository = (*PositionStore)(nil)
