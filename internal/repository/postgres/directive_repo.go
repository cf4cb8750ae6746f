package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-adaptive-core/internal/directive"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// DirectiveRepo реализует directive.Store. Значение и запись аудита пишутся одной транзакцией.
type DirectiveRepo struct {
	pool *pgxpool.Pool
}

var _ directive.Store = (*DirectiveRepo)(nil)

func NewDirectiveRepo(pool *pgxpool.Pool) *DirectiveRepo {
	return &DirectiveRepo{pool: pool}
}

func (r *DirectiveRepo) Get(ctx context.Context, key string) (domain.Directive, bool, error) {
	var d domain.Directive
	err := r.pool.QueryRow(ctx, `
		SELECT key, value, previous_value, changed_at, changed_by
		FROM directives WHERE key = $1`, key,
	).Scan(&d.Key, &d.Value, &d.PreviousValue, &d.ChangedAt, &d.ChangedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Directive{}, false, nil
		}
		return domain.Directive{}, false, domain.Unavailable("postgres", err)
	}
	return d, true, nil
}

func (r *DirectiveRepo) Set(ctx context.Context, d domain.Directive) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO directives (key, value, previous_value, changed_at, changed_by)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				previous_value = EXCLUDED.previous_value,
				changed_at = EXCLUDED.changed_at,
				changed_by = EXCLUDED.changed_by`,
			d.Key, d.Value, d.PreviousValue, d.ChangedAt, d.ChangedBy,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to upsert directive %s: %w", d.Key, err)
		}
		return writeAudit(ctx, tx, d)
	})
}

// CompareAndSet обновляет строку условием WHERE value = expect: гонку с другим писателем
// разрешает сама база.
func (r *DirectiveRepo) CompareAndSet(ctx context.Context, d domain.Directive, expect float64) (bool, error) {
	var swapped bool
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE directives
			SET value = $2, previous_value = $3, changed_at = $4, changed_by = $5
			WHERE key = $1 AND value = $6`,
			d.Key, d.Value, d.PreviousValue, d.ChangedAt, d.ChangedBy, expect,
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to swap directive %s: %w", d.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		swapped = true
		return writeAudit(ctx, tx, d)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (r *DirectiveRepo) List(ctx context.Context) ([]domain.Directive, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, value, previous_value, changed_at, changed_by
		FROM directives ORDER BY key`)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	defer rows.Close()

	items := make([]domain.Directive, 0)
	for rows.Next() {
		var d domain.Directive
		if err := rows.Scan(&d.Key, &d.Value, &d.PreviousValue, &d.ChangedAt, &d.ChangedBy); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan directive: %w", err)
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// Audit возвращает историю ключа, новые записи первыми. limit <= 0 — без ограничения.
func (r *DirectiveRepo) Audit(ctx context.Context, key string, limit int) ([]domain.DirectiveAudit, error) {
	query := `SELECT key, previous_value, new_value, changed_at, changed_by
	          FROM directive_audit WHERE key = $1 ORDER BY id DESC`
	args := []any{key}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	defer rows.Close()

	var out []domain.DirectiveAudit
	for rows.Next() {
		var a domain.DirectiveAudit
		if err := rows.Scan(&a.Key, &a.PreviousValue, &a.NewValue, &a.ChangedAt, &a.ChangedBy); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan directive audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func writeAudit(ctx context.Context, tx pgx.Tx, d domain.Directive) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO directive_audit (key, previous_value, new_value, changed_at, changed_by)
		VALUES ($1, $2, $3, $4, $5)`,
		d.Key, d.PreviousValue, d.Value, d.ChangedAt, d.ChangedBy,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to write directive audit: %w", err)
	}
	return nil
}
