package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-adaptive-core/internal/adapt"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// AdaptationRepo реализует adapt.ResultStore.
type AdaptationRepo struct {
	pool *pgxpool.Pool
}

var _ adapt.ResultStore = (*AdaptationRepo)(nil)

func NewAdaptationRepo(pool *pgxpool.Pool) *AdaptationRepo {
	return &AdaptationRepo{pool: pool}
}

const adaptationColumns = `id, directive_key, rule_id, metric, scope, previous_value, applied_value,
	applied_at, metric_before, metric_after, evaluated_at, reverted, rationale`

func (r *AdaptationRepo) Create(ctx context.Context, res domain.AdaptationResult) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO adaptation_results (`+adaptationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		res.ID, res.DirectiveKey, res.RuleID, string(res.Metric), res.Scope, res.PreviousValue, res.AppliedValue,
		res.AppliedAt, res.MetricBefore, res.MetricAfter, res.EvaluatedAt, res.Reverted, res.Rationale,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create adaptation result: %w", err)
	}
	return nil
}

func (r *AdaptationRepo) Pending(ctx context.Context) ([]domain.AdaptationResult, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+adaptationColumns+` FROM adaptation_results
		WHERE evaluated_at IS NULL ORDER BY applied_at`)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	return collectResults(rows)
}

// MarkEvaluated пишет оценку только в ещё не оценённую строку: повторная оценка
// (другим инстансом или после сбоя) ничего не меняет.
func (r *AdaptationRepo) MarkEvaluated(ctx context.Context, res domain.AdaptationResult) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE adaptation_results
		SET metric_after = $2, evaluated_at = $3, reverted = $4, rationale = $5
		WHERE id = $1 AND evaluated_at IS NULL`,
		res.ID, res.MetricAfter, res.EvaluatedAt, res.Reverted, res.Rationale,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to mark adaptation %s evaluated: %w", res.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Recent: последние limit результатов, новые первыми. limit <= 0 — все.
func (r *AdaptationRepo) Recent(ctx context.Context, limit int) ([]domain.AdaptationResult, error) {
	var lim *int // NULL в LIMIT снимает ограничение
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+adaptationColumns+` FROM adaptation_results
		ORDER BY applied_at DESC LIMIT $1`, lim)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	return collectResults(rows)
}

func collectResults(rows pgx.Rows) ([]domain.AdaptationResult, error) {
	defer rows.Close()

	out := make([]domain.AdaptationResult, 0)
	for rows.Next() {
		var res domain.AdaptationResult
		var metric string
		err := rows.Scan(
			&res.ID, &res.DirectiveKey, &res.RuleID, &metric, &res.Scope, &res.PreviousValue, &res.AppliedValue,
			&res.AppliedAt, &res.MetricBefore, &res.MetricAfter, &res.EvaluatedAt, &res.Reverted, &res.Rationale,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan adaptation result: %w", err)
		}
		res.Metric = domain.MetricCategory(metric)
		out = append(out, res)
	}
	return out, rows.Err()
}
