package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/outcome"
)

// OutcomeRepo реализует outcome.Store поверх таблицы outcomes.
type OutcomeRepo struct {
	pool *pgxpool.Pool
}

var _ outcome.Store = (*OutcomeRepo)(nil)

func NewOutcomeRepo(pool *pgxpool.Pool) *OutcomeRepo {
	return &OutcomeRepo{pool: pool}
}

// Upsert выполняется в транзакции под advisory-блокировкой пары (agent_id, input_hash):
// два инстанса с одинаковым исходом не создадут двух записей.
func (r *OutcomeRepo) Upsert(ctx context.Context, o domain.Outcome, dedupWindow time.Duration) (string, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", false, domain.Unavailable("postgres", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if o.InputHash != "" {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))`, o.AgentID, o.InputHash); err != nil {
			return "", false, domain.Unavailable("postgres", err)
		}

		var id string
		err := tx.QueryRow(ctx, `
			SELECT id FROM outcomes
			WHERE agent_id = $1 AND input_hash = $2 AND created_at >= $3
			ORDER BY created_at DESC LIMIT 1`,
			o.AgentID, o.InputHash, o.Timestamp.Add(-dedupWindow),
		).Scan(&id)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `
				UPDATE outcomes
				SET repeat_count = repeat_count + 1, last_seen_at = GREATEST(last_seen_at, $2)
				WHERE id = $1`, id, o.Timestamp); err != nil {
				return "", false, fmt.Errorf("postgres: failed to bump outcome repeat: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return "", false, domain.Unavailable("postgres", err)
			}
			return id, true, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return "", false, fmt.Errorf("postgres: failed to look up duplicate outcome: %w", err)
		}
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.LastSeenAt.IsZero() {
		o.LastSeenAt = o.Timestamp
	}
	var meta []byte
	if len(o.Metadata) > 0 {
		if meta, err = json.Marshal(o.Metadata); err != nil {
			return "", false, &domain.ValidationError{Field: "metadata", Reason: err.Error()}
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outcomes (id, agent_id, input_hash, success, false_positive, latency_ms, created_at, last_seen_at, repeat_count, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9)`,
		o.ID, o.AgentID, o.InputHash, o.Success, o.FalsePositive, o.LatencyMs, o.Timestamp, o.LastSeenAt, meta,
	)
	if err != nil {
		return "", false, fmt.Errorf("postgres: failed to insert outcome: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, domain.Unavailable("postgres", err)
	}
	return o.ID, false, nil
}

func (r *OutcomeRepo) Stats(ctx context.Context, agentID string, from, to time.Time) (domain.OutcomeStats, error) {
	s := domain.OutcomeStats{AgentID: agentID, From: from, To: to}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COUNT(*) FILTER (WHERE false_positive),
			COALESCE(SUM(repeat_count), 0)::bigint,
			COALESCE(AVG(latency_ms), 0)::float8
		FROM outcomes
		WHERE ($1 = '' OR agent_id = $1) AND created_at >= $2 AND created_at < $3`,
		agentID, from, to,
	).Scan(&s.Successes, &s.Failures, &s.FalsePositives, &s.Repeats, &s.AvgLatencyMs)
	if err != nil {
		return domain.OutcomeStats{}, domain.Unavailable("postgres", err)
	}
	return s, nil
}

func (r *OutcomeRepo) DailySeries(ctx context.Context, agentID string, from, to time.Time) ([]domain.DailyStats, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT
			date_trunc('day', created_at AT TIME ZONE 'UTC') AS day,
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COUNT(*) FILTER (WHERE false_positive),
			AVG(latency_ms)::float8
		FROM outcomes
		WHERE ($1 = '' OR agent_id = $1) AND created_at >= $2 AND created_at < $3
		GROUP BY day
		ORDER BY day`,
		agentID, from, to,
	)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	defer rows.Close()

	series := make([]domain.DailyStats, 0)
	for rows.Next() {
		var d domain.DailyStats
		if err := rows.Scan(&d.Day, &d.Successes, &d.Failures, &d.FalsePositives, &d.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan daily stats: %w", err)
		}
		d.Day = domain.TruncateDay(d.Day)
		series = append(series, d)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	return series, nil
}

func (r *OutcomeRepo) List(ctx context.Context, agentID string, from, to time.Time, limit int) ([]domain.Outcome, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, agent_id, input_hash, success, false_positive, latency_ms, created_at, last_seen_at, repeat_count, metadata
		FROM outcomes
		WHERE ($1 = '' OR agent_id = $1) AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4`,
		agentID, from, to, lim,
	)
	if err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	defer rows.Close()

	out := make([]domain.Outcome, 0)
	for rows.Next() {
		var (
			o    domain.Outcome
			meta []byte
		)
		if err := rows.Scan(&o.ID, &o.AgentID, &o.InputHash, &o.Success, &o.FalsePositive, &o.LatencyMs,
			&o.Timestamp, &o.LastSeenAt, &o.RepeatCount, &meta); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan outcome: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &o.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: failed to decode outcome metadata %s: %w", o.ID, err)
			}
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable("postgres", err)
	}
	return out, nil
}
