package outcome

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// Store определяет, куда физически сохраняются исходы вызовов.
// Пустой agentID в выборках означает «все агенты».
type Store interface {
	// Upsert вставляет исход или, если в окне dedupWindow уже есть запись с той же парой
	// (AgentID, InputHash), увеличивает её RepeatCount. Возвращает id записи.
	Upsert(ctx context.Context, o domain.Outcome, dedupWindow time.Duration) (id string, repeated bool, err error)
	Stats(ctx context.Context, agentID string, from, to time.Time) (domain.OutcomeStats, error)
	// DailySeries: суточные корзины UTC в [from, to), только непустые дни, по возрастанию.
	DailySeries(ctx context.Context, agentID string, from, to time.Time) ([]domain.DailyStats, error)
	// List: записи из [from, to), новые первыми. limit <= 0 — все.
	List(ctx context.Context, agentID string, from, to time.Time, limit int) ([]domain.Outcome, error)
}

// MemoryStore: хранилище в памяти для тестов и однопроцессного режима.
type MemoryStore struct {
	mu      sync.Mutex
	records []domain.Outcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Upsert(_ context.Context, o domain.Outcome, dedupWindow time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if o.InputHash != "" {
		for i := len(m.records) - 1; i >= 0; i-- {
			rec := &m.records[i]
			if rec.AgentID != o.AgentID || rec.InputHash != o.InputHash {
				continue
			}
			if o.Timestamp.Sub(rec.Timestamp) > dedupWindow {
				continue
			}
			rec.RepeatCount++
			if o.Timestamp.After(rec.LastSeenAt) {
				rec.LastSeenAt = o.Timestamp
			}
			return rec.ID, true, nil
		}
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.LastSeenAt.IsZero() {
		o.LastSeenAt = o.Timestamp
	}
	m.records = append(m.records, o)
	return o.ID, false, nil
}

func (m *MemoryStore) Stats(_ context.Context, agentID string, from, to time.Time) (domain.OutcomeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := domain.OutcomeStats{AgentID: agentID, From: from, To: to}
	var latency int64
	for _, rec := range m.records {
		if !m.match(rec, agentID, from, to) {
			continue
		}
		if rec.Success {
			stats.Successes++
		} else {
			stats.Failures++
		}
		if rec.FalsePositive {
			stats.FalsePositives++
		}
		stats.Repeats += int64(rec.RepeatCount)
		latency += rec.LatencyMs
	}
	if n := stats.Total(); n > 0 {
		stats.AvgLatencyMs = float64(latency) / float64(n)
	}
	return stats, nil
}

func (m *MemoryStore) DailySeries(_ context.Context, agentID string, from, to time.Time) ([]domain.DailyStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	type acc struct {
		domain.DailyStats
		latency int64
	}
	days := make(map[time.Time]*acc)
	for _, rec := range m.records {
		if !m.match(rec, agentID, from, to) {
			continue
		}
		day := domain.TruncateDay(rec.Timestamp)
		a, ok := days[day]
		if !ok {
			a = &acc{DailyStats: domain.DailyStats{Day: day}}
			days[day] = a
		}
		if rec.Success {
			a.Successes++
		} else {
			a.Failures++
		}
		if rec.FalsePositive {
			a.FalsePositives++
		}
		a.latency += rec.LatencyMs
	}

	out := make([]domain.DailyStats, 0, len(days))
	for _, a := range days {
		a.AvgLatencyMs = float64(a.latency) / float64(a.Total())
		out = append(out, a.DailyStats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (m *MemoryStore) List(_ context.Context, agentID string, from, to time.Time, limit int) ([]domain.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Outcome
	for _, rec := range m.records {
		if m.match(rec, agentID, from, to) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len: число хранимых записей (без учёта повторов).
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Records: копия хранимых записей в порядке вставки.
func (m *MemoryStore) Records() []domain.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Outcome(nil), m.records...)
}

func (m *MemoryStore) match(rec domain.Outcome, agentID string, from, to time.Time) bool {
	if agentID != "" && rec.AgentID != agentID {
		return false
	}
	return !rec.Timestamp.Before(from) && rec.Timestamp.Before(to)
}
