package adapt

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// ResultStore хранит историю применённых адаптаций.
type ResultStore interface {
	Create(ctx context.Context, r domain.AdaptationResult) error
	// Pending: ещё не оценённые результаты, старые первыми.
	Pending(ctx context.Context) ([]domain.AdaptationResult, error)
	// MarkEvaluated фиксирует оценку, только если результат ещё не оценён.
	// marked=false — его уже оценил другой инстанс.
	MarkEvaluated(ctx context.Context, r domain.AdaptationResult) (marked bool, err error)
	Recent(ctx context.Context, limit int) ([]domain.AdaptationResult, error)
}

type MemoryResultStore struct {
	mu    sync.Mutex
	items []domain.AdaptationResult
}

func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{}
}

func (m *MemoryResultStore) Create(_ context.Context, r domain.AdaptationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, r)
	return nil
}

func (m *MemoryResultStore) Pending(_ context.Context) ([]domain.AdaptationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AdaptationResult
	for _, r := range m.items {
		if !r.Evaluated() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AppliedAt.Before(out[j].AppliedAt) })
	return out, nil
}

func (m *MemoryResultStore) MarkEvaluated(_ context.Context, r domain.AdaptationResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID != r.ID {
			continue
		}
		if m.items[i].Evaluated() {
			return false, nil
		}
		m.items[i].MetricAfter = r.MetricAfter
		m.items[i].EvaluatedAt = r.EvaluatedAt
		m.items[i].Reverted = r.Reverted
		m.items[i].Rationale = r.Rationale
		return true, nil
	}
	return false, nil
}

// Recent: последние limit результатов, новые первыми.
func (m *MemoryResultStore) Recent(_ context.Context, limit int) ([]domain.AdaptationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.AdaptationResult(nil), m.items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].AppliedAt.After(out[j].AppliedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
