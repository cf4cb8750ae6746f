package directive

import (
	"context"
	"sort"
	"sync"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// Store: долговременное хранилище директив. Каждая запись значения сопровождается
// записью аудита (PreviousValue → Value, ChangedBy) в той же транзакции.
type Store interface {
	Get(ctx context.Context, key string) (domain.Directive, bool, error)
	Set(ctx context.Context, d domain.Directive) error
	// CompareAndSet записывает d, только если текущее значение равно expect.
	// Отсутствующая директива не совпадает ни с чем.
	CompareAndSet(ctx context.Context, d domain.Directive, expect float64) (bool, error)
	List(ctx context.Context) ([]domain.Directive, error)
	Audit(ctx context.Context, key string, limit int) ([]domain.DirectiveAudit, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]domain.Directive
	audit []domain.DirectiveAudit
	err   error // принудительная ошибка для тестов
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]domain.Directive)}
}

// FailWith заставляет все операции возвращать err (nil — вернуть нормальную работу).
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *MemoryStore) Get(_ context.Context, key string) (domain.Directive, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.Directive{}, false, m.err
	}
	d, ok := m.items[key]
	return d, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, d domain.Directive) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.put(d)
	return nil
}

func (m *MemoryStore) CompareAndSet(_ context.Context, d domain.Directive, expect float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	cur, ok := m.items[d.Key]
	if !ok || cur.Value != expect {
		return false, nil
	}
	m.put(d)
	return true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]domain.Directive, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Directive, 0, len(m.items))
	for _, d := range m.items {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Audit возвращает записи аудита ключа, новые первыми.
func (m *MemoryStore) Audit(_ context.Context, key string, limit int) ([]domain.DirectiveAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.DirectiveAudit
	for i := len(m.audit) - 1; i >= 0; i-- {
		if m.audit[i].Key != key {
			continue
		}
		out = append(out, m.audit[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) put(d domain.Directive) {
	m.items[d.Key] = d
	m.audit = append(m.audit, domain.DirectiveAudit{
		Key:           d.Key,
		PreviousValue: d.PreviousValue,
		NewValue:      d.Value,
		ChangedAt:     d.ChangedAt,
		ChangedBy:     d.ChangedBy,
	})
}
