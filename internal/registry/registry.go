// Package registry хранит каталог агентов, которыми управляет ядро.
package registry

import (
	"sync"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
)

// Registry: потокобезопасный каталог дескрипторов. Порядок выдачи — порядок регистрации.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*domain.AgentDescriptor
	order  []string
}

func New() *Registry {
	return &Registry{agents: make(map[string]*domain.AgentDescriptor)}
}

// Register добавляет агента. Повторный ID — DuplicateAgentError.
func (r *Registry) Register(desc domain.AgentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.agents[desc.ID]; ok {
		return &domain.DuplicateAgentError{AgentID: desc.ID}
	}
	// Копируем срез, чтобы вызывающий не мог поменять capabilities задним числом
	desc.Capabilities = append([]string(nil), desc.Capabilities...)
	r.agents[desc.ID] = &desc
	r.order = append(r.order, desc.ID)
	return nil
}

func (r *Registry) Get(id string) (domain.AgentDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.agents[id]
	if !ok {
		return domain.AgentDescriptor{}, &domain.UnknownAgentError{AgentID: id, Reason: "not registered"}
	}
	return clone(d), nil
}

// SetEnabled: единственная мутация дескриптора после регистрации (администратор).
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.agents[id]
	if !ok {
		return &domain.UnknownAgentError{AgentID: id, Reason: "not registered"}
	}
	d.Enabled = enabled
	return nil
}

// ListEnabled возвращает включённых агентов в порядке регистрации.
func (r *Registry) ListEnabled() []domain.AgentDescriptor {
	return r.list(true)
}

func (r *Registry) List() []domain.AgentDescriptor {
	return r.list(false)
}

func (r *Registry) list(onlyEnabled bool) []domain.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		d := r.agents[id]
		if onlyEnabled && !d.Enabled {
			continue
		}
		out = append(out, clone(d))
	}
	return out
}

func clone(d *domain.AgentDescriptor) domain.AgentDescriptor {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	return c
}
