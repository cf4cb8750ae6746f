package domain

import "fmt"

// InvocationMode определяет, как агент вызывается: напрямую или в составе оркестрации.
type InvocationMode string

const (
	ModeSingle       InvocationMode = "single"
	ModeOrchestrated InvocationMode = "orchestrated"
)

// AgentDescriptor: карточка агента в реестре.
// Все поля, кроме Enabled, неизменны в течение жизни процесса.
type AgentDescriptor struct {
	ID           string         `json:"id" mapstructure:"id"`
	Domain       string         `json:"domain" mapstructure:"domain"` // compliance, seo, dashboards...
	Mode         InvocationMode `json:"mode" mapstructure:"mode"`
	Capabilities []string       `json:"capabilities" mapstructure:"capabilities"`
	Enabled      bool           `json:"enabled" mapstructure:"enabled"`
}

// Validate проверяет дескриптор перед регистрацией.
func (d AgentDescriptor) Validate() error {
	if d.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	switch d.Mode {
	case ModeSingle, ModeOrchestrated:
	case "":
		return &ValidationError{Field: "mode", Reason: "must be set"}
	default:
		return &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown invocation mode %q", d.Mode)}
	}
	return nil
}

// HasCapability сообщает, заявлена ли у агента способность.
func (d AgentDescriptor) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
