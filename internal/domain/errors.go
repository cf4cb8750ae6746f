package domain

import (
	"errors"
	"fmt"
	"time"
)

// Таксономия ошибок ядра. Конкретные типы ниже сопоставляются с ними через errors.Is.
var (
	ErrUnknownAgent           = errors.New("unknown agent")
	ErrDuplicateAgent         = errors.New("duplicate agent")
	ErrCircuitOpen            = errors.New("circuit breaker is open")
	ErrInvocationTimeout      = errors.New("invocation timeout")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrValidation             = errors.New("validation failed")
)

type UnknownAgentError struct {
	AgentID string
	Reason  string // "not registered" или "disabled"
}

func (e *UnknownAgentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("unknown agent %q", e.AgentID)
	}
	return fmt.Sprintf("unknown agent %q: %s", e.AgentID, e.Reason)
}

func (e *UnknownAgentError) Is(target error) bool { return target == ErrUnknownAgent }

type DuplicateAgentError struct {
	AgentID string
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %q is already registered", e.AgentID)
}

func (e *DuplicateAgentError) Is(target error) bool { return target == ErrDuplicateAgent }

// CircuitOpenError: ожидаемый сигнал быстрого отказа. Вызывающая сторона может повторить
// запрос после RetryAfter; это не инцидент.
type CircuitOpenError struct {
	AgentID    string
	State      BreakerState
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for agent %q is %s: retry after %v", e.AgentID, e.State, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }

type InvocationTimeoutError struct {
	AgentID string
	Timeout time.Duration
}

func (e *InvocationTimeoutError) Error() string {
	return fmt.Sprintf("agent %q did not respond within %v", e.AgentID, e.Timeout)
}

func (e *InvocationTimeoutError) Is(target error) bool { return target == ErrInvocationTimeout }

// ValidationError: некорректный вход (outcome, proposal, descriptor). Всегда отдаётся наверх,
// частичное применение не допускается.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Unavailable оборачивает ошибку хранилища в ErrPersistenceUnavailable, сохраняя причину.
func Unavailable(component string, cause error) error {
	return fmt.Errorf("%s: %w: %w", component, ErrPersistenceUnavailable, cause)
}
