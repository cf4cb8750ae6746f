package connectors

import (
	"fmt"
	"time"
)

// ThrottleError: агент попросил подождать (HTTP 429). Для предохранителя это обычный отказ.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// StatusError: агент ответил кодом вне 2xx.
type StatusError struct {
	AgentID string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent %s returned status %d: %s", e.AgentID, e.Code, e.Body)
}
