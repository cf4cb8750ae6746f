package domain

import "time"

type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerSnapshot: состояние предохранителя одного агента в общем хранилище.
// Меняется только пакетом breaker.
type BreakerSnapshot struct {
	AgentID             string       `json:"agent_id"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	FirstFailureAt      time.Time    `json:"first_failure_at,omitzero"` // начало скользящего окна
	LastFailureAt       time.Time    `json:"last_failure_at,omitzero"`
	OpenedAt            time.Time    `json:"opened_at,omitzero"`
	OpenCount           int          `json:"open_count"` // сколько раз подряд открывались (для backoff)

	HalfOpenTrialInFlight bool      `json:"half_open_trial_in_flight"`
	TrialID               string    `json:"trial_id,omitempty"`
	TrialStartedAt        time.Time `json:"trial_started_at,omitzero"`
}

// ClosedSnapshot: состояние по умолчанию для ключа, которого ещё нет в хранилище.
func ClosedSnapshot(agentID string) BreakerSnapshot {
	return BreakerSnapshot{AgentID: agentID, State: BreakerClosed}
}
