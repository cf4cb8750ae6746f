package domain

import (
	"math"
	"time"
)

// Directive: операционный параметр (например, порог уверенности), который читают агенты
// и оркестратор. Пишет только адаптер порогов.
type Directive struct {
	Key           string    `json:"key"`
	Value         float64   `json:"value"`
	PreviousValue float64   `json:"previous_value"`
	ChangedAt     time.Time `json:"changed_at"`
	ChangedBy     string    `json:"changed_by"` // ID правила или "revert:<result-id>"
}

// DirectiveAudit: запись аудита изменения директивы.
type DirectiveAudit struct {
	Key           string    `json:"key"`
	PreviousValue float64   `json:"previous_value"`
	NewValue      float64   `json:"new_value"`
	ChangedAt     time.Time `json:"changed_at"`
	ChangedBy     string    `json:"changed_by"`
}

type AdaptationProposal struct {
	DirectiveKey  string         `json:"directive_key"`
	ProposedValue float64        `json:"proposed_value"`
	CurrentValue  float64        `json:"current_value"`
	RuleID        string         `json:"rule_id"`
	Metric        MetricCategory `json:"metric"`
	Scope         string         `json:"scope,omitempty"`
	MetricValue   float64        `json:"metric_value"` // значение метрики на момент предложения
	Rationale     string         `json:"rationale"`
	ProposedAt    time.Time      `json:"proposed_at"`
}

func (p AdaptationProposal) Validate() error {
	switch {
	case p.DirectiveKey == "":
		return &ValidationError{Field: "directive_key", Reason: "must not be empty"}
	case p.RuleID == "":
		return &ValidationError{Field: "rule_id", Reason: "must not be empty"}
	case math.IsNaN(p.ProposedValue) || math.IsInf(p.ProposedValue, 0):
		return &ValidationError{Field: "proposed_value", Reason: "must be a finite number"}
	case math.IsNaN(p.MetricValue) || math.IsInf(p.MetricValue, 0):
		return &ValidationError{Field: "metric_value", Reason: "must be a finite number"}
	}
	if _, err := ParseMetric(string(p.Metric)); err != nil {
		return err
	}
	return nil
}

// AdaptationResult связывает применённое изменение директивы с его последствиями.
// Создаётся при применении, изменяется ровно один раз — при оценке.
type AdaptationResult struct {
	ID            string         `json:"id"`
	DirectiveKey  string         `json:"directive_key"`
	RuleID        string         `json:"rule_id"`
	Metric        MetricCategory `json:"metric"`
	Scope         string         `json:"scope,omitempty"`
	PreviousValue float64        `json:"previous_value"`
	AppliedValue  float64        `json:"applied_value"`
	AppliedAt     time.Time      `json:"applied_at"`
	MetricBefore  float64        `json:"metric_before"`
	MetricAfter   *float64       `json:"metric_after,omitempty"`
	EvaluatedAt   *time.Time     `json:"evaluated_at,omitempty"`
	Reverted      bool           `json:"reverted"`
	Rationale     string         `json:"rationale,omitempty"`
}

func (r AdaptationResult) Evaluated() bool { return r.EvaluatedAt != nil }

// SkippedProposal: предложение, не применённое из-за cooldown директивы.
type SkippedProposal struct {
	Proposal AdaptationProposal `json:"proposal"`
	Reason   string             `json:"reason"`
}

type ApplyReport struct {
	Applied []AdaptationResult `json:"applied"`
	Skipped []SkippedProposal  `json:"skipped"`
}

type EvaluationReport struct {
	Evaluated []AdaptationResult `json:"evaluated"`
	Reverted  int                `json:"reverted"`
	Pending   int                `json:"pending"` // ещё слишком молодые
	Failed    int                `json:"failed"`  // не удалось посчитать метрику, повторим позже
}
