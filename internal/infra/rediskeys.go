package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "devit"
)

// Ключи состояния
const (
	// RedisKeyStatePrefix: префикс ключей общего state store: devit:state:breaker:{agent_id}
	RedisKeyStatePrefix = RedisNamespace + ":state:"
	// RedisKeyStateIndex: множество всех ключей state store (для дампа без SCAN)
	RedisKeyStateIndex = RedisNamespace + ":state-index"

	RedisKeyDisabledAgents = RedisNamespace + ":agents:disabled_set"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanAgentSwitch: включение/выключение агента администратором, формат "agent_id:on|off".
	RedisChanAgentSwitch = RedisNamespace + ":agents:switch-signal"
	// RedisChanDirectiveChanged: ключ изменённой директивы, слушатели сбрасывают L1 кэш.
	RedisChanDirectiveChanged = RedisNamespace + ":directives:changed"
)

// Имена периодических задач адаптера
const (
	JobEvaluate = "adapter-evaluate"
	JobApply    = "adapter-apply"
)

// GetJobLockKey Генератор ключей для блокировок периодических задач
func GetJobLockKey(job string) string {
	return fmt.Sprintf("%s:lock:job:%s", RedisNamespace, job)
}
