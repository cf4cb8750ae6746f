// Package connectors — реализации вызова агентов: удалённый агент по HTTP
// и симулятор для локального запуска.
package connectors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// maxResponseBytes ограничивает тело ответа агента.
const maxResponseBytes = 4 << 20

// HTTPAgent отправляет payload агенту POST-запросом и возвращает тело ответа.
// Таймаут задаёт вызывающий через ctx.
type HTTPAgent struct {
	agentID  string
	endpoint string
	client   *http.Client
}

func NewHTTPAgent(agentID, endpoint string, client *http.Client) *HTTPAgent {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	return &HTTPAgent{agentID: agentID, endpoint: endpoint, client: client}
}

func (a *HTTPAgent) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("agent %s: build request: %w", a.agentID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agent-ID", a.agentID)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", a.agentID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("agent %s: read response: %w", a.agentID, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ThrottleError{
			RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
			Cause:      &StatusError{AgentID: a.agentID, Code: resp.StatusCode, Body: string(body)},
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &StatusError{AgentID: a.agentID, Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

func retryAfter(h string) time.Duration {
	if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// IsThrottled сообщает, что отказ вызван перегрузкой агента.
func IsThrottled(err error) bool {
	var te *ThrottleError
	return errors.As(err, &te)
}
