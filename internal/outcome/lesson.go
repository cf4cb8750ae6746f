package outcome

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"go.uber.org/zap"
)

// ErrQuota: внешний сервис извлечения уроков исчерпал квоту.
var ErrQuota = errors.New("lesson extractor quota exceeded")

// LessonExtractor: внешний (обычно AI) сервис, который по пачке исходов
// формулирует короткий текстовый «урок». Ядро от него не зависит.
type LessonExtractor interface {
	Extract(ctx context.Context, batch []domain.Outcome) (string, error)
}

// BoundedExtractor ограничивает вызов внешнего сервиса по времени и логирует сбои.
// Ошибки (таймаут, квота) возвращаются вызывающему и никогда не попадают в путь вызова агента.
type BoundedExtractor struct {
	next    LessonExtractor
	timeout time.Duration
	logger  *zap.Logger
}

func NewBoundedExtractor(next LessonExtractor, timeout time.Duration, logger *zap.Logger) *BoundedExtractor {
	return &BoundedExtractor{
		next:    next,
		timeout: timeout,
		logger:  logger.With(zap.String("mod", "lesson_extractor")),
	}
}

func (e *BoundedExtractor) Extract(ctx context.Context, batch []domain.Outcome) (string, error) {
	if len(batch) == 0 {
		return "", nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.next.Extract(ctx, batch)
		done <- result{text, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			e.logger.Warn("lesson extraction failed", zap.Int("batch", len(batch)), zap.Error(res.err))
			return "", fmt.Errorf("lesson extraction: %w", res.err)
		}
		return res.text, nil
	case <-ctx.Done():
		e.logger.Warn("lesson extraction timed out", zap.Int("batch", len(batch)), zap.Duration("timeout", e.timeout))
		return "", fmt.Errorf("lesson extraction: %w", ctx.Err())
	}
}
