package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-adaptive-core/internal/domain"
	"github.com/xela07ax/spaceai-adaptive-core/internal/outcome"
)

// lessonSource собирает исходы после изменения директивы и отдаёт их LessonExtractor.
type lessonSource struct {
	outcomes  outcome.Store
	extractor outcome.LessonExtractor
	batch     int
}

func (s *lessonSource) Lesson(ctx context.Context, r domain.AdaptationResult, to time.Time) (string, error) {
	batch, err := s.outcomes.List(ctx, r.Scope, r.AppliedAt, to, s.batch)
	if err != nil {
		return "", fmt.Errorf("lesson batch for %s: %w", r.ID, err)
	}
	return s.extractor.Extract(ctx, batch)
}
