package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	scheduleFailWriteTimeout = 5 * time.Second
	maxErrorLength           = 500
)

// scheduleStage запускает стадию в фоне. Если задача не принята,
// поле сразу переводится в failed, чтобы его можно было повторить.
func (o *Orchestrator) scheduleStage(ref models.EntityRef, field models.MediaField, spec provider.Spec) {
	name := fmt.Sprintf("%s-%s", ref.Type, field)
	_, err := o.tasks.Submit(name, func(ctx context.Context) error {
		o.runStage(ctx, ref, field, spec)
		return nil
	})
	if err == nil {
		return
	}

	o.logger.Error("Failed to schedule stage", zap.String("entity", ref.String()), zap.String("field", string(field)), zap.Error(err))
	ctx, cancel := context.WithTimeout(context.Background(), scheduleFailWriteTimeout)
	defer cancel()
	o.writeStatus(ctx, ref, models.FieldDelta{
		Field:  field,
		Status: models.GenerationStatusFailed,
		Error:  errorText(fmt.Errorf("stage could not be scheduled: %w", err)),
	})
}

// runStage - жизненный цикл одной медиа-стадии:
// pending -> in_progress -> completed(url) | failed(error).
func (o *Orchestrator) runStage(ctx context.Context, ref models.EntityRef, field models.MediaField, spec provider.Spec) {
	kind := models.ContentKindFor(field)
	log := o.logger.With(zap.String("entity", ref.String()), zap.String("field", string(field)))
	start := time.Now()
	defer func() { stageDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds()) }()

	if _, err := o.store.Write(ctx, ref, models.FieldDelta{Field: field, Status: models.GenerationStatusInProgress}); err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			log.Info("Stage target no longer exists, stage abandoned")
			stageRunsTotal.WithLabelValues(string(kind), "abandoned").Inc()
			return
		case errors.Is(err, models.ErrInvalidTransition):
			log.Warn("Stage already picked up elsewhere, stage abandoned", zap.Error(err))
			stageRunsTotal.WithLabelValues(string(kind), "abandoned").Inc()
			return
		default:
			// Запись in_progress не обязательна: completed/failed допустимы и из pending.
			log.Error("Failed to mark stage in progress, continuing", zap.Error(err))
			statusWriteDropped.WithLabelValues(string(field), string(models.GenerationStatusInProgress)).Inc()
		}
	}

	runner := o.runnerFor(kind)
	result, err := runner.Run(ctx, spec)
	if err != nil {
		log.Warn("Stage chain failed", zap.Error(err))
		stageRunsTotal.WithLabelValues(string(kind), "failed").Inc()
		o.writeStatus(ctx, ref, models.FieldDelta{Field: field, Status: models.GenerationStatusFailed, Error: errorText(err)})
		return
	}

	url, err := o.media.Save(ctx, ref, result.Content)
	if err != nil {
		log.Error("Failed to persist stage result", zap.String("provider", result.Provider), zap.Error(err))
		stageRunsTotal.WithLabelValues(string(kind), "failed").Inc()
		o.writeStatus(ctx, ref, models.FieldDelta{
			Field:  field,
			Status: models.GenerationStatusFailed,
			Error:  errorText(fmt.Errorf("result could not be stored: %w", err)),
		})
		return
	}

	stageRunsTotal.WithLabelValues(string(kind), "completed").Inc()
	log.Info("Stage completed", zap.String("provider", result.Provider), zap.String("url", url), zap.Duration("took", time.Since(start)))
	o.writeStatus(ctx, ref, models.FieldDelta{Field: field, Status: models.GenerationStatusCompleted, URL: &url})
}

// writeStatus записывает итог стадии. Ошибки записи логируются и отбрасываются.
func (o *Orchestrator) writeStatus(ctx context.Context, ref models.EntityRef, delta models.FieldDelta) {
	if _, err := o.store.Write(ctx, ref, delta); err != nil {
		level := o.logger.Error
		if errors.Is(err, models.ErrNotFound) {
			level = o.logger.Info
		}
		level("Stage status write dropped",
			zap.String("entity", ref.String()),
			zap.String("field", string(delta.Field)),
			zap.String("status", string(delta.Status)),
			zap.Error(err),
		)
		statusWriteDropped.WithLabelValues(string(delta.Field), string(delta.Status)).Inc()
	}
}

func (o *Orchestrator) runnerFor(kind models.ContentKind) ChainRunner {
	if kind == models.ContentImage {
		return o.image
	}
	return o.audio
}

// RetryImage повторяет стадию изображения сегмента, завершившуюся с ошибкой.
func (o *Orchestrator) RetryImage(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error) {
	return o.retrySegmentField(ctx, segmentID, models.FieldImage)
}

// RetryAudio повторяет стадию аудио сегмента, завершившуюся с ошибкой.
func (o *Orchestrator) RetryAudio(ctx context.Context, segmentID uuid.UUID) (*models.Segment, error) {
	return o.retrySegmentField(ctx, segmentID, models.FieldAudio)
}

func (o *Orchestrator) retrySegmentField(ctx context.Context, segmentID uuid.UUID, field models.MediaField) (*models.Segment, error) {
	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	story, err := o.store.GetStory(ctx, seg.StoryID)
	if err != nil {
		return nil, err
	}

	snap, err := o.store.Write(ctx, seg.Ref(), models.FieldDelta{Field: field, Status: models.GenerationStatusPending, Retry: true})
	if err != nil {
		return nil, err
	}
	o.logger.Info("Retrying segment stage", zap.String("segmentID", segmentID.String()), zap.String("field", string(field)))

	spec := provider.Spec{Kind: models.ContentAudio, Prompt: seg.Text, Mode: story.Mode, EntityID: seg.ID}
	if field == models.FieldImage {
		spec = imageSpec(seg, story.Mode)
	}
	o.scheduleStage(seg.Ref(), field, spec)
	return snap.Segment, nil
}

// GenerateStoryAudio запускает озвучку всей истории.
// Допустимо из not_started (первый запуск) или failed (повтор).
func (o *Orchestrator) GenerateStoryAudio(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	story, err := o.store.GetStory(ctx, storyID)
	if err != nil {
		return nil, err
	}

	var retry bool
	switch story.AudioGenerationStatus {
	case models.GenerationStatusNotStarted:
	case models.GenerationStatusFailed:
		retry = true
	default:
		return nil, fmt.Errorf("%w: story audio is %s", models.ErrInvalidTransition, story.AudioGenerationStatus)
	}

	segments, err := o.store.ListSegments(ctx, storyID)
	if err != nil {
		return nil, err
	}
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if text := strings.TrimSpace(s.Text); text != "" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: story %s has no text to narrate", models.ErrInvalidRequest, storyID)
	}

	snap, err := o.store.Write(ctx, story.Ref(), models.FieldDelta{Field: models.FieldAudio, Status: models.GenerationStatusPending, Retry: retry})
	if err != nil {
		return nil, err
	}
	o.logger.Info("Story narration scheduled", zap.String("storyID", storyID.String()), zap.Int("segments", len(parts)), zap.Bool("retry", retry))

	o.scheduleStage(story.Ref(), models.FieldAudio, provider.Spec{
		Kind:     models.ContentAudio,
		Prompt:   strings.Join(parts, "\n\n"),
		Mode:     story.Mode,
		EntityID: story.ID,
	})
	return snap.Story, nil
}

func errorText(err error) *string {
	msg := err.Error()
	if runes := []rune(msg); len(runes) > maxErrorLength {
		msg = string(runes[:maxErrorLength])
	}
	return &msg
}
