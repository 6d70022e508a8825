// Package orchestrator связывает цепочки провайдеров, хранилище статусов и фоновые стадии.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"narrative-server/internal/chain"
	"narrative-server/internal/dedup"
	"narrative-server/internal/media"
	"narrative-server/internal/models"
	"narrative-server/internal/provider"
	"narrative-server/internal/store"
	"narrative-server/pkg/taskmanager"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxTitleRunes = 60

// ChainRunner - цепочка провайдеров одного типа контента.
type ChainRunner interface {
	Run(ctx context.Context, spec provider.Spec) (chain.Result, error)
}

// Scheduler запускает отсоединенные от запроса задачи.
type Scheduler interface {
	Submit(name string, fn taskmanager.TaskFunc) (uuid.UUID, error)
}

// Deps - зависимости оркестратора.
type Deps struct {
	Store   store.Store
	Text    ChainRunner
	Image   ChainRunner
	Audio   ChainRunner
	Media   media.Store
	Tasks   Scheduler
	Dedup   *dedup.Deduplicator
	History *HistoryTrimmer
}

type Orchestrator struct {
	store   store.Store
	text    ChainRunner
	image   ChainRunner
	audio   ChainRunner
	media   media.Store
	tasks   Scheduler
	dedup   *dedup.Deduplicator
	history *HistoryTrimmer
	logger  *zap.Logger
}

func New(deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: status store is required")
	case deps.Text == nil || deps.Image == nil || deps.Audio == nil:
		return nil, errors.New("orchestrator: text, image and audio chains are required")
	case deps.Media == nil:
		return nil, errors.New("orchestrator: media store is required")
	case deps.Tasks == nil:
		return nil, errors.New("orchestrator: task scheduler is required")
	}
	o := &Orchestrator{
		store:   deps.Store,
		text:    deps.Text,
		image:   deps.Image,
		audio:   deps.Audio,
		media:   deps.Media,
		tasks:   deps.Tasks,
		dedup:   deps.Dedup,
		history: deps.History,
		logger:  logger.Named("Orchestrator"),
	}
	if o.dedup == nil {
		o.dedup = dedup.New(nil, 0, logger)
	}
	if o.history == nil {
		o.history = NewHistoryTrimmer(nil, 0)
	}
	return o, nil
}

// GenerateSegment генерирует текст следующего шага синхронно, сохраняет сегмент
// и запускает стадии изображения и аудио в фоне, не дожидаясь их.
func (o *Orchestrator) GenerateSegment(ctx context.Context, req models.GenerateRequest) (*models.Segment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := dedup.Key(req)
	v, shared, err := o.dedup.Do(ctx, key, func(ctx context.Context) (any, error) {
		return o.generate(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	seg := v.(*models.Segment)
	if shared {
		o.logger.Info("Returning segment of identical in-flight request", zap.String("segmentID", seg.ID.String()))
	}
	cp := *seg
	cp.Choices = append([]string(nil), seg.Choices...)
	return &cp, nil
}

func (o *Orchestrator) generate(ctx context.Context, req models.GenerateRequest) (*models.Segment, error) {
	var (
		story   *models.Story
		history []string
		prompt  = strings.TrimSpace(req.Prompt)
		mode    = strings.TrimSpace(req.StoryMode)
		isNew   = !req.IsContinuation()
	)

	if isNew {
		if mode == "" {
			mode = models.DefaultStoryMode
		}
		story = &models.Story{ID: uuid.New(), Title: deriveTitle(prompt), Mode: mode}
	} else {
		var err error
		story, history, err = o.loadContinuation(ctx, req)
		if err != nil {
			return nil, err
		}
		prompt = strings.TrimSpace(req.ChoiceText)
		mode = story.Mode
	}

	log := o.logger.With(zap.String("storyID", story.ID.String()), zap.Bool("newStory", isNew))
	log.Info("Generating segment text", zap.Int("historySegments", len(history)))

	result, err := o.text.Run(ctx, provider.Spec{
		Kind:     models.ContentText,
		Prompt:   prompt,
		History:  history,
		Mode:     mode,
		EntityID: story.ID,
	})
	if err != nil {
		log.Error("Text generation failed, nothing persisted", zap.Error(err))
		stageRunsTotal.WithLabelValues(string(models.ContentText), "failed").Inc()
		return nil, fmt.Errorf("%w: %w", models.ErrGenerationFailed, err)
	}
	stageRunsTotal.WithLabelValues(string(models.ContentText), "completed").Inc()

	text := result.Content.Text
	seg := &models.Segment{
		ID:                    uuid.New(),
		StoryID:               story.ID,
		Text:                  text.Text,
		Choices:               append([]string(nil), text.Choices...),
		IsEnd:                 text.IsEnd,
		ImageGenerationStatus: models.InitialStatus(req.SkipImage),
		AudioGenerationStatus: models.InitialStatus(req.SkipAudio),
	}

	if isNew {
		story.IsCompleted = seg.IsEnd
		if err := o.store.CreateStoryWithSegment(ctx, story, seg); err != nil {
			log.Error("Failed to persist new story", zap.Error(err))
			return nil, err
		}
	} else {
		seg.ParentSegmentID = req.ParentSegmentID
		if err := o.store.CreateSegment(ctx, seg, seg.IsEnd); err != nil {
			log.Warn("Failed to persist continuation", zap.Error(err))
			return nil, err
		}
	}

	log.Info("Segment persisted",
		zap.String("segmentID", seg.ID.String()),
		zap.String("textProvider", result.Provider),
		zap.Bool("isEnd", seg.IsEnd),
		zap.Bool("skipImage", req.SkipImage),
		zap.Bool("skipAudio", req.SkipAudio),
	)

	if !req.SkipImage {
		o.scheduleStage(seg.Ref(), models.FieldImage, imageSpec(seg, mode))
	}
	if !req.SkipAudio {
		o.scheduleStage(seg.Ref(), models.FieldAudio, provider.Spec{Kind: models.ContentAudio, Prompt: seg.Text, Mode: mode, EntityID: seg.ID})
	}
	return seg, nil
}

// loadContinuation проверяет историю и родителя, возвращает обрезанный контекст.
func (o *Orchestrator) loadContinuation(ctx context.Context, req models.GenerateRequest) (*models.Story, []string, error) {
	story, err := o.store.GetStory(ctx, *req.StoryID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: story %s", models.ErrNotFound, *req.StoryID)
		}
		return nil, nil, err
	}
	if story.IsCompleted {
		return nil, nil, fmt.Errorf("%w: story %s", models.ErrStoryCompleted, story.ID)
	}

	segments, err := o.store.ListSegments(ctx, story.ID)
	if err != nil {
		return nil, nil, err
	}
	var parent *models.Segment
	for _, s := range segments {
		if s.ID == *req.ParentSegmentID {
			parent = s
		}
	}
	if parent == nil {
		return nil, nil, fmt.Errorf("%w: segment %s in story %s", models.ErrNotFound, *req.ParentSegmentID, story.ID)
	}
	for _, s := range segments {
		if s.ParentSegmentID != nil && *s.ParentSegmentID == parent.ID {
			return nil, nil, fmt.Errorf("%w: segment %s already has a continuation", models.ErrConflict, parent.ID)
		}
	}
	if !containsChoice(parent.Choices, req.ChoiceText) {
		o.logger.Debug("Choice text is not one of the offered choices",
			zap.String("segmentID", parent.ID.String()), zap.String("choice", req.ChoiceText))
	}

	return story, o.history.Trim(pathTo(segments, parent)), nil
}

// CompleteStory помечает историю завершенной. Повторный вызов ничего не меняет.
func (o *Orchestrator) CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	return o.store.CompleteStory(ctx, storyID)
}

// RewindTo удаляет сегмент и все последующие, чтобы историю можно было продолжить заново.
// Фоновые стадии удаленных сегментов завершаются сами, не найдя сущность.
func (o *Orchestrator) RewindTo(ctx context.Context, segmentID uuid.UUID) (int, error) {
	seg, err := o.store.GetSegment(ctx, segmentID)
	if err != nil {
		return 0, err
	}
	story, err := o.store.GetStory(ctx, seg.StoryID)
	if err != nil {
		return 0, err
	}
	if story.IsCompleted {
		return 0, fmt.Errorf("%w: story %s", models.ErrStoryCompleted, story.ID)
	}
	removed, err := o.store.DeleteSegmentTree(ctx, segmentID)
	if err != nil {
		return 0, err
	}
	o.logger.Info("Story rewound",
		zap.String("storyID", story.ID.String()),
		zap.String("segmentID", segmentID.String()),
		zap.Int("removed", len(removed)),
	)
	return len(removed), nil
}

func (o *Orchestrator) GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	return o.store.GetStory(ctx, id)
}

func (o *Orchestrator) GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	return o.store.GetSegment(ctx, id)
}

// ListSegments возвращает сегменты истории в порядке создания.
func (o *Orchestrator) ListSegments(ctx context.Context, storyID uuid.UUID) ([]*models.Segment, error) {
	return o.store.ListSegments(ctx, storyID)
}

func deriveTitle(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	runes := []rune(prompt)
	if len(runes) <= maxTitleRunes {
		return prompt
	}
	cut := maxTitleRunes
	for i := maxTitleRunes; i > maxTitleRunes/2; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) + "…"
}

func containsChoice(choices []string, choice string) bool {
	choice = strings.TrimSpace(choice)
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), choice) {
			return true
		}
	}
	return false
}

func imageSpec(seg *models.Segment, mode string) provider.Spec {
	prompt := seg.Text
	if runes := []rune(prompt); len(runes) > 900 {
		prompt = string(runes[:900])
	}
	return provider.Spec{Kind: models.ContentImage, Prompt: prompt, Mode: mode, EntityID: seg.ID}
}
