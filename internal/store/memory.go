package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// memoryStore - хранилище в памяти с той же семантикой CAS, что и Postgres.
// Используется в тестах и при STORE_BACKEND=memory.
type memoryStore struct {
	mu       sync.Mutex
	stories  map[uuid.UUID]*models.Story
	segments map[uuid.UUID]*models.Segment
	notifier notifier.Notifier
	logger   *zap.Logger
	now      func() time.Time
	last     time.Time
}

var _ Store = (*memoryStore)(nil)

func NewMemoryStore(n notifier.Notifier, logger *zap.Logger) Store {
	if n == nil {
		n = notifier.Nop{}
	}
	return &memoryStore{
		stories:  make(map[uuid.UUID]*models.Story),
		segments: make(map[uuid.UUID]*models.Segment),
		notifier: n,
		logger:   logger.Named("MemoryStore"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *memoryStore) CreateStoryWithSegment(ctx context.Context, story *models.Story, segment *models.Segment) error {
	s.mu.Lock()
	if _, exists := s.stories[story.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: story %s already exists", models.ErrConflict, story.ID)
	}
	now := s.tick()
	prepareStory(story, now)
	segment.StoryID = story.ID
	segment.ParentSegmentID = nil
	prepareSegment(segment, now)

	storyCopy, segCopy := *story, copySegment(segment)
	s.stories[story.ID] = &storyCopy
	s.segments[segment.ID] = segCopy
	s.mu.Unlock()

	s.emit(ctx, models.EventInsert, story.Snapshot())
	s.emit(ctx, models.EventInsert, segment.Snapshot())
	return nil
}

func (s *memoryStore) CreateSegment(ctx context.Context, segment *models.Segment, completeStory bool) error {
	if segment.ParentSegmentID == nil {
		return fmt.Errorf("%w: continuation requires a parent segment", models.ErrInvalidRequest)
	}

	s.mu.Lock()
	story, ok := s.stories[segment.StoryID]
	if !ok {
		s.mu.Unlock()
		return models.ErrNotFound
	}
	if story.IsCompleted {
		s.mu.Unlock()
		return models.ErrStoryCompleted
	}
	parent, ok := s.segments[*segment.ParentSegmentID]
	if !ok || parent.StoryID != segment.StoryID {
		s.mu.Unlock()
		return fmt.Errorf("%w: parent segment %s", models.ErrNotFound, *segment.ParentSegmentID)
	}
	for _, other := range s.segments {
		if other.ParentSegmentID != nil && *other.ParentSegmentID == parent.ID {
			s.mu.Unlock()
			return fmt.Errorf("%w: segment %s already has a continuation", models.ErrConflict, parent.ID)
		}
	}

	now := s.tick()
	prepareSegment(segment, now)
	s.segments[segment.ID] = copySegment(segment)

	var storySnap *models.Snapshot
	if completeStory {
		story.IsCompleted = true
		story.Version++
		story.UpdatedAt = now
		snap := story.Snapshot()
		storySnap = &snap
	}
	s.mu.Unlock()

	s.emit(ctx, models.EventInsert, segment.Snapshot())
	if storySnap != nil {
		s.emit(ctx, models.EventUpdate, *storySnap)
	}
	return nil
}

func (s *memoryStore) GetStory(_ context.Context, id uuid.UUID) (*models.Story, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	story, ok := s.stories[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *story
	return &cp, nil
}

func (s *memoryStore) GetSegment(_ context.Context, id uuid.UUID) (*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.segments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copySegment(seg), nil
}

func (s *memoryStore) ListSegments(_ context.Context, storyID uuid.UUID) ([]*models.Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stories[storyID]; !ok {
		return nil, models.ErrNotFound
	}
	var out []*models.Segment
	for _, seg := range s.segments {
		if seg.StoryID == storyID {
			out = append(out, copySegment(seg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) Write(ctx context.Context, ref models.EntityRef, delta models.FieldDelta) (models.Snapshot, error) {
	if err := validateDelta(ref, delta); err != nil {
		observeWrite(ref, delta, "rejected")
		return models.Snapshot{}, err
	}

	s.mu.Lock()
	var (
		current models.FieldState
		apply   func(url, errText *string, now time.Time) models.Snapshot
		snap    func() models.Snapshot
	)
	switch ref.Type {
	case models.EntityStory:
		story, ok := s.stories[ref.ID]
		if !ok {
			s.mu.Unlock()
			observeWrite(ref, delta, "not_found")
			return models.Snapshot{}, models.ErrNotFound
		}
		current, _ = story.Field(delta.Field)
		snap = story.Snapshot
		apply = func(url, errText *string, now time.Time) models.Snapshot {
			story.AudioGenerationStatus, story.AudioURL, story.AudioError = delta.Status, url, errText
			story.Version++
			story.UpdatedAt = now
			return story.Snapshot()
		}
	default:
		seg, ok := s.segments[ref.ID]
		if !ok {
			s.mu.Unlock()
			observeWrite(ref, delta, "not_found")
			return models.Snapshot{}, models.ErrNotFound
		}
		current, _ = seg.Field(delta.Field)
		snap = seg.Snapshot
		apply = func(url, errText *string, now time.Time) models.Snapshot {
			if delta.Field == models.FieldImage {
				seg.ImageGenerationStatus, seg.ImageURL, seg.ImageError = delta.Status, url, errText
			} else {
				seg.AudioGenerationStatus, seg.AudioURL, seg.AudioError = delta.Status, url, errText
			}
			seg.Version++
			seg.UpdatedAt = now
			return seg.Snapshot()
		}
	}

	idempotent, err := checkTransition(current, delta)
	if err != nil {
		s.mu.Unlock()
		observeWrite(ref, delta, "rejected")
		return models.Snapshot{}, err
	}
	if idempotent {
		result := snap()
		s.mu.Unlock()
		observeWrite(ref, delta, "idempotent")
		return result, nil
	}

	url, errText := nextValues(current, delta)
	result := apply(url, errText, s.tick())
	s.mu.Unlock()

	observeWrite(ref, delta, "applied")
	s.emit(ctx, models.EventUpdate, result)
	return result, nil
}

func (s *memoryStore) CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	s.mu.Lock()
	story, ok := s.stories[storyID]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrNotFound
	}
	changed := !story.IsCompleted
	if changed {
		story.IsCompleted = true
		story.Version++
		story.UpdatedAt = s.tick()
	}
	cp := *story
	s.mu.Unlock()

	if changed {
		s.emit(ctx, models.EventUpdate, cp.Snapshot())
	}
	return &cp, nil
}

func (s *memoryStore) DeleteSegmentTree(ctx context.Context, segmentID uuid.UUID) ([]models.Snapshot, error) {
	s.mu.Lock()
	root, ok := s.segments[segmentID]
	if !ok {
		s.mu.Unlock()
		return nil, models.ErrNotFound
	}
	if root.ParentSegmentID == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: the first segment of a story cannot be rewound", models.ErrInvalidRequest)
	}

	var removed []models.Snapshot
	queue := []uuid.UUID{segmentID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seg, ok := s.segments[id]
		if !ok {
			continue
		}
		snap := seg.Snapshot()
		snap.Deleted = true
		removed = append(removed, snap)
		delete(s.segments, id)
		for childID, child := range s.segments {
			if child.ParentSegmentID != nil && *child.ParentSegmentID == id {
				queue = append(queue, childID)
			}
		}
	}
	s.mu.Unlock()

	for _, snap := range removed {
		s.emit(ctx, models.EventDelete, snap)
	}
	return removed, nil
}

func (s *memoryStore) FindStale(_ context.Context, updatedBefore time.Time) ([]StaleField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []StaleField
	for _, story := range s.stories {
		if story.AudioGenerationStatus.IsActive() && story.UpdatedAt.Before(updatedBefore) {
			out = append(out, StaleField{Ref: story.Ref(), Field: models.FieldAudio, Status: story.AudioGenerationStatus})
		}
	}
	for _, seg := range s.segments {
		if !seg.UpdatedAt.Before(updatedBefore) {
			continue
		}
		if seg.ImageGenerationStatus.IsActive() {
			out = append(out, StaleField{Ref: seg.Ref(), Field: models.FieldImage, Status: seg.ImageGenerationStatus})
		}
		if seg.AudioGenerationStatus.IsActive() {
			out = append(out, StaleField{Ref: seg.Ref(), Field: models.FieldAudio, Status: seg.AudioGenerationStatus})
		}
	}
	return out, nil
}

func (s *memoryStore) emit(ctx context.Context, kind models.EventKind, snap models.Snapshot) {
	if err := s.notifier.Publish(ctx, models.NewChangeEvent(kind, snap)); err != nil {
		s.logger.Warn("Failed to publish change event",
			zap.String("entity", snap.Ref.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func prepareStory(story *models.Story, now time.Time) {
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	if story.Mode == "" {
		story.Mode = models.DefaultStoryMode
	}
	if story.AudioGenerationStatus == "" {
		story.AudioGenerationStatus = models.GenerationStatusNotStarted
	}
	story.Version = 1
	story.CreatedAt = now
	story.UpdatedAt = now
}

func prepareSegment(seg *models.Segment, now time.Time) {
	if seg.ID == uuid.Nil {
		seg.ID = uuid.New()
	}
	if seg.Choices == nil {
		seg.Choices = []string{}
	}
	if seg.ImageGenerationStatus == "" {
		seg.ImageGenerationStatus = models.GenerationStatusNotStarted
	}
	if seg.AudioGenerationStatus == "" {
		seg.AudioGenerationStatus = models.GenerationStatusNotStarted
	}
	seg.Version = 1
	seg.CreatedAt = now
	seg.UpdatedAt = now
}

func copySegment(seg *models.Segment) *models.Segment {
	cp := *seg
	cp.Choices = append([]string(nil), seg.Choices...)
	return &cp
}

// tick возвращает строго возрастающее время, чтобы порядок создания был однозначным.
// Вызывается под s.mu.
func (s *memoryStore) tick() time.Time {
	t := s.now()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}
