package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	storyColumns   = `id, title, mode, is_completed, audio_url, audio_generation_status, audio_error, version, created_at, updated_at`
	segmentColumns = `id, story_id, parent_segment_id, text, choices, is_end, image_url, image_generation_status, image_error, audio_url, audio_generation_status, audio_error, version, created_at, updated_at`

	insertStoryQuery = `
INSERT INTO stories (id, title, mode, is_completed, audio_generation_status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, 1, $6, $6)`

	insertSegmentQuery = `
INSERT INTO segments (id, story_id, parent_segment_id, text, choices, is_end,
                      image_generation_status, audio_generation_status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, $9)`

	getStoryQuery     = `SELECT ` + storyColumns + ` FROM stories WHERE id = $1`
	getSegmentQuery   = `SELECT ` + segmentColumns + ` FROM segments WHERE id = $1`
	listSegmentsQuery = `SELECT ` + segmentColumns + ` FROM segments WHERE story_id = $1 ORDER BY created_at, id`
	checkStoryQuery   = `SELECT is_completed FROM stories WHERE id = $1`
	checkParentQuery  = `SELECT story_id FROM segments WHERE id = $1`

	completeStoryQuery = `
UPDATE stories SET is_completed = TRUE, version = version + 1, updated_at = NOW()
WHERE id = $1 AND is_completed = FALSE
RETURNING ` + storyColumns

	// %[1]s - имя поля (image или audio), подставляется только из белого списка.
	updateSegmentFieldQuery = `
UPDATE segments
SET %[1]s_generation_status = $2,
    %[1]s_url = CASE WHEN $3::boolean THEN $4::text ELSE %[1]s_url END,
    %[1]s_error = $5::text,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND %[1]s_generation_status = ANY($6::text[])
RETURNING ` + segmentColumns

	updateStoryAudioQuery = `
UPDATE stories
SET audio_generation_status = $2,
    audio_url = CASE WHEN $3::boolean THEN $4::text ELSE audio_url END,
    audio_error = $5::text,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND audio_generation_status = ANY($6::text[])
RETURNING ` + storyColumns

	deleteSegmentTreeQuery = `
WITH RECURSIVE tree AS (
    SELECT id FROM segments WHERE id = $1
    UNION ALL
    SELECT s.id FROM segments s JOIN tree t ON s.parent_segment_id = t.id
)
DELETE FROM segments WHERE id IN (SELECT id FROM tree)
RETURNING ` + segmentColumns

	findStaleQuery = `
SELECT 'segment' AS entity_type, id, 'image' AS field, image_generation_status AS status
FROM segments WHERE image_generation_status IN ('pending', 'in_progress') AND updated_at < $1
UNION ALL
SELECT 'segment', id, 'audio', audio_generation_status
FROM segments WHERE audio_generation_status IN ('pending', 'in_progress') AND updated_at < $1
UNION ALL
SELECT 'story', id, 'audio', audio_generation_status
FROM stories WHERE audio_generation_status IN ('pending', 'in_progress') AND updated_at < $1`
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type pgStore struct {
	pool     *pgxpool.Pool
	notifier notifier.Notifier
	logger   *zap.Logger
}

var _ Store = (*pgStore)(nil)

func NewPgStore(pool *pgxpool.Pool, n notifier.Notifier, logger *zap.Logger) Store {
	if n == nil {
		n = notifier.Nop{}
	}
	return &pgStore{pool: pool, notifier: n, logger: logger.Named("PgStatusStore")}
}

func (r *pgStore) CreateStoryWithSegment(ctx context.Context, story *models.Story, segment *models.Segment) error {
	now := time.Now().UTC()
	prepareStory(story, now)
	segment.StoryID = story.ID
	segment.ParentSegmentID = nil
	prepareSegment(segment, now)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertStoryQuery,
			story.ID, story.Title, story.Mode, story.IsCompleted, story.AudioGenerationStatus, now,
		); err != nil {
			return fmt.Errorf("ошибка создания истории: %w", err)
		}
		return insertSegment(ctx, tx, segment)
	})
	if err != nil {
		r.logger.Error("Failed to create story with first segment", zap.String("storyID", story.ID.String()), zap.Error(err))
		return mapPgError(err)
	}

	r.logger.Info("Story created", zap.String("storyID", story.ID.String()), zap.String("segmentID", segment.ID.String()))
	r.emit(ctx, models.EventInsert, story.Snapshot())
	r.emit(ctx, models.EventInsert, segment.Snapshot())
	return nil
}

func (r *pgStore) CreateSegment(ctx context.Context, segment *models.Segment, completeStory bool) error {
	if segment.ParentSegmentID == nil {
		return fmt.Errorf("%w: continuation requires a parent segment", models.ErrInvalidRequest)
	}
	prepareSegment(segment, time.Now().UTC())
	logFields := []zap.Field{
		zap.String("storyID", segment.StoryID.String()),
		zap.String("parentSegmentID", segment.ParentSegmentID.String()),
	}

	var completed *models.Story
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var isCompleted bool
		if err := tx.QueryRow(ctx, checkStoryQuery, segment.StoryID).Scan(&isCompleted); err != nil {
			return err
		}
		if isCompleted {
			return models.ErrStoryCompleted
		}
		var parentStoryID uuid.UUID
		if err := tx.QueryRow(ctx, checkParentQuery, *segment.ParentSegmentID).Scan(&parentStoryID); err != nil {
			return err
		}
		if parentStoryID != segment.StoryID {
			return fmt.Errorf("%w: parent segment belongs to another story", models.ErrNotFound)
		}
		if err := insertSegment(ctx, tx, segment); err != nil {
			return err
		}
		if completeStory {
			var story models.Story
			if err := pgxscan.Get(ctx, tx, &story, completeStoryQuery, segment.StoryID); err != nil {
				return fmt.Errorf("ошибка завершения истории: %w", err)
			}
			completed = &story
		}
		return nil
	})
	if err != nil {
		mapped := mapPgError(err)
		if errors.Is(mapped, models.ErrConflict) || errors.Is(mapped, models.ErrNotFound) || errors.Is(mapped, models.ErrStoryCompleted) {
			r.logger.Warn("Segment continuation rejected", append(logFields, zap.Error(mapped))...)
		} else {
			r.logger.Error("Failed to create segment", append(logFields, zap.Error(err))...)
		}
		return mapped
	}

	r.logger.Info("Segment created", append(logFields, zap.String("segmentID", segment.ID.String()))...)
	r.emit(ctx, models.EventInsert, segment.Snapshot())
	if completed != nil {
		r.emit(ctx, models.EventUpdate, completed.Snapshot())
	}
	return nil
}

func insertSegment(ctx context.Context, db DBTX, seg *models.Segment) error {
	_, err := db.Exec(ctx, insertSegmentQuery,
		seg.ID, seg.StoryID, seg.ParentSegmentID, seg.Text, seg.Choices, seg.IsEnd,
		seg.ImageGenerationStatus, seg.AudioGenerationStatus, seg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("ошибка создания сегмента: %w", err)
	}
	return nil
}

func (r *pgStore) GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	if err := pgxscan.Get(ctx, r.pool, &story, getStoryQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get story", zap.String("storyID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения истории %s: %w", id, err)
	}
	return &story, nil
}

func (r *pgStore) GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error) {
	var seg models.Segment
	if err := pgxscan.Get(ctx, r.pool, &seg, getSegmentQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get segment", zap.String("segmentID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения сегмента %s: %w", id, err)
	}
	return &seg, nil
}

func (r *pgStore) ListSegments(ctx context.Context, storyID uuid.UUID) ([]*models.Segment, error) {
	if _, err := r.GetStory(ctx, storyID); err != nil {
		return nil, err
	}
	var segments []*models.Segment
	if err := pgxscan.Select(ctx, r.pool, &segments, listSegmentsQuery, storyID); err != nil {
		r.logger.Error("Failed to list segments", zap.String("storyID", storyID.String()), zap.Error(err))
		return nil, fmt.Errorf("ошибка получения сегментов истории %s: %w", storyID, err)
	}
	return segments, nil
}

func (r *pgStore) Write(ctx context.Context, ref models.EntityRef, delta models.FieldDelta) (models.Snapshot, error) {
	if err := validateDelta(ref, delta); err != nil {
		observeWrite(ref, delta, "rejected")
		return models.Snapshot{}, err
	}
	logFields := []zap.Field{
		zap.String("entity", ref.String()),
		zap.String("field", string(delta.Field)),
		zap.String("newStatus", string(delta.Status)),
		zap.Bool("retry", delta.Retry),
	}

	replaceURL, url := urlPatch(delta)
	args := []any{ref.ID, string(delta.Status), replaceURL, url, errorPatch(delta), allowedStrings(delta.Status, delta.Retry)}

	var (
		snap models.Snapshot
		err  error
	)
	if ref.Type == models.EntityStory {
		var story models.Story
		err = pgxscan.Get(ctx, r.pool, &story, updateStoryAudioQuery, args...)
		snap = story.Snapshot()
	} else {
		var seg models.Segment
		err = pgxscan.Get(ctx, r.pool, &seg, fmt.Sprintf(updateSegmentFieldQuery, delta.Field), args...)
		snap = seg.Snapshot()
	}

	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			observeWrite(ref, delta, "error")
			r.logger.Error("Status write failed", append(logFields, zap.Error(err))...)
			return models.Snapshot{}, fmt.Errorf("%w: %v", models.ErrPersistence, err)
		}
		return r.resolveRejectedWrite(ctx, ref, delta, logFields)
	}

	observeWrite(ref, delta, "applied")
	r.logger.Debug("Status written", append(logFields, zap.Int64("version", snap.Version))...)
	r.emit(ctx, models.EventUpdate, snap)
	return snap, nil
}

// resolveRejectedWrite объясняет, почему CAS не затронул ни одной строки.
func (r *pgStore) resolveRejectedWrite(ctx context.Context, ref models.EntityRef, delta models.FieldDelta, logFields []zap.Field) (models.Snapshot, error) {
	var (
		snap models.Snapshot
		err  error
	)
	if ref.Type == models.EntityStory {
		var story *models.Story
		if story, err = r.GetStory(ctx, ref.ID); err == nil {
			snap = story.Snapshot()
		}
	} else {
		var seg *models.Segment
		if seg, err = r.GetSegment(ctx, ref.ID); err == nil {
			snap = seg.Snapshot()
		}
	}
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			observeWrite(ref, delta, "not_found")
			r.logger.Warn("Status write target disappeared", logFields...)
		}
		return models.Snapshot{}, err
	}

	idempotent, terr := checkTransition(snap.Fields[delta.Field], delta)
	if terr == nil && idempotent {
		observeWrite(ref, delta, "idempotent")
		return snap, nil
	}
	if terr == nil {
		// Значение изменилось между UPDATE и чтением: сообщаем о конфликте.
		terr = fmt.Errorf("%w: concurrent write to %s", models.ErrInvalidTransition, delta.Field)
	}
	observeWrite(ref, delta, "rejected")
	r.logger.Warn("Status transition rejected",
		append(logFields, zap.String("currentStatus", string(snap.Fields[delta.Field].Status)), zap.Error(terr))...)
	return models.Snapshot{}, terr
}

func (r *pgStore) CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error) {
	var story models.Story
	err := pgxscan.Get(ctx, r.pool, &story, completeStoryQuery, storyID)
	if errors.Is(err, pgx.ErrNoRows) {
		// Уже завершена или не существует.
		return r.GetStory(ctx, storyID)
	}
	if err != nil {
		r.logger.Error("Failed to complete story", zap.String("storyID", storyID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}
	r.logger.Info("Story completed", zap.String("storyID", storyID.String()))
	r.emit(ctx, models.EventUpdate, story.Snapshot())
	return &story, nil
}

func (r *pgStore) DeleteSegmentTree(ctx context.Context, segmentID uuid.UUID) ([]models.Snapshot, error) {
	root, err := r.GetSegment(ctx, segmentID)
	if err != nil {
		return nil, err
	}
	if root.ParentSegmentID == nil {
		return nil, fmt.Errorf("%w: the first segment of a story cannot be rewound", models.ErrInvalidRequest)
	}

	var deleted []*models.Segment
	if err := pgxscan.Select(ctx, r.pool, &deleted, deleteSegmentTreeQuery, segmentID); err != nil {
		r.logger.Error("Failed to delete segment tree", zap.String("segmentID", segmentID.String()), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, err)
	}

	snaps := make([]models.Snapshot, 0, len(deleted))
	for _, seg := range deleted {
		snap := seg.Snapshot()
		snap.Deleted = true
		snaps = append(snaps, snap)
		r.emit(ctx, models.EventDelete, snap)
	}
	r.logger.Info("Segment tree deleted", zap.String("segmentID", segmentID.String()), zap.Int("count", len(snaps)))
	return snaps, nil
}

type staleRow struct {
	EntityType string    `db:"entity_type"`
	ID         uuid.UUID `db:"id"`
	Field      string    `db:"field"`
	Status     string    `db:"status"`
}

func (r *pgStore) FindStale(ctx context.Context, updatedBefore time.Time) ([]StaleField, error) {
	var rows []staleRow
	if err := pgxscan.Select(ctx, r.pool, &rows, findStaleQuery, updatedBefore); err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших стадий: %w", err)
	}
	out := make([]StaleField, 0, len(rows))
	for _, row := range rows {
		out = append(out, StaleField{
			Ref:    models.EntityRef{Type: models.EntityType(row.EntityType), ID: row.ID},
			Field:  models.MediaField(row.Field),
			Status: models.GenerationStatus(row.Status),
		})
	}
	return out, nil
}

func (r *pgStore) emit(ctx context.Context, kind models.EventKind, snap models.Snapshot) {
	if err := r.notifier.Publish(ctx, models.NewChangeEvent(kind, snap)); err != nil {
		r.logger.Warn("Failed to publish change event",
			zap.String("entity", snap.Ref.String()),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
}

func mapPgError(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return fmt.Errorf("%w: %s", models.ErrConflict, pgErr.ConstraintName)
		case pgForeignKeyViolation:
			return fmt.Errorf("%w: %s", models.ErrNotFound, pgErr.ConstraintName)
		}
	}
	if errors.Is(err, models.ErrStoryCompleted) || errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrInvalidRequest) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrPersistence, err)
}
