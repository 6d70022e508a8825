package store

import (
	"context"
	"time"

	"narrative-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store - авторитетное хранилище историй, сегментов и статусов генерации.
// Каждая успешная запись публикует полный снимок сущности через Notifier.
type Store interface {
	// CreateStoryWithSegment атомарно сохраняет новую историю и ее первый сегмент.
	CreateStoryWithSegment(ctx context.Context, story *models.Story, segment *models.Segment) error
	// CreateSegment сохраняет продолжение. Если completeStory, история помечается завершенной в той же транзакции.
	CreateSegment(ctx context.Context, segment *models.Segment, completeStory bool) error

	GetStory(ctx context.Context, id uuid.UUID) (*models.Story, error)
	GetSegment(ctx context.Context, id uuid.UUID) (*models.Segment, error)
	// ListSegments возвращает сегменты истории в порядке создания.
	ListSegments(ctx context.Context, storyID uuid.UUID) ([]*models.Segment, error)

	// Write применяет изменение поля как compare-and-set по допустимым предыдущим статусам.
	Write(ctx context.Context, ref models.EntityRef, delta models.FieldDelta) (models.Snapshot, error)
	CompleteStory(ctx context.Context, storyID uuid.UUID) (*models.Story, error)
	// DeleteSegmentTree удаляет сегмент и всех его потомков, возвращает удаленные снимки.
	DeleteSegmentTree(ctx context.Context, segmentID uuid.UUID) ([]models.Snapshot, error)
	// FindStale возвращает поля, застрявшие в pending/in_progress дольше порога.
	FindStale(ctx context.Context, updatedBefore time.Time) ([]StaleField, error)
}

// StaleField - поле сущности, для которого стадия давно не отчитывалась.
type StaleField struct {
	Ref    models.EntityRef
	Field  models.MediaField
	Status models.GenerationStatus
}

// DBTX - общий интерфейс пула pgx и транзакции.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var storeWritesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "narrative_status_writes_total",
		Help: "Total number of status store field writes by outcome.",
	},
	[]string{"entity", "field", "status", "outcome"}, // outcome: applied, idempotent, rejected, not_found, error
)

func observeWrite(ref models.EntityRef, delta models.FieldDelta, outcome string) {
	storeWritesTotal.WithLabelValues(string(ref.Type), string(delta.Field), string(delta.Status), outcome).Inc()
}
