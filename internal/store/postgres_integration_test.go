//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"
	"narrative-server/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

type PgStoreSuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	broker      *notifier.Broker
	store       store.Store
}

func (s *PgStoreSuite) SetupSuite() {
	s.ctx = context.Background()
	var err error

	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("narrative_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)
	require.NoError(s.T(), store.ApplyMigrations(dsn), "Failed to run migrations")

	s.pool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)

	s.broker = notifier.NewBroker(64, zap.NewNop())
	s.store = store.NewPgStore(s.pool, s.broker, zap.NewNop())
}

func (s *PgStoreSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *PgStoreSuite) seed() (*models.Story, *models.Segment) {
	story := &models.Story{Title: "The Lighthouse"}
	seg := &models.Segment{
		Text:                  "You wake on a rocky shore.",
		Choices:               []string{"Climb", "Walk"},
		ImageGenerationStatus: models.GenerationStatusPending,
		AudioGenerationStatus: models.GenerationStatusPending,
	}
	s.Require().NoError(s.store.CreateStoryWithSegment(s.ctx, story, seg))
	return story, seg
}

func (s *PgStoreSuite) TestWriteCASAndIdempotence() {
	_, seg := s.seed()
	sub, err := s.broker.Subscribe(seg.Ref(), models.EventUpdate)
	s.Require().NoError(err)
	defer sub.Close()

	snap, err := s.store.Write(s.ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	s.Require().NoError(err)
	s.Equal(int64(2), snap.Version)

	url := "/media/images/a.png"
	snap, err = s.store.Write(s.ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: &url})
	s.Require().NoError(err)
	s.Equal(int64(3), snap.Version)
	s.Require().NotNil(snap.Segment.ImageURL)
	s.Equal(url, *snap.Segment.ImageURL)

	again, err := s.store.Write(s.ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: &url})
	s.Require().NoError(err)
	s.Equal(int64(3), again.Version)

	_, err = s.store.Write(s.ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	s.ErrorIs(err, models.ErrInvalidTransition)

	s.Len(sub.Events(), 2)
}

func (s *PgStoreSuite) TestWriteMissingEntity() {
	_, err := s.store.Write(s.ctx,
		models.EntityRef{Type: models.EntityStory, ID: uuid.New()},
		models.FieldDelta{Field: models.FieldAudio, Status: models.GenerationStatusPending},
	)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *PgStoreSuite) TestContinuationConstraints() {
	story, root := s.seed()

	next := &models.Segment{StoryID: story.ID, ParentSegmentID: &root.ID, Text: "Up the stairs."}
	s.Require().NoError(s.store.CreateSegment(s.ctx, next, false))

	dup := &models.Segment{StoryID: story.ID, ParentSegmentID: &root.ID, Text: "Down the beach."}
	s.ErrorIs(s.store.CreateSegment(s.ctx, dup, false), models.ErrConflict)

	end := &models.Segment{StoryID: story.ID, ParentSegmentID: &next.ID, Text: "The end.", IsEnd: true}
	s.Require().NoError(s.store.CreateSegment(s.ctx, end, true))

	got, err := s.store.GetStory(s.ctx, story.ID)
	s.Require().NoError(err)
	s.True(got.IsCompleted)

	after := &models.Segment{StoryID: story.ID, ParentSegmentID: &end.ID}
	s.ErrorIs(s.store.CreateSegment(s.ctx, after, false), models.ErrStoryCompleted)

	segments, err := s.store.ListSegments(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Len(segments, 3)
}

func (s *PgStoreSuite) TestDeleteSegmentTree() {
	story, root := s.seed()
	second := &models.Segment{StoryID: story.ID, ParentSegmentID: &root.ID}
	s.Require().NoError(s.store.CreateSegment(s.ctx, second, false))
	third := &models.Segment{StoryID: story.ID, ParentSegmentID: &second.ID}
	s.Require().NoError(s.store.CreateSegment(s.ctx, third, false))

	_, err := s.store.DeleteSegmentTree(s.ctx, root.ID)
	s.ErrorIs(err, models.ErrInvalidRequest)

	removed, err := s.store.DeleteSegmentTree(s.ctx, second.ID)
	s.Require().NoError(err)
	s.Len(removed, 2)

	_, err = s.store.GetSegment(s.ctx, third.ID)
	s.ErrorIs(err, models.ErrNotFound)
}

func (s *PgStoreSuite) TestFindStale() {
	_, seg := s.seed()
	stale, err := s.store.FindStale(s.ctx, time.Now().Add(time.Hour))
	s.Require().NoError(err)

	var fields []models.MediaField
	for _, f := range stale {
		if f.Ref.ID == seg.ID {
			fields = append(fields, f.Field)
		}
	}
	s.ElementsMatch([]models.MediaField{models.FieldImage, models.FieldAudio}, fields)
}

func TestPgStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PgStoreSuite))
}
