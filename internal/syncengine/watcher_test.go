package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/notifier"
	"narrative-server/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type collector struct {
	mu      sync.Mutex
	updates []Update
	states  []string
}

func (c *collector) options() []WatchOption {
	return []WatchOption{
		OnUpdate(func(u Update) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.updates = append(c.updates, u)
		}),
		OnStateChange(func(from, to State) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.states = append(c.states, fmt.Sprintf("%s->%s", from, to))
		}),
	}
}

func (c *collector) Updates() []Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Update(nil), c.updates...)
}

func (c *collector) States() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.states...)
}

type countingReader struct {
	StatusReader
	calls atomic.Int32
}

func (r *countingReader) Fetch(ctx context.Context, ref models.EntityRef) (models.Snapshot, error) {
	r.calls.Add(1)
	return r.StatusReader.Fetch(ctx, ref)
}

type fixedReader struct {
	mu   sync.Mutex
	snap models.Snapshot
}

func (r *fixedReader) Set(s models.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap = s
}

func (r *fixedReader) Fetch(context.Context, models.EntityRef) (models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap, nil
}

// flakyReader отказывает на вызовах с номерами из failOn (нумерация с 1).
type flakyReader struct {
	StatusReader
	failOn map[int32]bool
	calls  atomic.Int32
}

func (r *flakyReader) Fetch(ctx context.Context, ref models.EntityRef) (models.Snapshot, error) {
	n := r.calls.Add(1)
	if r.failOn[n] {
		return models.Snapshot{}, errors.New("status backend unavailable")
	}
	return r.StatusReader.Fetch(ctx, ref)
}

type fakeStream struct {
	ch     chan models.ChangeEvent
	once   sync.Once
	mu     sync.Mutex
	err    error
	closed atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan models.ChangeEvent, 8)}
}

func (s *fakeStream) Events() <-chan models.ChangeEvent { return s.ch }

func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeStream) Close() {
	s.closed.Store(true)
	s.fail(nil)
}

func (s *fakeStream) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

type fakePush struct {
	mu      sync.Mutex
	streams []*fakeStream
	failErr error
	calls   atomic.Int32
}

func (p *fakePush) Subscribe(context.Context, models.EntityRef, models.EventKind) (Stream, error) {
	p.calls.Add(1)
	if p.failErr != nil {
		return nil, p.failErr
	}
	s := newFakeStream()
	p.mu.Lock()
	p.streams = append(p.streams, s)
	p.mu.Unlock()
	return s, nil
}

func (p *fakePush) Stream(i int) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.streams) {
		return nil
	}
	return p.streams[i]
}

func (p *fakePush) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.streams)
}

func seed(t *testing.T, st store.Store) *models.Segment {
	t.Helper()
	story := &models.Story{Title: "The Lighthouse"}
	seg := &models.Segment{
		Text:                  "You wake on a rocky shore.",
		Choices:               []string{"Climb the lighthouse"},
		ImageGenerationStatus: models.GenerationStatusPending,
		AudioGenerationStatus: models.GenerationStatusPending,
	}
	require.NoError(t, st.CreateStoryWithSegment(context.Background(), story, seg))
	return seg
}

func strPtr(s string) *string { return &s }

func cachedImage(e *Engine, ref models.EntityRef) models.FieldState {
	snap, ok := e.Cached(ref)
	if !ok {
		return models.FieldState{}
	}
	return snap.Fields[models.FieldImage]
}

func TestWatcher_ConvergesOverPush(t *testing.T) {
	ctx := context.Background()
	broker := notifier.NewBroker(0, zap.NewNop())
	st := store.NewMemoryStore(broker, zap.NewNop())
	seg := seed(t, st)

	engine := NewEngine(NewLocalReader(st), NewLocalChannel(broker), Config{
		PollInterval:  time.Hour,
		ConfirmDelays: []time.Duration{},
		MaxReconnects: 3,
	}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	w, err := engine.Watch(ctx, seg.Ref(), imageOnly, c.options()...)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed }, waitFor, tick)

	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	require.NoError(t, err)
	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: strPtr("https://cdn/lighthouse.png")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cachedImage(engine, seg.Ref()).Status == models.GenerationStatusCompleted
	}, waitFor, tick)
	img := cachedImage(engine, seg.Ref())
	require.NotNil(t, img.URL)
	assert.Equal(t, "https://cdn/lighthouse.png", *img.URL)

	// Обработчик видит каждый статус не более одного раза.
	seen := map[models.GenerationStatus]int{}
	for _, u := range c.Updates() {
		for _, ch := range u.Changes {
			seen[ch.To.Status]++
		}
	}
	assert.LessOrEqual(t, seen[models.GenerationStatusInProgress], 1)
	assert.Equal(t, 1, seen[models.GenerationStatusCompleted])
	assert.Contains(t, c.States(), "connecting->subscribed")
}

func TestWatcher_DegradesToPollingAndGivesUpReconnecting(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(notifier.Nop{}, zap.NewNop())
	seg := seed(t, st)

	reader := &countingReader{StatusReader: NewLocalReader(st)}
	push := &fakePush{failErr: errors.New("realtime unavailable")}
	engine := NewEngine(reader, push, Config{
		PollInterval:     20 * time.Millisecond,
		ConfirmDelays:    []time.Duration{},
		MaxReconnects:    2,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	w, err := engine.Watch(ctx, seg.Ref(), imageOnly, c.options()...)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return w.State() == StateFailed }, waitFor, tick)
	assert.Equal(t, int32(3), push.calls.Load())
	assert.Equal(t, []string{"connecting->degraded", "degraded->failed"}, c.States())

	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: strPtr("https://cdn/a.png")})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cachedImage(engine, seg.Ref()).Status == models.GenerationStatusCompleted
	}, waitFor, tick)

	// Все отслеживаемые поля терминальны: опрос прекращается.
	calls := reader.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, reader.calls.Load())
	assert.Equal(t, int32(3), push.calls.Load())
}

func TestWatcher_ResubscribesAfterChannelError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(notifier.Nop{}, zap.NewNop())
	seg := seed(t, st)

	reader := &countingReader{StatusReader: NewLocalReader(st)}
	push := &fakePush{}
	engine := NewEngine(reader, push, Config{
		PollInterval:     time.Hour,
		ConfirmDelays:    []time.Duration{},
		MaxReconnects:    3,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	w, err := engine.Watch(ctx, seg.Ref(), imageOnly, c.options()...)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed && reader.calls.Load() == 1 }, waitFor, tick)

	// Изменение, пропущенное во время разрыва, подбирается перечитыванием после переподключения.
	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	require.NoError(t, err)
	push.Stream(0).fail(notifier.ErrSubscriberLagged)

	require.Eventually(t, func() bool { return push.Count() == 2 && w.State() == StateSubscribed }, waitFor, tick)
	require.Eventually(t, func() bool {
		return cachedImage(engine, seg.Ref()).Status == models.GenerationStatusInProgress
	}, waitFor, tick)
	assert.Equal(t, []string{"connecting->subscribed", "subscribed->degraded", "degraded->subscribed"}, c.States())
	assert.True(t, push.Stream(0).closed.Load())
}

func TestWatcher_RetriesFailedInitialReadWhileSubscribed(t *testing.T) {
	ctx := context.Background()
	broker := notifier.NewBroker(0, zap.NewNop())
	st := store.NewMemoryStore(broker, zap.NewNop())
	seg := seed(t, st)
	_, err := st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	require.NoError(t, err)
	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusCompleted, URL: strPtr("https://cdn/done.png")})
	require.NoError(t, err)

	// Изображение уже готово: push-событий больше не будет, сойтись можно только чтением.
	reader := &flakyReader{StatusReader: NewLocalReader(st), failOn: map[int32]bool{1: true}}
	engine := NewEngine(reader, NewLocalChannel(broker), Config{
		PollInterval:  20 * time.Millisecond,
		ConfirmDelays: []time.Duration{},
		MaxReconnects: 1,
	}, zap.NewNop())
	defer engine.Close()

	w, err := engine.Watch(ctx, seg.Ref(), imageOnly)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return cachedImage(engine, seg.Ref()).Status == models.GenerationStatusCompleted
	}, waitFor, tick)
	assert.Equal(t, StateSubscribed, w.State())

	// После первого успешного чтения повторные чтения прекращаются.
	calls := reader.calls.Load()
	assert.Equal(t, int32(2), calls)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls, reader.calls.Load())
}

func TestWatcher_RetriesFailedResyncAfterReconnect(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(notifier.Nop{}, zap.NewNop())
	seg := seed(t, st)

	reader := &flakyReader{StatusReader: NewLocalReader(st), failOn: map[int32]bool{2: true}}
	push := &fakePush{}
	engine := NewEngine(reader, push, Config{
		PollInterval:     20 * time.Millisecond,
		ConfirmDelays:    []time.Duration{},
		MaxReconnects:    3,
		ReconnectInitial: 5 * time.Millisecond,
		ReconnectMax:     10 * time.Millisecond,
	}, zap.NewNop())
	defer engine.Close()

	w, err := engine.Watch(ctx, seg.Ref(), imageOnly)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed && reader.calls.Load() == 1 }, waitFor, tick)

	_, err = st.Write(ctx, seg.Ref(), models.FieldDelta{Field: models.FieldImage, Status: models.GenerationStatusInProgress})
	require.NoError(t, err)
	push.Stream(0).fail(notifier.ErrSubscriberLagged)

	// Перечитывание после переподключения падает, изменение подбирает следующее чтение.
	require.Eventually(t, func() bool {
		return cachedImage(engine, seg.Ref()).Status == models.GenerationStatusInProgress
	}, waitFor, tick)
	assert.Equal(t, StateSubscribed, w.State())
	assert.GreaterOrEqual(t, reader.calls.Load(), int32(3))
}

func TestWatcher_ConfirmationCascadeAfterTerminal(t *testing.T) {
	ctx := context.Background()
	seg := &models.Segment{
		ImageGenerationStatus: models.GenerationStatusPending,
		AudioGenerationStatus: models.GenerationStatusNotStarted,
		Version:               1,
		UpdatedAt:             time.Now(),
	}
	seg.ID = [16]byte{7}
	reader := &countingReader{StatusReader: &fixedReader{snap: seg.Snapshot()}}
	push := &fakePush{}
	engine := NewEngine(reader, push, Config{
		PollInterval:  time.Hour,
		ConfirmDelays: []time.Duration{10 * time.Millisecond, 30 * time.Millisecond},
		MaxReconnects: 1,
	}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	var confirmed atomic.Int32
	opts := append(c.options(), OnConfirmed(func(snap models.Snapshot) {
		if snap.Fields[models.FieldImage].Status == models.GenerationStatusCompleted {
			confirmed.Add(1)
		}
	}))
	w, err := engine.Watch(ctx, seg.Ref(), imageOnly, opts...)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed && reader.calls.Load() == 1 }, waitFor, tick)

	done := *seg
	done.Version = 2
	done.UpdatedAt = seg.UpdatedAt.Add(time.Second)
	done.ImageGenerationStatus = models.GenerationStatusCompleted
	done.ImageURL = strPtr("https://cdn/final.png")
	reader.StatusReader.(*fixedReader).Set(done.Snapshot())
	push.Stream(0).ch <- models.NewChangeEvent(models.EventUpdate, done.Snapshot())

	require.Eventually(t, func() bool { return reader.calls.Load() == 3 }, waitFor, tick)
	require.Eventually(t, func() bool { return confirmed.Load() == 1 }, waitFor, tick)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(3), reader.calls.Load())
	assert.Equal(t, int32(1), confirmed.Load())
	assert.Equal(t, models.GenerationStatusCompleted, cachedImage(engine, seg.Ref()).Status)

	updates := c.Updates()
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, SourcePush, last.Source)
	assert.True(t, last.Confirming)
}

func TestWatcher_StopsWhenEntityDeleted(t *testing.T) {
	ctx := context.Background()
	broker := notifier.NewBroker(0, zap.NewNop())
	st := store.NewMemoryStore(broker, zap.NewNop())
	root := seed(t, st)
	child := &models.Segment{
		StoryID:               root.StoryID,
		ParentSegmentID:       &root.ID,
		Text:                  "You climb the stairs.",
		Choices:               []string{"Open the door"},
		ImageGenerationStatus: models.GenerationStatusPending,
		AudioGenerationStatus: models.GenerationStatusNotStarted,
	}
	require.NoError(t, st.CreateSegment(ctx, child, false))

	engine := NewEngine(NewLocalReader(st), NewLocalChannel(broker), Config{
		PollInterval:  time.Hour,
		ConfirmDelays: []time.Duration{},
		MaxReconnects: 1,
	}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	w, err := engine.Watch(ctx, child.Ref(), nil, c.options()...)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return w.State() == StateSubscribed }, waitFor, tick)

	_, err = st.DeleteSegmentTree(ctx, child.ID)
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watcher did not stop after deletion")
	}
	updates := c.Updates()
	require.NotEmpty(t, updates)
	assert.True(t, updates[len(updates)-1].Deleted)
	assert.Equal(t, StateClosed, w.State())
	_, ok := engine.Cached(child.Ref())
	assert.False(t, ok)
}

func TestWatcher_MissingEntityStopsImmediately(t *testing.T) {
	st := store.NewMemoryStore(notifier.Nop{}, zap.NewNop())
	engine := NewEngine(NewLocalReader(st), nil, Config{PollInterval: 10 * time.Millisecond, MaxReconnects: 1}, zap.NewNop())
	defer engine.Close()

	c := &collector{}
	w, err := engine.Watch(context.Background(), models.EntityRef{Type: models.EntitySegment, ID: [16]byte{9}}, nil, c.options()...)
	require.NoError(t, err)

	select {
	case <-w.Done():
	case <-time.After(waitFor):
		t.Fatal("watcher did not stop for a missing entity")
	}
	updates := c.Updates()
	require.Len(t, updates, 1)
	assert.True(t, updates[0].Deleted)
}

func TestEngine_WatchValidation(t *testing.T) {
	st := store.NewMemoryStore(notifier.Nop{}, zap.NewNop())
	seg := seed(t, st)
	engine := NewEngine(NewLocalReader(st), nil, Config{PollInterval: time.Hour}, zap.NewNop())
	defer engine.Close()

	story := models.EntityRef{Type: models.EntityStory, ID: seg.StoryID}
	_, err := engine.Watch(context.Background(), story, imageOnly)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	_, err = engine.Watch(context.Background(), models.EntityRef{Type: "chapter", ID: seg.ID}, nil)
	assert.ErrorIs(t, err, models.ErrInvalidRequest)

	w, err := engine.Watch(context.Background(), seg.Ref(), nil)
	require.NoError(t, err)
	_, err = engine.Watch(context.Background(), seg.Ref(), nil)
	assert.ErrorIs(t, err, models.ErrConflict)

	w.Close()
	assert.Equal(t, StateClosed, w.State())
	_, err = engine.Watch(context.Background(), seg.Ref(), nil)
	assert.NoError(t, err)
}
