package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"narrative-server/internal/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/looplab/fsm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// State - режим подписки наблюдателя.
type State string

const (
	StateConnecting State = "connecting"
	StateSubscribed State = "subscribed"
	StateDegraded   State = "degraded"
	// StateFailed - push-канал не восстановлен, наблюдатель работает только опросом.
	StateFailed State = "failed"
	StateClosed State = "closed"
)

const (
	eventSubscribed   = "subscribed"
	eventChannelError = "channel_error"
	eventGiveUp       = "give_up"
	eventClose        = "close"
)

// Source - откуда пришел снимок.
type Source string

const (
	SourceInitial Source = "initial"
	SourcePush    Source = "push"
	SourcePoll    Source = "poll"
	SourceConfirm Source = "confirm"
	SourceResync  Source = "resync"
)

var (
	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_sync_reconcile_total",
			Help: "Snapshots handled by the client reconciler by source and outcome.",
		},
		[]string{"source", "outcome"},
	)
	stateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_sync_state_transitions_total",
			Help: "Subscription state machine transitions by target state.",
		},
		[]string{"state"},
	)
)

// Update - изменение, доставленное наблюдателю.
type Update struct {
	Ref      models.EntityRef
	Snapshot models.Snapshot
	Changes  []FieldChange
	Source   Source
	State    State
	Deleted  bool
	// Confirming - после этого снимка еще ожидаются подтверждающие перечитывания.
	Confirming bool
}

// WatchOption настраивает наблюдателя.
type WatchOption func(*Watcher)

// OnUpdate задает обработчик принятых изменений.
func OnUpdate(fn func(Update)) WatchOption {
	return func(w *Watcher) { w.onUpdate = fn }
}

// OnStateChange задает обработчик смены режима подписки.
func OnStateChange(fn func(from, to State)) WatchOption {
	return func(w *Watcher) { w.onState = fn }
}

// OnConfirmed задает обработчик завершения каскада подтверждающих перечитываний.
// Получает закэшированный снимок после последнего перечитывания.
func OnConfirmed(fn func(models.Snapshot)) WatchOption {
	return func(w *Watcher) { w.onConfirmed = fn }
}

// Watcher - наблюдение за одной сущностью. Вся работа идет в одной горутине.
type Watcher struct {
	engine *Engine
	ref    models.EntityRef
	fields []models.MediaField
	cfg    Config
	logger *zap.Logger

	onUpdate    func(Update)
	onState     func(from, to State)
	onConfirmed func(models.Snapshot)

	machine *fsm.FSM
	backoff backoff.BackOff

	stream         Stream
	pollTimer      *time.Timer
	reconnectTimer *time.Timer
	confirmTimers  []*time.Timer
	confirmPending int
	confirmCh      chan struct{}
	deleted        bool
	// readPending - с момента (пере)подписки не было успешного чтения.
	readPending bool

	closeOnce sync.Once
	closeCh   chan struct{}
	done      chan struct{}
}

func newWatcher(e *Engine, ref models.EntityRef, fields []models.MediaField, opts ...WatchOption) *Watcher {
	w := &Watcher{
		engine:      e,
		ref:         ref,
		fields:      append([]models.MediaField(nil), fields...),
		cfg:         e.cfg,
		logger:      e.logger.With(zap.String("entity", ref.String())),
		onUpdate:    func(Update) {},
		onState:     func(State, State) {},
		onConfirmed: func(models.Snapshot) {},
		confirmCh:   make(chan struct{}),
		closeCh:     make(chan struct{}),
		readPending: true,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = w.cfg.ReconnectInitial
	exp.MaxInterval = w.cfg.ReconnectMax
	exp.MaxElapsedTime = 0
	exp.Reset()
	w.backoff = backoff.WithMaxRetries(exp, uint64(w.cfg.MaxReconnects))

	w.machine = fsm.NewFSM(
		string(StateConnecting),
		fsm.Events{
			{Name: eventSubscribed, Src: []string{string(StateConnecting), string(StateDegraded)}, Dst: string(StateSubscribed)},
			{Name: eventChannelError, Src: []string{string(StateConnecting), string(StateSubscribed)}, Dst: string(StateDegraded)},
			{Name: eventGiveUp, Src: []string{string(StateDegraded)}, Dst: string(StateFailed)},
			{Name: eventClose, Src: []string{string(StateConnecting), string(StateSubscribed), string(StateDegraded), string(StateFailed)}, Dst: string(StateClosed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				stateTransitionsTotal.WithLabelValues(e.Dst).Inc()
				w.logger.Info("Subscription state changed", zap.String("from", e.Src), zap.String("to", e.Dst), zap.String("event", e.Event))
				w.onState(State(e.Src), State(e.Dst))
			},
		},
	)
	return w
}

func (w *Watcher) Ref() models.EntityRef { return w.ref }

// State возвращает текущий режим подписки.
func (w *Watcher) State() State { return State(w.machine.Current()) }

// Done закрывается, когда наблюдатель остановлен (Close, отмена контекста или удаление сущности).
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Close останавливает push-подписку и таймеры опроса и ждет выхода горутины.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() { close(w.closeCh) })
	<-w.done
}

func (w *Watcher) start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer w.shutdown()

	// Подписка открывается до первого чтения, чтобы не потерять изменения между ними.
	w.connect(ctx)
	w.refresh(ctx, SourceInitial)

	for !w.deleted {
		w.updatePolling()

		select {
		case <-ctx.Done():
			return
		case <-w.closeCh:
			return
		case ev, ok := <-w.streamEvents():
			if !ok {
				w.onChannelError(w.stream.Err())
				continue
			}
			if ev.Snapshot.Ref != w.ref {
				continue
			}
			w.reconcile(ev.Snapshot, SourcePush)
		case <-timerC(w.pollTimer):
			w.pollTimer = nil
			w.refresh(ctx, SourcePoll)
		case <-timerC(w.reconnectTimer):
			w.reconnectTimer = nil
			w.connect(ctx)
		case <-w.confirmCh:
			w.refresh(ctx, SourceConfirm)
			w.confirmPending--
			if w.confirmPending == 0 && !w.deleted {
				if snap, ok := w.engine.reconciler.Get(w.ref); ok {
					w.onConfirmed(snap)
				}
			}
		}
	}
}

// connect открывает push-подписку. При отказе переходит в degraded и планирует повтор.
func (w *Watcher) connect(ctx context.Context) {
	if w.engine.push == nil {
		w.fire(eventChannelError)
		w.fire(eventGiveUp)
		return
	}

	subCtx, cancel := context.WithTimeout(ctx, w.cfg.SubscribeTimeout)
	stream, err := w.engine.push.Subscribe(subCtx, w.ref, models.EventAny)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("Push subscription failed", zap.Error(err))
		w.fire(eventChannelError)
		w.scheduleReconnect()
		return
	}

	resubscribed := w.State() == StateDegraded
	w.stream = stream
	w.backoff.Reset()
	w.fire(eventSubscribed)
	if resubscribed {
		// Пока канала не было, изменения могли быть пропущены.
		w.readPending = true
		w.refresh(ctx, SourceResync)
	}
}

func (w *Watcher) onChannelError(err error) {
	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
	w.logger.Warn("Push channel error, falling back to polling", zap.Error(err))
	w.fire(eventChannelError)
	w.scheduleReconnect()
}

func (w *Watcher) scheduleReconnect() {
	delay := w.backoff.NextBackOff()
	if delay == backoff.Stop {
		w.logger.Warn("Reconnect attempts exhausted, staying in poll-only mode", zap.Int("maxReconnects", w.cfg.MaxReconnects))
		w.fire(eventGiveUp)
		return
	}
	w.reconnectTimer = time.NewTimer(delay)
}

// updatePolling включает опрос в деградированном режиме, пока есть активные поля,
// и в любом режиме, пока после (пере)подписки не удалось прочитать сущность.
func (w *Watcher) updatePolling() {
	state := w.State()
	need := state == StateDegraded || state == StateFailed
	if need {
		if snap, ok := w.engine.reconciler.Get(w.ref); ok && Settled(snap, w.fields) {
			need = false
		}
	}
	if w.readPending && state != StateClosed {
		need = true
	}

	switch {
	case need && w.pollTimer == nil:
		w.pollTimer = time.NewTimer(w.cfg.PollInterval)
	case !need && w.pollTimer != nil:
		w.pollTimer.Stop()
		w.pollTimer = nil
	}
}

// refresh читает сущность и пропускает снимок через общий путь реконсиляции.
func (w *Watcher) refresh(ctx context.Context, source Source) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	snap, err := w.engine.reader.Fetch(fetchCtx, w.ref)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			w.readPending = false
			w.reconcile(models.Snapshot{Ref: w.ref, Deleted: true}, source)
			return
		}
		if ctx.Err() == nil {
			w.logger.Warn("Status read failed", zap.String("source", string(source)), zap.Error(err))
			reconcileTotal.WithLabelValues(string(source), "error").Inc()
		}
		return
	}
	w.readPending = false
	w.reconcile(snap, source)
}

func (w *Watcher) reconcile(snap models.Snapshot, source Source) {
	outcome, changes := w.engine.reconciler.Apply(snap, w.fields)
	reconcileTotal.WithLabelValues(string(source), outcome.String()).Inc()

	switch outcome {
	case OutcomeDeleted:
		w.deleted = true
		w.logger.Info("Watched entity was deleted", zap.String("source", string(source)))
		w.onUpdate(Update{Ref: w.ref, Snapshot: snap, Source: source, State: w.State(), Deleted: true})
	case OutcomeApplied:
		w.logger.Debug("Snapshot applied",
			zap.String("source", string(source)),
			zap.Int64("version", snap.Version),
			zap.Int("changedFields", len(changes)),
		)
		for _, c := range changes {
			if c.TerminalReached {
				w.scheduleConfirmations()
				break
			}
		}
		w.onUpdate(Update{Ref: w.ref, Snapshot: snap, Changes: changes, Source: source, State: w.State(), Confirming: w.confirmPending > 0})
	}
}

// scheduleConfirmations планирует подтверждающие перечитывания после терминального статуса.
func (w *Watcher) scheduleConfirmations() {
	for _, delay := range w.cfg.ConfirmDelays {
		t := time.AfterFunc(delay, func() {
			select {
			case w.confirmCh <- struct{}{}:
			case <-w.done:
			}
		})
		w.confirmTimers = append(w.confirmTimers, t)
		w.confirmPending++
	}
}

func (w *Watcher) fire(event string) {
	if !w.machine.Can(event) {
		return
	}
	if err := w.machine.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			w.logger.Error("Subscription state transition failed", zap.String("event", event), zap.Error(err))
		}
	}
}

func (w *Watcher) streamEvents() <-chan models.ChangeEvent {
	if w.stream == nil {
		return nil
	}
	return w.stream.Events()
}

func (w *Watcher) shutdown() {
	if w.stream != nil {
		w.stream.Close()
		w.stream = nil
	}
	for _, t := range []*time.Timer{w.pollTimer, w.reconnectTimer} {
		if t != nil {
			t.Stop()
		}
	}
	for _, t := range w.confirmTimers {
		t.Stop()
	}
	w.fire(eventClose)
	w.engine.forget(w)
	close(w.done)
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
