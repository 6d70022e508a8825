package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// ErrClosed - менеджер остановлен и новые задачи не принимает.
	ErrClosed = errors.New("task manager is closed")
	// ErrTaskNotFound - задача с указанным ID не найдена.
	ErrTaskNotFound = errors.New("task not found")
)

var (
	tasksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrative_background_tasks_active",
		Help: "Number of background tasks currently running.",
	})
	tasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "narrative_background_tasks_finished_total",
			Help: "Total number of finished background tasks by name and status.",
		},
		[]string{"name", "status"},
	)
)

// TaskStatus представляет статус задачи
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskFunc - тело фоновой задачи. Контекст отменяется при CancelTask или жесткой остановке.
type TaskFunc func(ctx context.Context) error

// Task - снимок состояния фоновой задачи.
type Task struct {
	ID        uuid.UUID
	Name      string
	Status    TaskStatus
	Message   string
	CreatedAt time.Time
	UpdatedAt time.Time
	cancel    context.CancelFunc
}

// Config содержит конфигурацию для TaskManager
type Config struct {
	// MaxTasks ограничивает число одновременно выполняемых задач, остальные ждут в pending.
	MaxTasks int
}

// TaskManager запускает отсоединенные от запроса задачи, перехватывает паники
// и дожидается их при остановке.
type TaskManager struct {
	mu      sync.RWMutex
	tasks   map[uuid.UUID]*Task
	slots   chan struct{}
	closing chan struct{}
	closed  bool
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New создает новый экземпляр TaskManager
func New(cfg Config, logger *zap.Logger) *TaskManager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 10
	}
	return &TaskManager{
		tasks:   make(map[uuid.UUID]*Task),
		slots:   make(chan struct{}, maxTasks),
		closing: make(chan struct{}),
		logger:  logger.Named("TaskManager"),
	}
}

// Submit регистрирует задачу и запускает ее, как только освободится слот.
func (tm *TaskManager) Submit(name string, fn TaskFunc) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.closed {
		return uuid.Nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	task := &Task{
		ID:        uuid.New(),
		Name:      name,
		Status:    TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		cancel:    cancel,
	}
	tm.tasks[task.ID] = task

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer cancel()
		tm.runTask(ctx, task, fn)
	}()

	return task.ID, nil
}

func (tm *TaskManager) runTask(ctx context.Context, task *Task, fn TaskFunc) {
	log := tm.logger.With(zap.String("taskID", task.ID.String()), zap.String("task", task.Name))

	select {
	case tm.slots <- struct{}{}:
	case <-ctx.Done():
		tm.finish(task, TaskStatusCancelled, "cancelled before start")
		return
	}
	defer func() { <-tm.slots }()

	tm.setStatus(task, TaskStatusRunning, "")
	tasksActive.Inc()
	defer tasksActive.Dec()

	err := tm.safeCall(ctx, fn, log)
	switch {
	case err == nil:
		tm.finish(task, TaskStatusCompleted, "")
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		log.Info("Task cancelled")
		tm.finish(task, TaskStatusCancelled, err.Error())
	default:
		log.Error("Task failed", zap.Error(err))
		tm.finish(task, TaskStatusFailed, err.Error())
	}
}

func (tm *TaskManager) safeCall(ctx context.Context, fn TaskFunc, log *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func (tm *TaskManager) setStatus(task *Task, status TaskStatus, message string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	task.Status = status
	task.Message = message
	task.UpdatedAt = time.Now()
}

func (tm *TaskManager) finish(task *Task, status TaskStatus, message string) {
	tm.setStatus(task, status, message)
	tasksFinished.WithLabelValues(task.Name, string(status)).Inc()
}

// GetTask возвращает копию состояния задачи по ID
func (tm *TaskManager) GetTask(taskID uuid.UUID) (Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	cp := *task
	cp.cancel = nil
	return cp, nil
}

// CancelTask отменяет контекст задачи. Статус обновится, когда задача вернется.
func (tm *TaskManager) CancelTask(taskID uuid.UUID) error {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, ok := tm.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status.finished() {
		return fmt.Errorf("невозможно отменить задачу в статусе %s", task.Status)
	}
	task.cancel()
	return nil
}

// Active возвращает число незавершенных задач.
func (tm *TaskManager) Active() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	n := 0
	for _, task := range tm.tasks {
		if !task.Status.finished() {
			n++
		}
	}
	return n
}

// Wait блокируется, пока не завершатся все запущенные задачи.
func (tm *TaskManager) Wait() {
	tm.wg.Wait()
}

// CleanupTasks удаляет завершенные задачи, которые старше указанного времени
func (tm *TaskManager) CleanupTasks(age time.Duration) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, task := range tm.tasks {
		if task.Status.finished() && now.Sub(task.UpdatedAt) > age {
			delete(tm.tasks, id)
			removed++
		}
	}
	return removed
}

// RunCleanup периодически удаляет старые завершенные задачи до отмены ctx.
func (tm *TaskManager) RunCleanup(ctx context.Context, interval, age time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tm.closing:
			return
		case <-ticker.C:
			if n := tm.CleanupTasks(age); n > 0 {
				tm.logger.Debug("Finished tasks cleaned up", zap.Int("count", n))
			}
		}
	}
}

// Shutdown перестает принимать задачи и ждет завершения текущих.
// По истечении ctx оставшиеся задачи отменяются.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	if !tm.closed {
		tm.closed = true
		close(tm.closing)
	}
	tm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.logger.Info("All background tasks finished")
		return nil
	case <-ctx.Done():
		tm.mu.RLock()
		for _, task := range tm.tasks {
			if !task.Status.finished() {
				task.cancel()
			}
		}
		tm.mu.RUnlock()
		tm.logger.Warn("Background tasks cancelled on shutdown timeout", zap.Int("active", tm.Active()))
		return fmt.Errorf("таймаут при ожидании завершения задач: %w", ctx.Err())
	}
}
