package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"narrative-server/internal/models"
	"narrative-server/internal/provider"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var chainRunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "narrative_chain_runs_total",
		Help: "Total number of fallback chain runs by winning provider.",
	},
	[]string{"kind", "winner"}, // winner = "none" при исчерпании цепочки
)

// Failure - отказ одного адаптера в рамках прогона цепочки.
type Failure struct {
	Provider string
	Reason   provider.Reason
	Duration time.Duration
	Err      error
}

// Result - успешный прогон: контент и провенанс (какой адаптер победил).
type Result struct {
	Content  provider.Content
	Provider string
	Index    int
	Failures []Failure
}

// ExhaustedError возвращается, когда ни один адаптер цепочки не справился.
type ExhaustedError struct {
	Kind     models.ContentKind
	Failures []Failure
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Provider, f.Reason))
	}
	return fmt.Sprintf("%s chain exhausted after %d attempts [%s]", e.Kind, len(e.Failures), strings.Join(parts, ", "))
}

func (e *ExhaustedError) Unwrap() error {
	return models.ErrChainExhausted
}

// Cause объединяет ошибки всех адаптеров.
func (e *ExhaustedError) Cause() error {
	var combined error
	for _, f := range e.Failures {
		combined = multierr.Append(combined, f.Err)
	}
	return combined
}

// Runner перебирает адаптеры одного типа контента в фиксированном порядке.
// Каждый адаптер получает ровно одну попытку, ограниченную Timeout.
type Runner struct {
	kind     models.ContentKind
	adapters []provider.Adapter
	timeout  time.Duration
	logger   *zap.Logger
}

// New проверяет конфигурацию цепочки. Пустая цепочка - ошибка конфигурации.
func New(kind models.ContentKind, adapters []provider.Adapter, timeout time.Duration, logger *zap.Logger) (*Runner, error) {
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%s chain has no providers configured", kind)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%s chain timeout must be positive", kind)
	}
	for _, a := range adapters {
		if a.Kind() != kind {
			return nil, fmt.Errorf("provider %s produces %s, not %s", a.Name(), a.Kind(), kind)
		}
	}
	return &Runner{
		kind:     kind,
		adapters: append([]provider.Adapter(nil), adapters...),
		timeout:  timeout,
		logger:   logger.Named("Chain").With(zap.String("kind", string(kind))),
	}, nil
}

func (r *Runner) Kind() models.ContentKind { return r.kind }

// Providers возвращает имена адаптеров в порядке попыток.
func (r *Runner) Providers() []string {
	names := make([]string, len(r.adapters))
	for i, a := range r.adapters {
		names[i] = a.Name()
	}
	return names
}

// Run выполняет цепочку. Возвращает *ExhaustedError, если все адаптеры отказали.
// Отмена родительского контекста прерывает перебор.
func (r *Runner) Run(ctx context.Context, spec provider.Spec) (Result, error) {
	spec.Kind = r.kind
	log := r.logger.With(zap.String("entityID", spec.EntityID.String()))

	var failures []Failure
	for i, adapter := range r.adapters {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("%s chain interrupted: %w", r.kind, err)
		}

		start := time.Now()
		content, err := r.attempt(ctx, adapter, spec)
		if err == nil {
			chainRunsTotal.WithLabelValues(string(r.kind), adapter.Name()).Inc()
			log.Info("Chain produced content",
				zap.String("provider", adapter.Name()),
				zap.Int("position", i),
				zap.Int("failedBefore", len(failures)),
			)
			return Result{Content: content, Provider: adapter.Name(), Index: i, Failures: failures}, nil
		}

		perr := provider.Classify(ctx, adapter.Name(), r.kind, err)
		failures = append(failures, Failure{
			Provider: adapter.Name(),
			Reason:   perr.Reason,
			Duration: time.Since(start),
			Err:      perr,
		})
		log.Warn("Provider failed, moving to next",
			zap.String("provider", adapter.Name()),
			zap.String("reason", string(perr.Reason)),
			zap.Int("position", i),
		)
	}

	chainRunsTotal.WithLabelValues(string(r.kind), "none").Inc()
	exhausted := &ExhaustedError{Kind: r.kind, Failures: failures}
	log.Error("Chain exhausted", zap.Error(exhausted.Cause()))
	return Result{}, exhausted
}

type attemptOutcome struct {
	content provider.Content
	err     error
}

// attempt выполняет одну попытку с жестким таймаутом.
// Зависший адаптер бросается по дедлайну, его горутина дорабатывает в фоне.
func (r *Runner) attempt(ctx context.Context, adapter provider.Adapter, spec provider.Spec) (provider.Content, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- attemptOutcome{err: provider.NewError(adapter.Name(), r.kind, provider.ReasonPanic, fmt.Errorf("panic: %v", rec))}
			}
		}()
		content, err := adapter.Attempt(attemptCtx, spec)
		if err == nil && !contentMatches(content, r.kind) {
			err = provider.Malformed(adapter.Name(), r.kind, "adapter returned empty %s content", r.kind)
		}
		done <- attemptOutcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		return out.content, out.err
	case <-attemptCtx.Done():
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			return provider.Content{}, provider.NewError(adapter.Name(), r.kind, provider.ReasonTimeout,
				fmt.Errorf("no response within %s", r.timeout))
		}
		return provider.Content{}, provider.NewError(adapter.Name(), r.kind, provider.ReasonCanceled, attemptCtx.Err())
	}
}

func contentMatches(c provider.Content, kind models.ContentKind) bool {
	if kind == models.ContentText {
		return c.Text != nil && c.Text.Text != ""
	}
	return len(c.Data) > 0 || c.URL != ""
}
