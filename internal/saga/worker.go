package saga

import (
	"context"
	"errors"
	"sync"

	"github.com/LuanFBA/estoque-system/framework/core"
)

// Worker запускает Runner в фоне как компонент с жизненным циклом
type Worker struct {
	runner *Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	running bool
}

// NewWorker оборачивает Runner
func NewWorker(runner *Runner) *Worker {
	return &Worker{runner: runner}
}

// Name возвращает имя компонента
func (w *Worker) Name() string {
	return "stage-" + w.runner.Stage()
}

// Type возвращает тип компонента
func (w *Worker) Type() core.ComponentType {
	return core.ComponentTypeHandler
}

// Start запускает потребление. Контекст Start не ограничивает время работы.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("worker already running")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true

	go func(done chan struct{}) {
		err := w.runner.Run(runCtx)
		w.mu.Lock()
		w.err = err
		w.running = false
		w.mu.Unlock()
		close(done)
	}(w.done)
	return nil
}

// Stop отменяет потребление и ждет завершения текущей доставки
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning проверяет, идет ли потребление
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Done закрывается, когда потребление завершилось
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Err ошибка завершения потребления
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}
