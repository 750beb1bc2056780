// Package container управляет жизненным циклом компонентов процесса.
package container

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LuanFBA/estoque-system/framework/core"
)

// Component компонент с жизненным циклом, управляемый контейнером
type Component interface {
	core.Component
	core.Lifecycle
}

// Config конфигурация контейнера
type Config struct {
	ShutdownTimeout time.Duration
}

// Container запускает компоненты по приоритету и зависимостям.
// Остановка выполняется в обратном порядке запуска.
type Container struct {
	Config     Config
	mu         sync.RWMutex
	components []registration
	started    []registration
}

type registration struct {
	component Component
	priority  core.Priority
	deps      []string
	seq       int
}

// NewContainer создает новый контейнер
func NewContainer(config *Config) *Container {
	cfg := Config{ShutdownTimeout: 30 * time.Second}
	if config != nil && config.ShutdownTimeout > 0 {
		cfg = *config
	}
	return &Container{Config: cfg}
}

// Register добавляет компонент. deps перечисляет имена компонентов,
// которые должны быть запущены раньше.
func (c *Container) Register(component Component, priority core.Priority, deps ...string) error {
	if component == nil {
		return errors.New("component cannot be nil")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.components {
		if r.component.Name() == component.Name() {
			return fmt.Errorf("component %s already registered", component.Name())
		}
	}
	c.components = append(c.components, registration{
		component: component,
		priority:  priority,
		deps:      deps,
		seq:       len(c.components),
	})
	return nil
}

// Components возвращает имена компонентов в порядке запуска
func (c *Container) Components() ([]string, error) {
	order, err := c.startOrder()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(order))
	for _, r := range order {
		names = append(names, r.component.Name())
	}
	return names, nil
}

// Start запускает компоненты. При ошибке уже запущенные компоненты останавливаются.
func (c *Container) Start(ctx context.Context) error {
	order, err := c.startOrder()
	if err != nil {
		return err
	}

	for _, r := range order {
		if err := r.component.Start(ctx); err != nil {
			startErr := core.Wrap(err, core.ErrInitializationFailed, fmt.Sprintf("failed to start %s", r.component.Name()))
			return errors.Join(startErr, c.Shutdown(ctx))
		}
		c.mu.Lock()
		c.started = append(c.started, r)
		c.mu.Unlock()
	}
	return nil
}

// Shutdown останавливает запущенные компоненты в обратном порядке.
// Ошибки не прерывают остановку остальных и возвращаются вместе.
func (c *Container) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Config.ShutdownTimeout)
	defer cancel()

	c.mu.Lock()
	started := c.started
	c.started = nil
	c.mu.Unlock()

	var errs error
	for i := len(started) - 1; i >= 0; i-- {
		comp := started[i].component
		if err := comp.Stop(ctx); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to stop %s: %w", comp.Name(), err))
		}
	}
	return errs
}

// startOrder сортирует компоненты по приоритету с учетом зависимостей
func (c *Container) startOrder() ([]registration, error) {
	c.mu.RLock()
	regs := append([]registration(nil), c.components...)
	c.mu.RUnlock()

	if err := detectCircularDependencies(regs); err != nil {
		return nil, err
	}

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})

	byName := make(map[string]registration, len(regs))
	for _, r := range regs {
		byName[r.component.Name()] = r
	}

	var order []registration
	placed := make(map[string]bool, len(regs))
	var place func(r registration) error
	place = func(r registration) error {
		name := r.component.Name()
		if placed[name] {
			return nil
		}
		for _, dep := range r.deps {
			d, ok := byName[dep]
			if !ok {
				return fmt.Errorf("component %s depends on unknown component %s", name, dep)
			}
			if err := place(d); err != nil {
				return err
			}
		}
		placed[name] = true
		order = append(order, r)
		return nil
	}
	for _, r := range regs {
		if err := place(r); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// detectCircularDependencies обнаруживает циклические зависимости
func detectCircularDependencies(regs []registration) error {
	graph := make(map[string][]string, len(regs))
	for _, r := range regs {
		graph[r.component.Name()] = r.deps
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var dfs func(node string) error
	dfs = func(node string) error {
		visited[node] = true
		recStack[node] = true

		for _, dep := range graph[node] {
			if !visited[dep] {
				if err := dfs(dep); err != nil {
					return err
				}
			} else if recStack[dep] {
				return fmt.Errorf("circular dependency detected: %s -> %s", node, dep)
			}
		}

		recStack[node] = false
		return nil
	}

	names := make([]string, 0, len(graph))
	for name := range graph {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, node := range names {
		if !visited[node] {
			if err := dfs(node); err != nil {
				return err
			}
		}
	}
	return nil
}
