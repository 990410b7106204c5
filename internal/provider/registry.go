package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/scripton/scripton/internal/common/errors"
	"github.com/scripton/scripton/internal/common/logger"
)

// Registry holds the registered providers and tracks tasks in flight.
type Registry struct {
	mu          sync.RWMutex
	providers   map[Kind]Provider
	activeTasks map[string]*Task
	logger      *logger.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		providers:   make(map[Kind]Provider),
		activeTasks: make(map[string]*Task),
		logger:      log,
	}
}

// Register adds or replaces the provider for its kind.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[p.Kind()] = p
	r.mu.Unlock()
	r.logger.Info("registered provider", zap.String("kind", string(p.Kind())))
}

// Unregister removes a provider after running its Cleanup.
func (r *Registry) Unregister(ctx context.Context, kind Kind) error {
	r.mu.Lock()
	p, ok := r.providers[kind]
	if ok {
		delete(r.providers, kind)
	}
	r.mu.Unlock()

	if !ok {
		return &UnknownProviderError{Kind: kind}
	}
	if err := p.Cleanup(ctx); err != nil {
		r.logger.Warn("provider cleanup failed",
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	r.logger.Info("unregistered provider", zap.String("kind", string(kind)))
	return nil
}

// Get returns the provider for a kind.
func (r *Registry) Get(kind Kind) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, &UnknownProviderError{Kind: kind}
	}
	return p, nil
}

// ready returns the provider only when it is initialized.
func (r *Registry) ready(kind Kind) (Provider, error) {
	p, err := r.Get(kind)
	if err != nil {
		return nil, err
	}
	if !p.Initialized() {
		return nil, &NotInitializedError{Kind: kind}
	}
	return p, nil
}

// Kinds lists the registered provider kinds.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.providers))
	for k := range r.providers {
		kinds = append(kinds, k)
	}
	return kinds
}

// InitializeAll initializes every registered provider concurrently and
// returns the per-kind outcome. A failed initialization does not abort
// the others.
func (r *Registry) InitializeAll(ctx context.Context) map[Kind]error {
	r.mu.RLock()
	providers := make(map[Kind]Provider, len(r.providers))
	for k, p := range r.providers {
		providers[k] = p
	}
	r.mu.RUnlock()

	results := make(map[Kind]error, len(providers))
	var resultsMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for kind, p := range providers {
		kind, p := kind, p
		g.Go(func() error {
			err := p.Initialize(ctx)
			resultsMu.Lock()
			results[kind] = err
			resultsMu.Unlock()
			if err != nil {
				r.logger.Warn("provider initialization failed",
					zap.String("kind", string(kind)),
					zap.Error(err))
			}
			// Errors are reported per provider, never propagated.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HealthCheckAll probes every registered provider.
func (r *Registry) HealthCheckAll(ctx context.Context) map[Kind]map[string]interface{} {
	r.mu.RLock()
	providers := make(map[Kind]Provider, len(r.providers))
	for k, p := range r.providers {
		providers[k] = p
	}
	r.mu.RUnlock()

	results := make(map[Kind]map[string]interface{}, len(providers))
	for kind, p := range providers {
		results[kind] = p.HealthCheck(ctx)
	}
	return results
}

// ExecuteTask dispatches a task to its provider and records it as active
// for the duration of the call. The task timeout bounds the call as a
// wall-clock ceiling.
func (r *Registry) ExecuteTask(ctx context.Context, task *Task) (*Response, error) {
	p, err := r.ready(task.Provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, task.TimeoutDuration())
	defer cancel()

	task.Status = TaskRunning
	r.mu.Lock()
	r.activeTasks[task.ID] = task
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.activeTasks, task.ID)
		r.mu.Unlock()
	}()

	start := time.Now()
	resp, err := p.Execute(ctx, task)
	if err != nil {
		task.Status = TaskFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperrors.Timeout("task exceeded its timeout")
		}
		return nil, err
	}
	task.Status = TaskCompleted
	resp.TaskID = task.ID
	resp.Provider = task.Provider
	resp.Duration = time.Since(start)
	resp.DurationMS = resp.Duration.Milliseconds()
	return resp, nil
}

// StreamTask dispatches a streaming task. The task stays in the active
// map until the returned channel is drained. Mid-stream failures surface
// as a terminal chunk carrying the error. The task timeout bounds the
// whole stream as a wall-clock ceiling.
func (r *Registry) StreamTask(ctx context.Context, task *Task) (<-chan StreamChunk, error) {
	p, err := r.ready(task.Provider)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, task.TimeoutDuration())

	task.Status = TaskRunning
	r.mu.Lock()
	r.activeTasks[task.ID] = task
	r.mu.Unlock()

	inner, err := p.Stream(ctx, task)
	if err != nil {
		cancel()
		task.Status = TaskFailed
		r.mu.Lock()
		delete(r.activeTasks, task.ID)
		r.mu.Unlock()
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		defer func() {
			r.mu.Lock()
			delete(r.activeTasks, task.ID)
			r.mu.Unlock()
		}()

		for chunk := range inner {
			if chunk.Err != nil {
				task.Status = TaskFailed
			} else if chunk.Done {
				task.Status = TaskCompleted
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					task.Status = TaskFailed
				} else {
					task.Status = TaskCancelled
				}
				return
			}
		}
	}()
	return out, nil
}

// CancelTask cancels an active task through its provider.
func (r *Registry) CancelTask(ctx context.Context, taskID string) bool {
	r.mu.RLock()
	task, ok := r.activeTasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	p, err := r.Get(task.Provider)
	if err != nil {
		return false
	}
	if p.Cancel(ctx, taskID) {
		task.Status = TaskCancelled
		r.mu.Lock()
		delete(r.activeTasks, taskID)
		r.mu.Unlock()
		return true
	}
	return false
}

// ActiveTasks lists the tasks currently in flight.
func (r *Registry) ActiveTasks() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tasks := make([]*Task, 0, len(r.activeTasks))
	for _, t := range r.activeTasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// ProvidersInfo summarises the registered providers for the list endpoint:
// kind, initialized, health status, served models, and the config schema.
func (r *Registry) ProvidersInfo(ctx context.Context) map[string]map[string]interface{} {
	r.mu.RLock()
	providers := make(map[Kind]Provider, len(r.providers))
	for k, p := range r.providers {
		providers[k] = p
	}
	r.mu.RUnlock()

	info := make(map[string]map[string]interface{}, len(providers))
	for kind, p := range providers {
		models, err := p.ListModels(ctx)
		if err != nil {
			models = []string{}
		}
		info[string(kind)] = map[string]interface{}{
			"kind":                 string(kind),
			"initialized":          p.Initialized(),
			"status":               p.HealthCheck(ctx),
			"models":               models,
			"schema":               p.ConfigSchema(),
			"required_config_keys": p.RequiredConfigKeys(),
		}
	}
	return info
}

// Shutdown cleans up every provider sequentially. Per-provider failures
// are logged and absorbed so one bad backend cannot block the rest.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	providers := make(map[Kind]Provider, len(r.providers))
	for k, p := range r.providers {
		providers[k] = p
	}
	r.providers = make(map[Kind]Provider)
	r.activeTasks = make(map[string]*Task)
	r.mu.Unlock()

	for kind, p := range providers {
		if err := p.Cleanup(ctx); err != nil {
			r.logger.Error("provider cleanup failed",
				zap.String("kind", string(kind)),
				zap.Error(err))
		}
	}
	r.logger.Info("provider registry shut down")
}
