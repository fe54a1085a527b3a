package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Lifecycle errors
var (
	ErrAlreadyStarted      = errors.New("lifecycle already started")
	ErrDuplicateService    = errors.New("service already registered")
	ErrUnknownDependency   = errors.New("dependency not registered")
	ErrCircularDependency  = errors.New("circular dependency detected")
	ErrInvalidRegistration = errors.New("invalid service registration")
)

// DefaultTimeout bounds each service start and stop.
const DefaultTimeout = 30 * time.Second

// LifecycleManager starts services in dependency order and stops them in
// reverse.
type LifecycleManager struct {
	logger *slog.Logger

	mu           sync.RWMutex
	services     map[string]Service
	dependencies map[string][]string
	startOrder   []string
	started      bool
	listeners    []func(LifecycleEvent)
	timeout      time.Duration
}

// NewLifecycleManager creates a new lifecycle manager
func NewLifecycleManager(logger *slog.Logger) *LifecycleManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecycleManager{
		logger:       logger.With("component", "lifecycle"),
		services:     make(map[string]Service),
		dependencies: make(map[string][]string),
		timeout:      DefaultTimeout,
	}
}

// Register registers a service that starts after deps.
func (lm *LifecycleManager) Register(service Service, deps ...string) error {
	if service == nil || service.Name() == "" {
		return ErrInvalidRegistration
	}
	name := service.Name()

	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return fmt.Errorf("%w: cannot register %s", ErrAlreadyStarted, name)
	}
	if _, exists := lm.services[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateService, name)
	}

	lm.services[name] = service
	lm.dependencies[name] = deps
	lm.emit(LifecycleEvent{Type: EventServiceRegistered, Service: name})
	return nil
}

// Start starts all services in dependency order. When one fails, the
// services already started are stopped again.
func (lm *LifecycleManager) Start(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.started {
		return ErrAlreadyStarted
	}

	order, err := lm.calculateStartOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		startCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Start(startCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStartFailed, Service: name, Error: err})
			lm.stopStarted(context.Background())
			return &ApplicationError{Operation: "start", Service: name, Err: err}
		}

		lm.startOrder = append(lm.startOrder, name)
		lm.emit(LifecycleEvent{Type: EventServiceStarted, Service: name})
	}

	lm.started = true
	lm.emit(LifecycleEvent{Type: EventLifecycleStarted})
	return nil
}

// Stop stops all started services in reverse start order and returns the
// first failure.
func (lm *LifecycleManager) Stop(ctx context.Context) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if !lm.started {
		return nil
	}

	err := lm.stopStarted(ctx)
	lm.started = false
	lm.emit(LifecycleEvent{Type: EventLifecycleStopped})
	return err
}

func (lm *LifecycleManager) stopStarted(ctx context.Context) error {
	var firstErr error
	for i := len(lm.startOrder) - 1; i >= 0; i-- {
		name := lm.startOrder[i]

		stopCtx, cancel := context.WithTimeout(ctx, lm.timeout)
		err := lm.services[name].Stop(stopCtx)
		cancel()

		if err != nil {
			lm.emit(LifecycleEvent{Type: EventServiceStopFailed, Service: name, Error: err})
			if firstErr == nil {
				firstErr = &ApplicationError{Operation: "stop", Service: name, Err: err}
			}
			continue
		}
		lm.emit(LifecycleEvent{Type: EventServiceStopped, Service: name})
	}
	lm.startOrder = nil
	return firstErr
}

// Health returns the health status of all services
func (lm *LifecycleManager) Health(ctx context.Context) map[string]HealthStatus {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	health := make(map[string]HealthStatus, len(lm.services))
	for name, service := range lm.services {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		status, err := service.Health(healthCtx)
		cancel()

		if err != nil {
			status = HealthStatus{State: HealthUnhealthy, Message: err.Error()}
		}
		status.LastCheck = time.Now()
		health[name] = status
	}
	return health
}

// Services returns all registered service names
func (lm *LifecycleManager) Services() []string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	names := make([]string, 0, len(lm.services))
	for name := range lm.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddListener adds a lifecycle event listener. Listeners run synchronously
// while the manager's lock is held and must not call back into it.
func (lm *LifecycleManager) AddListener(listener func(LifecycleEvent)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.listeners = append(lm.listeners, listener)
}

// SetTimeout sets the timeout for service operations
func (lm *LifecycleManager) SetTimeout(timeout time.Duration) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.timeout = timeout
}

// IsStarted returns true if the lifecycle manager has been started
func (lm *LifecycleManager) IsStarted() bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.started
}

// calculateStartOrder sorts services topologically (Kahn). Services with no
// ordering constraint between them start in name order.
func (lm *LifecycleManager) calculateStartOrder() ([]string, error) {
	inDegree := make(map[string]int, len(lm.services))
	graph := make(map[string][]string, len(lm.services))

	for name := range lm.services {
		inDegree[name] = 0
	}
	for name, deps := range lm.dependencies {
		for _, dep := range deps {
			if _, exists := lm.services[dep]; !exists {
				return nil, fmt.Errorf("%w: %s needs %s", ErrUnknownDependency, name, dep)
			}
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	result := make([]string, 0, len(lm.services))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var ready []string
		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(result) != len(lm.services) {
		return nil, ErrCircularDependency
	}
	return result, nil
}

func (lm *LifecycleManager) emit(event LifecycleEvent) {
	event.Timestamp = time.Now()

	if event.Error != nil {
		lm.logger.Error(event.Type, "service", event.Service, "error", event.Error)
	} else {
		lm.logger.Debug(event.Type, "service", event.Service)
	}

	for _, listener := range lm.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					lm.logger.Error("lifecycle listener panicked", "panic", r)
				}
			}()
			listener(event)
		}()
	}
}
