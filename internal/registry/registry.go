// Package registry tracks the named consumer containers of one process so
// whatever owns process lifetime can start and stop them together.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jdiitm/delayq/internal/consumer"
)

var (
	ErrUnknownContainer   = errors.New("unknown container")
	ErrDuplicateContainer = errors.New("container already registered")
)

// Container is the lifecycle surface the registry drives.
type Container interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() consumer.State
	AutoStartup() bool
	// Err is non-nil once the container has stopped because of a failure.
	Err() error
}

var _ Container = (*consumer.Container)(nil)

type Registry struct {
	mu         sync.Mutex
	containers map[string]Container
	logger     *zap.Logger
}

type Option func(*Registry)

func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		containers: make(map[string]Container),
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) Register(name string, c Container) error {
	if name == "" {
		return errors.New("container name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.containers[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateContainer, name)
	}
	r.containers[name] = c
	return nil
}

func (r *Registry) Get(name string) (Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownContainer, name)
	}
	return c, nil
}

// Names lists registered containers in sorted order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.containers))
	for name := range r.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// States reports each container's lifecycle state by name.
func (r *Registry) States() map[string]consumer.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]consumer.State, len(r.containers))
	for name, c := range r.containers {
		out[name] = c.State()
	}
	return out
}

// Failures returns the containers that stopped with an error. A container
// stopped on request is not listed.
func (r *Registry) Failures() map[string]error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]error)
	for name, c := range r.containers {
		if err := c.Err(); err != nil && c.State() == consumer.StateStopped {
			out[name] = err
		}
	}
	return out
}

func (r *Registry) Start(ctx context.Context, name string) error {
	c, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start %q: %w", name, err)
	}
	r.logger.Info("container started", zap.String("container", name))
	return nil
}

func (r *Registry) Stop(ctx context.Context, name string) error {
	c, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return fmt.Errorf("stop %q: %w", name, err)
	}
	r.logger.Info("container stopped", zap.String("container", name))
	return nil
}

// StartAll starts every container still in the Created state, in name
// order, and stops at the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.startMatching(ctx, func(Container) bool { return true })
}

// Init starts the containers registered for auto-startup.
func (r *Registry) Init(ctx context.Context) error {
	return r.startMatching(ctx, Container.AutoStartup)
}

func (r *Registry) startMatching(ctx context.Context, match func(Container) bool) error {
	for _, name := range r.Names() {
		c, err := r.Get(name)
		if err != nil {
			continue
		}
		if c.State() != consumer.StateCreated || !match(c) {
			continue
		}
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every container concurrently and waits for all of them.
func (r *Registry) StopAll(ctx context.Context) error {
	names := r.Names()
	errs := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.Stop(ctx, name)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Shutdown stops everything and empties the registry.
func (r *Registry) Shutdown(ctx context.Context) error {
	err := r.StopAll(ctx)
	r.mu.Lock()
	r.containers = make(map[string]Container)
	r.mu.Unlock()
	return err
}
