// Package projects manages the registered project set and the per-project
// repository pollers.
package projects

import (
	"context"
	"fmt"
	"sync"

	"github.com/tic-hefr/ipd/internal/logging"
)

// AlreadyExistsError reports a register attempt for a key that is taken.
type AlreadyExistsError struct {
	Key string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("project %q already exists", e.Key)
}

// NotFoundError reports a lookup for an unregistered project.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("project %q does not exist", e.Key)
}

// Store is the slice of the state store the registry uses.
type Store interface {
	AddProject(ctx context.Context, key string) (bool, error)
	SetProjectRepo(ctx context.Context, key, repo string) error
	ProjectRepo(ctx context.Context, key string) (string, error)
	Projects(ctx context.Context) ([]string, error)
	RemoveProject(ctx context.Context, key string) error
}

// Poller watches one project repository for new commits. The git poller
// itself lives outside this package; the registry only starts and stops it.
type Poller interface {
	Start()
	Stop()
}

// PollerFactory builds a poller for a registered project.
type PollerFactory func(key, repo string) Poller

// Project is the public view of one registered project.
type Project struct {
	Repo string `json:"repo"`
}

// Registry is the project CRUD surface backed by the state store.
type Registry struct {
	store   Store
	factory PollerFactory

	mu      sync.Mutex
	pollers map[string]Poller
}

// NewRegistry creates a Registry. factory may be nil, in which case no
// pollers are started and builds are triggered externally only.
func NewRegistry(store Store, factory PollerFactory) *Registry {
	return &Registry{
		store:   store,
		factory: factory,
		pollers: make(map[string]Poller),
	}
}

// Start resumes polling for every project already in the store.
func (r *Registry) Start(ctx context.Context) error {
	keys, err := r.store.Projects(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		repo, err := r.store.ProjectRepo(ctx, key)
		if err != nil {
			return err
		}
		r.startPoller(key, repo)
	}
	logging.Op().Info("projects polling started", "projects", len(keys))
	return nil
}

// Stop stops every running poller.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.pollers {
		p.Stop()
		delete(r.pollers, key)
	}
	logging.Op().Info("projects polling stopped")
}

// Register adds a project and starts its poller. Fails with
// AlreadyExistsError when the key is taken; the stored repo URL is left
// untouched in that case.
func (r *Registry) Register(ctx context.Context, key, repo string) error {
	added, err := r.store.AddProject(ctx, key)
	if err != nil {
		return err
	}
	if !added {
		return &AlreadyExistsError{Key: key}
	}
	if err := r.store.SetProjectRepo(ctx, key, repo); err != nil {
		return err
	}
	logging.Op().Info("project registered", "key", key, "repo", repo)
	r.startPoller(key, repo)
	return nil
}

// Get returns the project for key or NotFoundError.
func (r *Registry) Get(ctx context.Context, key string) (*Project, error) {
	repo, err := r.store.ProjectRepo(ctx, key)
	if err != nil {
		return nil, err
	}
	if repo == "" {
		return nil, &NotFoundError{Key: key}
	}
	return &Project{Repo: repo}, nil
}

// List returns all registered project keys.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	return r.store.Projects(ctx)
}

// Unregister removes a project and stops its poller. Idempotent on a
// missing key.
func (r *Registry) Unregister(ctx context.Context, key string) error {
	if err := r.store.RemoveProject(ctx, key); err != nil {
		return err
	}
	r.stopPoller(key)
	logging.Op().Info("project unregistered", "key", key)
	return nil
}

func (r *Registry) startPoller(key, repo string) {
	if r.factory == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pollers[key]; ok {
		return
	}
	p := r.factory(key, repo)
	r.pollers[key] = p
	p.Start()
}

func (r *Registry) stopPoller(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pollers[key]; ok {
		p.Stop()
		delete(r.pollers, key)
	}
}
