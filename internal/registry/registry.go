// Package registry tracks the live desktop sessions of this gateway
// process, keyed by session key.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"labgate/internal/lifecycle"
)

// Handle is one registered session.
type Handle struct {
	Key         string         `json:"key"`
	ContainerID string         `json:"container_id"`
	Kind        lifecycle.Kind `json:"kind"`
	// BackingID is the enrollment id for regular sessions and the exam
	// session id for exam sessions.
	BackingID int64     `json:"backing_id"`
	CreatedAt time.Time `json:"created_at"`
	// Status is filled in by List from the container runtime.
	Status lifecycle.State `json:"status"`
}

// Checker reports the runtime state of the container named by a session key.
type Checker interface {
	Status(ctx context.Context, name string) (lifecycle.State, string, error)
}

// Config holds configuration for creating a new Registry.
type Config struct {
	Checker Checker
	Logger  *zap.Logger
	// Gauge, when set, tracks the number of registered sessions.
	Gauge prometheus.Gauge
}

// Registry is a concurrency-safe map of session key to Handle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
	checker  Checker
	gauge    prometheus.Gauge
	logger   *zap.Logger
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[string]*Handle),
		checker:  cfg.Checker,
		gauge:    cfg.Gauge,
		logger:   cfg.Logger.Named("registry"),
	}
}

// Register stores or replaces the handle for key. A zero CreatedAt is
// set to now; re-registering an existing key keeps its original time.
func (r *Registry) Register(key string, h Handle) {
	h.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[key]; ok && h.CreatedAt.IsZero() {
		h.CreatedAt = prev.CreatedAt
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	r.sessions[key] = &h
	r.updateGaugeLocked()
}

// Lookup returns a copy of the handle for key.
func (r *Registry) Lookup(key string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.sessions[key]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Forget removes key. Forgetting an unknown key is a no-op.
func (r *Registry) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[key]; ok {
		delete(r.sessions, key)
		r.updateGaugeLocked()
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns the live sessions ordered by key, each with its container
// state. Entries whose container is gone are forgotten. Entries whose check
// fails are kept with an empty status.
func (r *Registry) List(ctx context.Context) []Handle {
	r.mu.RLock()
	snapshot := make([]Handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		snapshot = append(snapshot, *h)
	}
	r.mu.RUnlock()

	live := make([]Handle, 0, len(snapshot))
	for _, h := range snapshot {
		if r.checker != nil {
			state, _, err := r.checker.Status(ctx, h.Key)
			switch {
			case err != nil:
				r.logger.Warn("liveness check failed, keeping session",
					zap.String("key", h.Key), zap.Error(err))
			case state == lifecycle.StateMissing:
				r.forgetIfSame(h)
				r.logger.Info("forgot session with missing container",
					zap.String("key", h.Key), zap.String("container_id", h.ContainerID))
				continue
			default:
				h.Status = state
			}
		}
		live = append(live, h)
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Key < live[j].Key })
	return live
}

// forgetIfSame drops the entry only if it was not re-registered with a
// different container while the check ran.
func (r *Registry) forgetIfSame(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[h.Key]; ok && cur.ContainerID == h.ContainerID {
		delete(r.sessions, h.Key)
		r.updateGaugeLocked()
	}
}

func (r *Registry) updateGaugeLocked() {
	if r.gauge != nil {
		r.gauge.Set(float64(len(r.sessions)))
	}
}
