package timing

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var (
	ErrUnknownSession    = errors.New("timing: unknown session")
	ErrUnknownCompetitor = errors.New("timing: unknown competitor")
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaultRankingMode sets the ranking mode applied to sessions the
// registry creates. A session's mode never changes after creation.
func WithDefaultRankingMode(mode RankingMode) RegistryOption {
	return func(r *Registry) {
		if mode != 0 {
			r.defaultMode = mode
		}
	}
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger.With("component", "timing.registry")
		}
	}
}

// Registry maps session keys to their owned state. There is no ambient
// "current session": every operation takes an explicit session handle
// or key. Sessions are created on first reference and never deleted.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	defaultMode RankingMode
	logger      *slog.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions:    make(map[string]*Session),
		defaultMode: RankByTime,
		logger:      slog.Default().With("component", "timing.registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GetOrCreate returns the session for key, creating it with the given
// name/type and the registry's default ranking mode on first reference.
func (r *Registry) GetOrCreate(key, name string, typ SessionType) *Session {
	r.mu.RLock()
	s, ok := r.sessions[key]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s
	}
	s = newSession(key, name, typ, r.defaultMode)
	r.sessions[key] = s
	r.logger.Info("session created",
		"session", key, "type", string(typ), "mode", s.mode.String())
	return s
}

// Get returns the session for key.
func (r *Registry) Get(key string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil, ErrUnknownSession
	}
	return s, nil
}

// Keys returns all known session keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
