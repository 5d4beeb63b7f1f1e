package circuit

import (
	"sort"
	"sync"
)

// Source resolves the breaker that guards a scope (tenant, endpoint, model).
type Source interface {
	For(scope string) *Breaker
	Snapshots() []Snapshot
	// ResetAll closes every breaker the source has handed out.
	ResetAll()
}

type shared struct {
	b *Breaker
}

// Shared returns a Source that hands out b for every scope.
func Shared(b *Breaker) Source {
	return shared{b: b}
}

func (s shared) For(string) *Breaker { return s.b }

func (s shared) Snapshots() []Snapshot { return []Snapshot{s.b.Snapshot()} }

func (s shared) ResetAll() { s.b.Reset() }

// Registry lazily creates one breaker per scope, all with the same config and options.
type Registry struct {
	config   Config
	opts     []Option
	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(config Config, opts ...Option) *Registry {
	return &Registry{
		config:   config,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for scope, creating it on first use.
func (r *Registry) For(scope string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[scope]; ok {
		return b
	}
	opts := make([]Option, 0, len(r.opts)+1)
	opts = append(opts, r.opts...)
	opts = append(opts, WithScope(scope))
	b := New(r.config, opts...)
	r.breakers[scope] = b
	return b
}

// Snapshots returns a snapshot of every breaker, ordered by scope.
func (r *Registry) Snapshots() []Snapshot {
	breakers := r.all()
	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// ResetAll resets every breaker in the registry. State-change hooks run outside the registry lock.
func (r *Registry) ResetAll() {
	for _, b := range r.all() {
		b.Reset()
	}
}

func (r *Registry) all() []*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	return breakers
}
