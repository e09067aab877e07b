package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the process-wide directory of live supervisors, keyed by
// account ID. The raw map is never exposed; construction and registration
// happen inside one critical section so two concurrent callers for a
// never-seen account cannot end up with two supervisors.
type Registry struct {
	newSupervisor func(accountID string) *Supervisor
	log           zerolog.Logger

	mu          sync.Mutex
	supervisors map[string]*Supervisor
}

func NewRegistry(factory func(accountID string) *Supervisor, log zerolog.Logger) *Registry {
	return &Registry{
		newSupervisor: factory,
		log:           log.With().Str("component", "registry").Logger(),
		supervisors:   make(map[string]*Supervisor),
	}
}

// GetOrCreate returns the existing supervisor for the account, or constructs
// and registers one and initializes it before returning. The returned
// supervisor stays valid even if the registry evicts the entry afterwards;
// callers operate on the instance, not on registry membership.
func (r *Registry) GetOrCreate(ctx context.Context, accountID string) (*Supervisor, error) {
	r.mu.Lock()
	if sup, ok := r.supervisors[accountID]; ok {
		r.mu.Unlock()
		return sup, nil
	}
	sup := r.newSupervisor(accountID)
	r.supervisors[accountID] = sup
	r.mu.Unlock()
	r.log.Info().Str("account_id", accountID).Msg("supervisor created")

	if err := sup.Initialize(ctx); err != nil {
		if errors.Is(err, ErrInitializationExhausted) {
			r.Remove(accountID)
		}
		return nil, err
	}
	return sup, nil
}

// Get returns the supervisor currently registered for the account, if any.
// It never constructs one.
func (r *Registry) Get(accountID string) (*Supervisor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sup, ok := r.supervisors[accountID]
	return sup, ok
}

// Remove evicts the entry. An in-flight provider operation on the evicted
// supervisor finishes its own cleanup independently.
func (r *Registry) Remove(accountID string) {
	r.mu.Lock()
	_, ok := r.supervisors[accountID]
	delete(r.supervisors, accountID)
	r.mu.Unlock()
	if ok {
		r.log.Info().Str("account_id", accountID).Msg("supervisor removed")
	}
}

// ForEach calls fn for every registered supervisor, over a snapshot so fn
// may remove entries while iterating.
func (r *Registry) ForEach(fn func(accountID string, sup *Supervisor)) {
	r.mu.Lock()
	snapshot := make(map[string]*Supervisor, len(r.supervisors))
	for id, sup := range r.supervisors {
		snapshot[id] = sup
	}
	r.mu.Unlock()
	for id, sup := range snapshot {
		fn(id, sup)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.supervisors)
}
