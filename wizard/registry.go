package wizard

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"quickcover/auth"
)

// ErrWizardNotFound is returned for unknown or evicted wizard ids.
var ErrWizardNotFound = errors.New("wizard: not found")

type entry struct {
	ctrl     *Controller
	owner    string
	lastSeen time.Time
}

// Registry keeps the live wizards of a server process keyed by id.
type Registry struct {
	deps  Dependencies
	ttl   time.Duration
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry returns a registry whose wizards share deps and are evicted
// after ttl without activity.
func NewRegistry(deps Dependencies, ttl time.Duration) *Registry {
	deps = deps.withDefaults()
	return &Registry{
		deps:    deps,
		ttl:     ttl,
		now:     deps.Clock,
		newID:   uuid.NewString,
		entries: make(map[string]*entry),
	}
}

// WithIDGenerator overrides how wizard ids are minted.
func (r *Registry) WithIDGenerator(gen func() string) *Registry {
	r.newID = gen
	return r
}

// Start creates a wizard for the caller. session may be nil.
func (r *Registry) Start(session *auth.Session) (string, *Controller) {
	ctrl := NewController(r.deps, session)
	owner := ""
	if session != nil {
		owner = session.User.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.newID()
	r.entries[id] = &entry{ctrl: ctrl, owner: owner, lastSeen: r.now()}
	return id, ctrl
}

// Get returns the wizard with the given id and marks it as active. A wizard
// belonging to an account holder is only visible to that account holder. An
// anonymous wizard becomes owned once its visitor signs up.
func (r *Registry) Get(id string, session *auth.Session) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, ErrWizardNotFound
	}
	if e.owner == "" {
		if adopted := e.ctrl.Session(); adopted != nil {
			e.owner = adopted.User.ID
		}
	}
	if e.owner != "" && (session == nil || session.User.ID != e.owner) {
		return nil, ErrWizardNotFound
	}
	e.lastSeen = r.now()
	return e.ctrl, nil
}

// Len is the number of live wizards.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep evicts idle wizards and reports how many were removed. Wizards with
// a transition in flight are kept.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if e.lastSeen.After(cutoff) || e.ctrl.Busy() {
			continue
		}
		delete(r.entries, id)
		removed++
	}
	return removed
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.deps.Logger.Debug("evicted idle wizards", zap.Int("count", n), zap.Int("live", r.Len()))
			}
		}
	}
}
