// Package engine drives reconciliation: the periodic monitor loop that
// converges connected switches toward the store's rule table, and the
// bootstrap that seeds a switch when it connects.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
)

// DefaultMonitorInterval is the wait between reconcile passes.
const DefaultMonitorInterval = 10 * time.Second

// Store reads desired state. Implemented by the store gateway.
type Store interface {
	Snapshot(ctx context.Context) (rule.DesiredState, error)
}

// Programmer applies switch mutations. Implemented by the flow
// programmer.
type Programmer interface {
	Install(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, r rule.Rule) error
	Delete(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, prev rule.Rule) error
	Modify(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, prev, next rule.Rule) error
	InstallMiss(ctx context.Context, dpid rule.DatapathID) error
	InstallFallback(ctx context.Context, dpid rule.DatapathID) error
}

// Engine owns the desired-state cache and coordinates the two
// concurrent activities that touch it: the monitor loop and session
// bootstrap.
//
// Locking: passMu serializes whole passes, so a bootstrap for a
// datapath completes before that datapath takes part in a monitor
// pass. cacheMu guards the cache map itself and is never held across
// a blocking call.
type Engine struct {
	store    Store
	prog     Programmer
	reg      *registry.Registry
	interval time.Duration
	log      *slog.Logger

	passMu  sync.Mutex
	cacheMu sync.Mutex
	cache   rule.DesiredState
}

// Option configures an Engine.
type Option func(*Engine)

// WithInterval overrides the monitor interval.
func WithInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// New creates an Engine over the given collaborators.
func New(store Store, prog Programmer, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		prog:     prog,
		reg:      reg,
		interval: DefaultMonitorInterval,
		log:      slog.Default(),
		cache:    make(rule.DesiredState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// cached returns the current cache reference. Passes treat snapshots
// as immutable, so sharing the reference is safe.
func (e *Engine) cached() rule.DesiredState {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache
}

// replaceCache swaps the whole cache for a fresh snapshot.
func (e *Engine) replaceCache(next rule.DesiredState) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cache = next
}

// mergeCache overwrites one datapath's sub-map, as bootstrap step 6
// requires, leaving all other datapaths untouched.
func (e *Engine) mergeCache(dpid rule.DatapathID, rules map[rule.RuleID]rule.Rule) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	merged := make(rule.DesiredState, len(e.cache)+1)
	for d, m := range e.cache {
		merged[d] = m
	}
	if rules == nil {
		delete(merged, dpid)
	} else {
		merged[dpid] = rules
	}
	e.cache = merged
}
