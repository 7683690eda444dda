// Package registry tracks connected switches and the flows the
// controller believes it has installed on each of them.
package registry

import (
	"sync"

	of "github.com/netrack/openflow"

	"github.com/enfalab/flowsync/internal/rule"
)

// Session is the transport handle for one connected switch. Send is a
// best-effort enqueue onto the OpenFlow channel; there is no delivery
// acknowledgement.
type Session interface {
	Send(req *of.Request) error
}

// Registry is the in-memory map of connected datapaths and their
// installed flows. One mutex guards both maps; it is never held across
// a blocking operation.
type Registry struct {
	mu        sync.Mutex
	sessions  map[rule.DatapathID]Session
	installed map[rule.DatapathID]map[rule.RuleID]rule.InstalledFlow
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		sessions:  make(map[rule.DatapathID]Session),
		installed: make(map[rule.DatapathID]map[rule.RuleID]rule.InstalledFlow),
	}
}

// Register records a freshly connected switch. Any previous session for
// the datapath is replaced and its installed map reset; the bootstrap
// that follows reprograms the switch from scratch.
func (r *Registry) Register(dpid rule.DatapathID, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[dpid] = s
	r.installed[dpid] = make(map[rule.RuleID]rule.InstalledFlow)
}

// Unregister forgets a disconnected switch, including its installed
// flows. Whatever remains programmed on the switch is reconciled anew
// at the next connect.
func (r *Registry) Unregister(dpid rule.DatapathID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, dpid)
	delete(r.installed, dpid)
}

// Session returns the transport handle for a datapath, or nil when the
// switch is not connected.
func (r *Registry) Session(dpid rule.DatapathID) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[dpid]
}

// Connected reports whether a session exists for the datapath.
func (r *Registry) Connected(dpid rule.DatapathID) bool {
	return r.Session(dpid) != nil
}

// Installed returns the flow last programmed for (dpid, id).
func (r *Registry) Installed(dpid rule.DatapathID, id rule.RuleID) (rule.InstalledFlow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.installed[dpid][id]
	return f, ok
}

// SetInstalled records a successfully programmed flow.
func (r *Registry) SetInstalled(dpid rule.DatapathID, id rule.RuleID, f rule.InstalledFlow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.installed[dpid]
	if !ok {
		m = make(map[rule.RuleID]rule.InstalledFlow)
		r.installed[dpid] = m
	}
	m[id] = f
}

// DropInstalled forgets a programmed flow after its deletion.
func (r *Registry) DropInstalled(dpid rule.DatapathID, id rule.RuleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.installed[dpid], id)
}

// InstalledFlows returns a copy of the installed map for a datapath.
func (r *Registry) InstalledFlows(dpid rule.DatapathID) map[rule.RuleID]rule.InstalledFlow {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[rule.RuleID]rule.InstalledFlow, len(r.installed[dpid]))
	for id, f := range r.installed[dpid] {
		out[id] = f
	}
	return out
}
