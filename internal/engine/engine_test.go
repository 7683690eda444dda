package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/enfalab/flowsync/internal/program"
	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
	"github.com/enfalab/flowsync/internal/testutil"
)

// fakeStore serves canned snapshots and can be flipped into a failing
// state to simulate the database going away.
type fakeStore struct {
	mu    sync.Mutex
	state rule.DesiredState
	err   error
	reads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: make(rule.DesiredState)}
}

func (f *fakeStore) Snapshot(ctx context.Context) (rule.DesiredState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	// Hand out a copy: the engine owns what it caches.
	out := make(rule.DesiredState, len(f.state))
	for dpid, rules := range f.state {
		m := make(map[rule.RuleID]rule.Rule, len(rules))
		for id, r := range rules {
			m[id] = r
		}
		out[dpid] = m
	}
	return out, nil
}

func (f *fakeStore) set(rules ...rule.Rule) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = make(rule.DesiredState)
	for _, r := range rules {
		f.state.Add(r)
	}
	f.err = nil
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// auditRecorder implements program.AuditSink.
type auditRecorder struct {
	mu     sync.Mutex
	events []rule.AuditEvent
}

func (a *auditRecorder) AppendAudit(ctx context.Context, e rule.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *auditRecorder) Events() []rule.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]rule.AuditEvent, len(a.events))
	copy(out, a.events)
	return out
}

type fixture struct {
	store *fakeStore
	reg   *registry.Registry
	sess  *testutil.Session
	audit *auditRecorder
	eng   *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: newFakeStore(),
		reg:   registry.New(),
		sess:  testutil.NewSession(),
		audit: &auditRecorder{},
	}
	prog := program.New(f.reg, f.audit, program.WithSleeper(testutil.NewSleeper()))
	f.eng = New(f.store, prog, f.reg)
	return f
}

func (f *fixture) connect(t *testing.T, dpid rule.DatapathID) {
	t.Helper()
	if err := f.eng.HandleFeatures(context.Background(), dpid, f.sess); err != nil {
		t.Fatalf("bootstrap dpid %d: %v", dpid, err)
	}
}

func storeRule(dpid rule.DatapathID, id rule.RuleID, priority uint16) rule.Rule {
	return rule.Rule{
		ID: id, Dpid: dpid, Priority: priority,
		Match:      rule.MatchSpec{EthType: 0x0800, IPv4Src: "10.0.0.1"},
		Actions:    []rule.Action{{Type: rule.ActionOutput, Port: 2}},
		RawActions: `[{"type":"OUTPUT","port":2}]`,
	}
}

var _ Store = (*fakeStore)(nil)
