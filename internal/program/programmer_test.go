package program

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/netrack/openflow/ofp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
	"github.com/enfalab/flowsync/internal/testutil"
)

// auditRecorder collects audit events in memory.
type auditRecorder struct {
	mu     sync.Mutex
	events []rule.AuditEvent
	err    error
}

func (a *auditRecorder) AppendAudit(ctx context.Context, e rule.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
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
	reg     *registry.Registry
	sess    *testutil.Session
	sleeper *testutil.Sleeper
	audit   *auditRecorder
	prog    *Programmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(),
		sess:    testutil.NewSession(),
		sleeper: testutil.NewSleeper(),
		audit:   &auditRecorder{},
	}
	f.prog = New(f.reg, f.audit, WithSleeper(f.sleeper))
	f.reg.Register(1, f.sess)
	return f
}

func testRule() rule.Rule {
	return rule.Rule{
		ID: 5, Dpid: 1, Priority: 10,
		Match:      rule.MatchSpec{EthType: 0x0800, IPv4Src: "10.0.0.1"},
		Actions:    []rule.Action{{Type: rule.ActionOutput, Port: 2}},
		RawActions: `[{"type":"OUTPUT","port":2}]`,
	}
}

func TestInstall(t *testing.T) {
	f := newFixture(t)
	r := testRule()

	require.NoError(t, f.prog.Install(context.Background(), 1, 5, r))

	mods := f.sess.FlowMods()
	require.Len(t, mods, 1)
	fm := mods[0]
	assert.Equal(t, ofp.FlowAdd, fm.Command)
	assert.Equal(t, uint64(5), fm.Cookie)
	assert.Equal(t, uint16(10), fm.Priority)
	assert.Equal(t, ofp.NoBuffer, fm.Buffer)
	require.NotNil(t, fm.Match.Field(ofp.XMTypeEthType))
	require.NotNil(t, fm.Match.Field(ofp.XMTypeIPv4Src))

	installed, ok := f.reg.Installed(1, 5)
	assert.True(t, ok)
	assert.True(t, installed.Matches(r))

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, rule.AuditInstalled, events[0].Kind)
	assert.Equal(t, r.RawActions, events[0].Actions)
}

func TestInstall_NotConnected(t *testing.T) {
	f := newFixture(t)

	err := f.prog.Install(context.Background(), 9, 5, testRule())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.sess.Sent())
	assert.Empty(t, f.audit.Events())
}

func TestInstall_EncodeError(t *testing.T) {
	f := newFixture(t)
	r := testRule()
	r.Match.IPv4Src = "not-an-address"

	err := f.prog.Install(context.Background(), 1, 5, r)
	assert.ErrorIs(t, err, ErrEncode)
	assert.Empty(t, f.sess.Sent())
	assert.Empty(t, f.audit.Events())
	_, ok := f.reg.Installed(1, 5)
	assert.False(t, ok)
}

func TestInstall_SendFailure(t *testing.T) {
	f := newFixture(t)
	f.sess.FailWith(errors.New("conn reset"))

	err := f.prog.Install(context.Background(), 1, 5, testRule())
	require.Error(t, err)
	assert.Empty(t, f.audit.Events())
	_, ok := f.reg.Installed(1, 5)
	assert.False(t, ok)
}

// The delete goes out four times with two-second gaps: the channel has
// no ack, repetition is the durability story.
func TestDelete_RepeatsSend(t *testing.T) {
	f := newFixture(t)
	r := testRule()
	f.reg.SetInstalled(1, 5, r.Installed())

	require.NoError(t, f.prog.Delete(context.Background(), 1, 5, r))

	mods := f.sess.FlowMods()
	require.Len(t, mods, 4)
	for _, fm := range mods {
		assert.Equal(t, ofp.FlowDelete, fm.Command)
		assert.Equal(t, uint16(10), fm.Priority)
		assert.Equal(t, ofp.PortAny, fm.OutPort)
		assert.Equal(t, ofp.GroupAny, fm.OutGroup)
	}
	assert.Equal(t, []time.Duration{
		2 * time.Second, 2 * time.Second, 2 * time.Second,
	}, f.sleeper.Waits())

	_, ok := f.reg.Installed(1, 5)
	assert.False(t, ok)

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, rule.AuditDeleted, events[0].Kind)
}

func TestDelete_ShutdownCancelsResends(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.prog.Delete(ctx, 1, 5, testRule()))

	// The in-flight send finishes; the confirmations do not.
	assert.Len(t, f.sess.FlowMods(), 1)
}

func TestDelete_NotConnected(t *testing.T) {
	f := newFixture(t)

	err := f.prog.Delete(context.Background(), 9, 5, testRule())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Empty(t, f.audit.Events())
}

// Modify is delete-settle-add with a single MODIFICADA audit row.
func TestModify(t *testing.T) {
	f := newFixture(t)
	prev := testRule()
	next := testRule()
	next.Priority = 20
	f.reg.SetInstalled(1, 5, prev.Installed())

	require.NoError(t, f.prog.Modify(context.Background(), 1, 5, prev, next))

	mods := f.sess.FlowMods()
	require.Len(t, mods, 5)
	for _, fm := range mods[:4] {
		assert.Equal(t, ofp.FlowDelete, fm.Command)
		assert.Equal(t, uint16(10), fm.Priority, "delete selects the old priority")
	}
	add := mods[4]
	assert.Equal(t, ofp.FlowAdd, add.Command)
	assert.Equal(t, uint16(20), add.Priority)
	assert.Equal(t, uint64(5), add.Cookie)

	assert.Equal(t, []time.Duration{
		2 * time.Second, 2 * time.Second, 2 * time.Second, 1 * time.Second,
	}, f.sleeper.Waits())

	installed, ok := f.reg.Installed(1, 5)
	require.True(t, ok)
	assert.True(t, installed.Matches(next))

	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, rule.AuditModified, events[0].Kind)
	assert.Equal(t, uint16(20), events[0].Priority)
}

func TestInstallMiss(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.prog.InstallMiss(context.Background(), 1))

	mods := f.sess.FlowMods()
	require.Len(t, mods, 1)
	fm := mods[0]
	assert.Equal(t, ofp.FlowAdd, fm.Command)
	assert.Equal(t, uint64(0), fm.Cookie)
	assert.Zero(t, fm.Priority)
	assert.Empty(t, fm.Match.Fields)

	require.Len(t, fm.Instructions, 1)
	apply, ok := fm.Instructions[0].(*ofp.InstructionApplyActions)
	require.True(t, ok)
	require.Len(t, apply.Actions, 1)
	out, ok := apply.Actions[0].(*ofp.ActionOutput)
	require.True(t, ok)
	assert.Equal(t, ofp.PortController, out.Port)
	assert.Equal(t, ofp.ContentLenNoBuffer, out.MaxLen)

	assert.Empty(t, f.audit.Events(), "default flows are not audited")
	assert.Empty(t, f.reg.InstalledFlows(1))
}

func TestInstallFallback(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.prog.InstallFallback(context.Background(), 1))

	mods := f.sess.FlowMods()
	require.Len(t, mods, 1)
	fm := mods[0]
	assert.Equal(t, uint16(1), fm.Priority)
	assert.Equal(t, uint64(0), fm.Cookie)
	assert.Empty(t, fm.Match.Fields)

	apply := fm.Instructions[0].(*ofp.InstructionApplyActions)
	out := apply.Actions[0].(*ofp.ActionOutput)
	assert.Equal(t, ofp.PortNormal, out.Port)

	assert.Empty(t, f.audit.Events())
}

// A drop rule programs an empty APPLY_ACTIONS instruction.
func TestInstall_DropRule(t *testing.T) {
	f := newFixture(t)
	r := testRule()
	r.Actions = []rule.Action{{Type: rule.ActionDrop}}

	require.NoError(t, f.prog.Install(context.Background(), 1, 5, r))

	fm := f.sess.FlowMods()[0]
	require.Len(t, fm.Instructions, 1)
	apply, ok := fm.Instructions[0].(*ofp.InstructionApplyActions)
	require.True(t, ok)
	assert.Empty(t, apply.Actions)
}

// Audit failures never fail the programming step.
func TestAuditFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("disk full")

	require.NoError(t, f.prog.Install(context.Background(), 1, 5, testRule()))
	_, ok := f.reg.Installed(1, 5)
	assert.True(t, ok)
}
