// Package program translates reconcile actions into OpenFlow 1.3
// flow-mod messages and submits them over switch sessions.
//
// Programming is fire-and-forget: the OpenFlow channel carries no
// delivery acknowledgement. Deletes compensate by repeating the send;
// see Delete.
package program

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/netrack/openflow/ofp"
	"github.com/netrack/openflow/ofputil"

	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
)

// ErrNotConnected marks an action targeting a datapath with no live
// session. The action is skipped; the rule stays desired and is
// reinstalled at the next connect.
var ErrNotConnected = errors.New("switch not connected")

const (
	// A delete is sent once and then repeated this many times to
	// defend against loss on a congested channel. OpenFlow 1.3 has no
	// ack for flow removal; do not reduce this without adding
	// barrier-request confirmation instead.
	deleteResends = 3
	deleteGap     = 2 * time.Second
	// Gap between the delete and the re-add of a modified rule, so
	// the switch settles before the replacement lands.
	settleGap = 1 * time.Second
)

// AuditSink records rule life-cycle events. Implemented by the store
// gateway.
type AuditSink interface {
	AppendAudit(ctx context.Context, e rule.AuditEvent) error
}

// Sleeper waits between repeated sends. The default implementation
// honors context cancellation; tests substitute an instant fake.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Programmer owns the switch-facing half of reconciliation: message
// construction, session lookup, installed-map upkeep and audit
// emission.
type Programmer struct {
	reg   *registry.Registry
	audit AuditSink
	sleep Sleeper
	log   *slog.Logger
}

// Option configures a Programmer.
type Option func(*Programmer)

// WithSleeper replaces the inter-send sleeper, for tests.
func WithSleeper(s Sleeper) Option {
	return func(p *Programmer) { p.sleep = s }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Programmer) { p.log = l }
}

// New creates a Programmer over the given registry and audit sink.
func New(reg *registry.Registry, audit AuditSink, opts ...Option) *Programmer {
	p := &Programmer{
		reg:   reg,
		audit: audit,
		sleep: timerSleeper{},
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Install programs a new rule: FLOW_MOD ADD with cookie = rule id and
// one APPLY_ACTIONS instruction. On success the installed map is
// updated and an INSTALADA audit row is emitted.
func (p *Programmer) Install(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, r rule.Rule) error {
	sess := p.reg.Session(dpid)
	if sess == nil {
		return fmt.Errorf("%w: dpid %d", ErrNotConnected, dpid)
	}
	req, err := addRequest(uint64(id), r.Priority, r.Match, r.Actions)
	if err != nil {
		return err
	}
	if err := sess.Send(req); err != nil {
		return fmt.Errorf("send flow add: %w", err)
	}
	p.reg.SetInstalled(dpid, id, r.Installed())
	p.appendAudit(ctx, rule.EncodeAudit(r, rule.AuditInstalled))
	return nil
}

// Delete removes a rule from the switch: FLOW_MOD DELETE by the
// previously programmed priority and match, repeated deleteResends
// extra times with deleteGap between sends. A shutdown lets the
// in-flight send finish but cancels the remaining repeats. After the
// final send the installed entry is dropped and an ELIMINADA audit row
// is emitted.
func (p *Programmer) Delete(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, prev rule.Rule) error {
	sess := p.reg.Session(dpid)
	if sess == nil {
		return fmt.Errorf("%w: dpid %d", ErrNotConnected, dpid)
	}
	if err := p.sendDelete(ctx, sess, prev.Priority, prev.Match); err != nil {
		return err
	}
	p.reg.DropInstalled(dpid, id)
	p.appendAudit(ctx, rule.EncodeAudit(prev, rule.AuditDeleted))
	return nil
}

// Modify replaces a rule whose priority, match or actions changed. An
// ADD with the same priority and match would overwrite in place, but a
// changed match leaves the old entry behind, so the previous flow is
// deleted first, the switch given a moment to settle, and the new
// payload installed. One MODIFICADA audit row covers the whole
// replacement.
func (p *Programmer) Modify(ctx context.Context, dpid rule.DatapathID, id rule.RuleID, prev, next rule.Rule) error {
	sess := p.reg.Session(dpid)
	if sess == nil {
		return fmt.Errorf("%w: dpid %d", ErrNotConnected, dpid)
	}
	if err := p.sendDelete(ctx, sess, prev.Priority, prev.Match); err != nil {
		return err
	}
	p.sleep.Sleep(ctx, settleGap)

	req, err := addRequest(uint64(id), next.Priority, next.Match, next.Actions)
	if err != nil {
		return err
	}
	if err := sess.Send(req); err != nil {
		return fmt.Errorf("send flow add: %w", err)
	}
	p.reg.SetInstalled(dpid, id, next.Installed())
	p.appendAudit(ctx, rule.EncodeAudit(next, rule.AuditModified))
	return nil
}

// InstallMiss programs the default table-miss flow: priority 0, empty
// match, output to the controller without buffering, cookie 0. Not an
// operator rule, so no audit row and no installed-map entry.
func (p *Programmer) InstallMiss(ctx context.Context, dpid rule.DatapathID) error {
	actions := []ofp.Action{
		&ofp.ActionOutput{Port: ofp.PortController, MaxLen: ofp.ContentLenNoBuffer},
	}
	return p.installDefault(dpid, 0, actions)
}

// InstallFallback programs the bridge-normally flow used when a switch
// connects and the store has no rules for it: priority 1, empty match,
// OUTPUT(NORMAL), cookie 0.
func (p *Programmer) InstallFallback(ctx context.Context, dpid rule.DatapathID) error {
	actions := []ofp.Action{&ofp.ActionOutput{Port: ofp.PortNormal}}
	return p.installDefault(dpid, 1, actions)
}

func (p *Programmer) installDefault(dpid rule.DatapathID, priority uint16, actions []ofp.Action) error {
	sess := p.reg.Session(dpid)
	if sess == nil {
		return fmt.Errorf("%w: dpid %d", ErrNotConnected, dpid)
	}
	fmod := &ofp.FlowMod{
		Cookie:       uint64(rule.CookieNone),
		Command:      ofp.FlowAdd,
		Priority:     priority,
		Buffer:       ofp.NoBuffer,
		Match:        ofputil.ExtendedMatch(),
		Instructions: ofputil.ActionsApply(actions...),
	}
	req, err := flowModRequest(fmod)
	if err != nil {
		return err
	}
	if err := sess.Send(req); err != nil {
		return fmt.Errorf("send default flow: %w", err)
	}
	return nil
}

// sendDelete performs the repeated delete send. The first send must
// succeed; repeat failures are logged and the remaining repeats carry
// on, since any one arrival suffices.
func (p *Programmer) sendDelete(ctx context.Context, sess registry.Session, priority uint16, m rule.MatchSpec) error {
	send := func() error {
		req, err := deleteRequest(priority, m)
		if err != nil {
			return err
		}
		return sess.Send(req)
	}
	if err := send(); err != nil {
		if errors.Is(err, ErrEncode) {
			return err
		}
		return fmt.Errorf("send flow delete: %w", err)
	}
	for i := 0; i < deleteResends; i++ {
		p.sleep.Sleep(ctx, deleteGap)
		if ctx.Err() != nil {
			p.log.Debug("delete resend cancelled by shutdown", "remaining", deleteResends-i)
			break
		}
		if err := send(); err != nil {
			p.log.Warn("delete resend failed", "attempt", i+2, "error", err)
		}
	}
	return nil
}

func (p *Programmer) appendAudit(ctx context.Context, e rule.AuditEvent) {
	if err := p.audit.AppendAudit(ctx, e); err != nil {
		p.log.Error("audit write failed", "dpid", e.Dpid, "rule_id", e.RuleID, "kind", e.Kind, "error", err)
	}
}
