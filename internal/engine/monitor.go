package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/enfalab/flowsync/internal/diff"
	"github.com/enfalab/flowsync/internal/program"
	"github.com/enfalab/flowsync/internal/store"
)

// Run executes the monitor loop until ctx is cancelled. Each iteration
// waits the monitor interval, snapshots the store, diffs against the
// cache and dispatches the plan. The wait comes first so a freshly
// started controller gives bootstrap a quiet window.
//
// No error aborts the loop; failures surface as convergence delay, not
// divergence.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("monitor loop started", "interval", e.interval)
	timer := time.NewTimer(e.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("monitor loop stopped")
			return nil
		case <-timer.C:
		}
		e.Reconcile(ctx)
		timer.Reset(e.interval)
	}
}

// Reconcile performs one pass: snapshot, diff, program, cache swap.
// The cache is replaced wholesale at the end even when individual
// actions failed; it tracks intent, and the next pass retries any
// drift. On a snapshot failure the cache is left untouched so the next
// successful pass sees the full accumulated diff.
func (e *Engine) Reconcile(ctx context.Context) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	pass := uuid.New().String()
	next, err := e.store.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			e.log.Warn("store unavailable, skipping pass", "pass", pass, "error", err)
		} else {
			e.log.Error("snapshot failed, skipping pass", "pass", pass, "error", err)
		}
		return
	}

	plan := diff.Compute(e.cached(), next)
	if len(plan) > 0 {
		e.log.Info("reconcile plan computed", "pass", pass, "actions", len(plan))
	}
	for _, a := range plan {
		e.apply(ctx, pass, a)
		if ctx.Err() != nil {
			break
		}
	}

	e.replaceCache(next)
}

// apply dispatches one reconcile action. Per-action failures are
// logged and skipped; the pass carries on.
func (e *Engine) apply(ctx context.Context, pass string, a diff.Action) {
	var err error
	switch a.Op {
	case diff.OpInstall:
		err = e.prog.Install(ctx, a.Dpid, a.RuleID, a.Next)
	case diff.OpDelete:
		err = e.prog.Delete(ctx, a.Dpid, a.RuleID, a.Prev)
	case diff.OpModify:
		err = e.prog.Modify(ctx, a.Dpid, a.RuleID, a.Prev, a.Next)
	}
	switch {
	case err == nil:
		e.log.Info("applied", "pass", pass, "action", a.String())
	case errors.Is(err, program.ErrNotConnected):
		e.log.Debug("skipped, switch not connected", "pass", pass, "action", a.String())
	case errors.Is(err, program.ErrEncode):
		e.log.Warn("skipped, rule not encodable", "pass", pass, "action", a.String(), "error", err)
	default:
		e.log.Error("action failed", "pass", pass, "action", a.String(), "error", err)
	}
}
