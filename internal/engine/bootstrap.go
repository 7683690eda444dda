package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/enfalab/flowsync/internal/registry"
	"github.com/enfalab/flowsync/internal/rule"
)

// HandleFeatures seeds a freshly connected switch. The session is
// registered, the default miss flow installed, and the store's rules
// for the datapath programmed in ascending rule-id order. A datapath
// with no rules gets a single bridge-normally fallback instead.
//
// The loaded sub-map is merged into the monitor cache before this
// returns, so the next pass does not re-install what bootstrap just
// programmed. The whole sequence holds the pass lock: a datapath never
// takes part in a monitor pass mid-bootstrap.
func (e *Engine) HandleFeatures(ctx context.Context, dpid rule.DatapathID, sess registry.Session) error {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	e.reg.Register(dpid, sess)
	e.log.Info("switch connected", "dpid", dpid)

	if err := e.prog.InstallMiss(ctx, dpid); err != nil {
		return fmt.Errorf("install miss flow: %w", err)
	}

	snap, err := e.store.Snapshot(ctx)
	if err != nil {
		// Without a snapshot the switch cannot be seeded. Clearing the
		// datapath from the cache makes the next successful pass
		// install everything instead of assuming it is present.
		e.mergeCache(dpid, nil)
		return fmt.Errorf("bootstrap snapshot: %w", err)
	}

	rules := snap.Rules(dpid)
	if len(rules) == 0 {
		e.log.Info("no rules for switch, bridging normally", "dpid", dpid)
		if err := e.prog.InstallFallback(ctx, dpid); err != nil {
			return fmt.Errorf("install fallback flow: %w", err)
		}
		e.mergeCache(dpid, nil)
		return nil
	}

	ids := make([]rule.RuleID, 0, len(rules))
	for id := range rules {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := e.prog.Install(ctx, dpid, id, rules[id]); err != nil {
			e.log.Error("bootstrap install failed", "dpid", dpid, "rule_id", id, "error", err)
		}
	}
	e.log.Info("switch seeded", "dpid", dpid, "rules", len(ids))

	e.mergeCache(dpid, rules)
	return nil
}

// HandleDisconnect forgets a switch. Desired state is untouched: the
// store still wants these rules, and the next connect reinstalls them.
func (e *Engine) HandleDisconnect(dpid rule.DatapathID) {
	e.reg.Unregister(dpid)
	e.log.Info("switch disconnected", "dpid", dpid)
}
