// Package diff turns two desired-state snapshots into an ordered plan
// of switch mutations. The computation is pure: no I/O, no clocks, no
// registry access.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/enfalab/flowsync/internal/rule"
)

// Op discriminates the reconcile action variant.
type Op int

const (
	OpInstall Op = iota
	OpDelete
	OpModify
)

func (o Op) String() string {
	switch o {
	case OpInstall:
		return "install"
	case OpDelete:
		return "delete"
	case OpModify:
		return "modify"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Action is one switch mutation. Prev is set for deletes and modifies,
// Next for installs and modifies.
type Action struct {
	Op     Op
	Dpid   rule.DatapathID
	RuleID rule.RuleID
	Prev   rule.Rule
	Next   rule.Rule
}

func (a Action) String() string {
	switch a.Op {
	case OpInstall:
		return fmt.Sprintf("install dpid=%d rule=%d prio=%d", a.Dpid, a.RuleID, a.Next.Priority)
	case OpDelete:
		return fmt.Sprintf("delete dpid=%d rule=%d prio=%d", a.Dpid, a.RuleID, a.Prev.Priority)
	default:
		return fmt.Sprintf("modify dpid=%d rule=%d prio=%d->%d", a.Dpid, a.RuleID, a.Prev.Priority, a.Next.Priority)
	}
}

// Compute diffs two snapshots. Per datapath the plan lists deletes,
// then installs, then modifies: removing stale flows first narrows the
// window in which an old and a new version of a rule match the same
// traffic at different priorities. Within a kind, actions order by
// ascending rule id; datapaths order ascending. The same pair of
// snapshots always yields the identical plan.
//
// Datapaths present only in prev still produce deletes even if the
// switch is gone; the programmer skips them when no session exists.
func Compute(prev, next rule.DesiredState) []Action {
	var plan []Action
	for _, dpid := range unionDpids(prev, next) {
		prevRules := prev[dpid]
		nextRules := next[dpid]

		var deletes, installs, modifies []Action
		for _, id := range sortedIDs(prevRules) {
			if _, ok := nextRules[id]; !ok {
				deletes = append(deletes, Action{Op: OpDelete, Dpid: dpid, RuleID: id, Prev: prevRules[id]})
			}
		}
		for _, id := range sortedIDs(nextRules) {
			prevRule, ok := prevRules[id]
			nextRule := nextRules[id]
			switch {
			case !ok:
				installs = append(installs, Action{Op: OpInstall, Dpid: dpid, RuleID: id, Next: nextRule})
			case !prevRule.Equal(nextRule):
				modifies = append(modifies, Action{Op: OpModify, Dpid: dpid, RuleID: id, Prev: prevRule, Next: nextRule})
			}
		}

		plan = append(plan, deletes...)
		plan = append(plan, installs...)
		plan = append(plan, modifies...)
	}
	return plan
}

// Render prints a plan one action per line, for logs and golden tests.
func Render(plan []Action) string {
	if len(plan) == 0 {
		return "(no changes)\n"
	}
	var b strings.Builder
	for _, a := range plan {
		b.WriteString(a.String())
		b.WriteByte('\n')
	}
	return b.String()
}

func unionDpids(prev, next rule.DesiredState) []rule.DatapathID {
	seen := make(map[rule.DatapathID]struct{}, len(prev)+len(next))
	for dpid := range prev {
		seen[dpid] = struct{}{}
	}
	for dpid := range next {
		seen[dpid] = struct{}{}
	}
	dpids := make([]rule.DatapathID, 0, len(seen))
	for dpid := range seen {
		dpids = append(dpids, dpid)
	}
	sort.Slice(dpids, func(i, j int) bool { return dpids[i] < dpids[j] })
	return dpids
}

func sortedIDs(m map[rule.RuleID]rule.Rule) []rule.RuleID {
	ids := make([]rule.RuleID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
