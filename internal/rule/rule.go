package rule

import (
	"fmt"
	"strings"
)

// DatapathID identifies an OpenFlow switch (the 64-bit datapath id from
// the features reply).
type DatapathID uint64

// RuleID identifies a rule across the whole store. IDs are positive and
// globally unique, not per-datapath. The id doubles as the flow cookie
// on the wire, so it must fit the positive int63 range.
type RuleID int64

// The default miss flow and the fallback NORMAL flow both carry cookie
// zero and are never part of the desired state.
const CookieNone RuleID = 0

// MatchSpec is a sparse set of OpenFlow 1.3 match fields. A zero field
// (nil for IPProto, empty string for addresses) is absent and means
// wildcard. EthType is mandatory in the store whenever any L3/L4 field
// is present, which the schema enforces.
type MatchSpec struct {
	EthType uint16
	IPProto *uint8
	IPv4Src string
	IPv4Dst string
	TCPSrc  uint16
	TCPDst  uint16
	InPort  uint32
}

// Empty reports whether no field is constrained.
func (m MatchSpec) Empty() bool {
	return m.EthType == 0 && m.IPProto == nil && m.IPv4Src == "" &&
		m.IPv4Dst == "" && m.TCPSrc == 0 && m.TCPDst == 0 && m.InPort == 0
}

// Equal compares two match specs field-wise. IPProto compares by value,
// not by pointer identity.
func (m MatchSpec) Equal(o MatchSpec) bool {
	if m.EthType != o.EthType || m.IPv4Src != o.IPv4Src || m.IPv4Dst != o.IPv4Dst {
		return false
	}
	if m.TCPSrc != o.TCPSrc || m.TCPDst != o.TCPDst || m.InPort != o.InPort {
		return false
	}
	if (m.IPProto == nil) != (o.IPProto == nil) {
		return false
	}
	return m.IPProto == nil || *m.IPProto == *o.IPProto
}

// ActionType discriminates the Action variant.
type ActionType string

const (
	// ActionOutput forwards packets to a specific switch port.
	ActionOutput ActionType = "OUTPUT"
	// ActionDrop discards packets. On the wire a drop is an empty
	// action list, never an explicit action.
	ActionDrop ActionType = "DROP"
	// ActionNormal hands packets to the switch's legacy pipeline.
	ActionNormal ActionType = "NORMAL"
)

// Action is one element of a rule's action list. Port is meaningful
// only for ActionOutput.
type Action struct {
	Type ActionType
	Port uint32
}

func (a Action) String() string {
	if a.Type == ActionOutput {
		return fmt.Sprintf("OUTPUT(%d)", a.Port)
	}
	return string(a.Type)
}

// ActionsEqual compares action lists position-wise. Order matters: it
// is preserved on the wire.
func ActionsEqual(a, b []Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Rule is one desired flow entry for a datapath.
type Rule struct {
	ID       RuleID
	Dpid     DatapathID
	Priority uint16
	Match    MatchSpec
	Actions  []Action

	// RawActions holds the actions column exactly as stored, so audit
	// rows reproduce what the operator wrote.
	RawActions string
}

// Semantic equality: priority, match and actions. The raw action text
// is presentation only and does not participate.
func (r Rule) Equal(o Rule) bool {
	return r.Priority == o.Priority && r.Match.Equal(o.Match) &&
		ActionsEqual(r.Actions, o.Actions)
}

// Installed projects the rule onto the payload actually programmed on
// the switch.
func (r Rule) Installed() InstalledFlow {
	return InstalledFlow{Priority: r.Priority, Match: r.Match, Actions: r.Actions}
}

// InstalledFlow is the last payload programmed for a (dpid, rule id)
// pair. It lives only in controller memory.
type InstalledFlow struct {
	Priority uint16
	Match    MatchSpec
	Actions  []Action
}

// Matches reports whether the installed payload agrees with a desired
// rule.
func (f InstalledFlow) Matches(r Rule) bool {
	return f.Priority == r.Priority && f.Match.Equal(r.Match) &&
		ActionsEqual(f.Actions, r.Actions)
}

// DesiredState maps datapaths to their desired rules. Built fresh from
// every store snapshot; never mutated in place by consumers.
type DesiredState map[DatapathID]map[RuleID]Rule

// Rules returns the sub-map for a datapath, possibly nil.
func (s DesiredState) Rules(dpid DatapathID) map[RuleID]Rule {
	return s[dpid]
}

// Add inserts a rule under its datapath.
func (s DesiredState) Add(r Rule) {
	m, ok := s[r.Dpid]
	if !ok {
		m = make(map[RuleID]Rule)
		s[r.Dpid] = m
	}
	m[r.ID] = r
}

// AuditKind names a rule life-cycle event. The literals are the legacy
// Spanish names kept for log-consumer compatibility.
type AuditKind string

const (
	AuditInstalled AuditKind = "INSTALADA"
	AuditModified  AuditKind = "MODIFICADA"
	AuditDeleted   AuditKind = "ELIMINADA"
)

// Valid reports whether k is one of the three known kinds.
func (k AuditKind) Valid() bool {
	switch k {
	case AuditInstalled, AuditModified, AuditDeleted:
		return true
	}
	return false
}

// AuditEvent is one append-only log row describing a programming step.
type AuditEvent struct {
	Dpid     DatapathID
	RuleID   RuleID
	Kind     AuditKind
	Priority uint16
	Match    MatchSpec
	// Actions is the JSON action list exactly as it came out of the
	// store, for forensic fidelity.
	Actions string
}

// EncodeAudit builds the audit event for a rule and kind. The action
// list is carried verbatim from the stored column.
func EncodeAudit(r Rule, kind AuditKind) AuditEvent {
	return AuditEvent{
		Dpid:     r.Dpid,
		RuleID:   r.ID,
		Kind:     kind,
		Priority: r.Priority,
		Match:    r.Match,
		Actions:  r.RawActions,
	}
}

func (e AuditEvent) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s dpid=%d rule=%d prio=%d", e.Kind, e.Dpid, e.RuleID, e.Priority)
	if e.Actions != "" {
		fmt.Fprintf(&b, " actions=%s", e.Actions)
	}
	return b.String()
}
