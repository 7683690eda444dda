package rule

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrDecode marks a store row that cannot be turned into a Rule. The
// snapshot drops such rows and continues; nothing downstream ever sees
// them.
var ErrDecode = errors.New("undecodable rule row")

// Row is a raw record from the reglas table. Nullable columns come in
// as nil pointers; the store gateway fills this from its scan and hands
// it here without interpretation.
type Row struct {
	RuleID   int64
	Dpid     uint64
	Priority int64
	EthType  int64
	IPProto  *int64
	IPv4Src  string
	IPv4Dst  string
	TCPSrc   *int64
	TCPDst   *int64
	InPort   *int64
	Actions  string
}

// DecodeRow validates a raw row and produces a Rule. Null match columns
// are stripped (absent means wildcard). The actions column is parsed as
// a JSON array of tagged objects; unknown action types are dropped
// silently, which can legitimately yield an empty list (a drop rule).
//
// The rule id becomes the 64-bit flow cookie, so ids outside the
// positive int63 range are rejected here rather than overflowing on the
// wire.
func DecodeRow(row Row) (Rule, error) {
	if row.RuleID <= 0 {
		return Rule{}, fmt.Errorf("%w: rule_id %d out of range", ErrDecode, row.RuleID)
	}
	if row.Priority <= 0 || row.Priority > math.MaxUint16 {
		return Rule{}, fmt.Errorf("%w: rule %d: priority %d out of range", ErrDecode, row.RuleID, row.Priority)
	}
	if row.EthType <= 0 || row.EthType > math.MaxUint16 {
		return Rule{}, fmt.Errorf("%w: rule %d: eth_type %#x out of range", ErrDecode, row.RuleID, row.EthType)
	}

	m := MatchSpec{
		EthType: uint16(row.EthType),
		IPv4Src: row.IPv4Src,
		IPv4Dst: row.IPv4Dst,
	}
	if row.IPProto != nil {
		if *row.IPProto < 0 || *row.IPProto > math.MaxUint8 {
			return Rule{}, fmt.Errorf("%w: rule %d: ip_proto %d out of range", ErrDecode, row.RuleID, *row.IPProto)
		}
		p := uint8(*row.IPProto)
		m.IPProto = &p
	}
	var err error
	if m.TCPSrc, err = portField("tcp_src", row.TCPSrc); err != nil {
		return Rule{}, fmt.Errorf("%w: rule %d: %v", ErrDecode, row.RuleID, err)
	}
	if m.TCPDst, err = portField("tcp_dst", row.TCPDst); err != nil {
		return Rule{}, fmt.Errorf("%w: rule %d: %v", ErrDecode, row.RuleID, err)
	}
	if row.InPort != nil {
		if *row.InPort <= 0 || *row.InPort > math.MaxUint32 {
			return Rule{}, fmt.Errorf("%w: rule %d: in_port %d out of range", ErrDecode, row.RuleID, *row.InPort)
		}
		m.InPort = uint32(*row.InPort)
	}

	actions, err := DecodeActions(row.Actions)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: rule %d: %v", ErrDecode, row.RuleID, err)
	}

	return Rule{
		ID:         RuleID(row.RuleID),
		Dpid:       DatapathID(row.Dpid),
		Priority:   uint16(row.Priority),
		Match:      m,
		Actions:    actions,
		RawActions: row.Actions,
	}, nil
}

func portField(name string, v *int64) (uint16, error) {
	if v == nil {
		return 0, nil
	}
	if *v <= 0 || *v > math.MaxUint16 {
		return 0, fmt.Errorf("%s %d out of range", name, *v)
	}
	return uint16(*v), nil
}

// actionRow mirrors one element of the stored JSON action list.
type actionRow struct {
	Type string `json:"type"`
	Port uint32 `json:"port,omitempty"`
}

// DecodeActions parses the actions column. The column holds a JSON
// array of {"type": ..., ...} objects; type names compare
// case-insensitively. Three shapes are tolerated without error:
//
//   - unparseable text decodes to an empty list,
//   - unknown type names are dropped,
//   - OUTPUT entries without a usable port are dropped.
//
// Only a well-formed JSON value that is not an array (and not a string
// or null) is an error: the row is garbage, not merely sloppy.
func DecodeActions(text string) ([]Action, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == "null" {
		return []Action{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		// A bare JSON string carries no action objects.
		return []Action{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			// Valid JSON of the wrong shape, e.g. an object or a
			// number where the array belongs.
			return nil, fmt.Errorf("actions column is not a JSON array: %v", err)
		}
		// Malformed JSON decodes to an empty action list, matching
		// the store's tolerance for hand-edited rows.
		return []Action{}, nil
	}

	actions := make([]Action, 0, len(raw))
	for _, el := range raw {
		var ar actionRow
		if err := json.Unmarshal(el, &ar); err != nil {
			continue
		}
		switch strings.ToUpper(ar.Type) {
		case string(ActionOutput):
			if ar.Port == 0 {
				continue
			}
			actions = append(actions, Action{Type: ActionOutput, Port: ar.Port})
		case string(ActionDrop):
			actions = append(actions, Action{Type: ActionDrop})
		case string(ActionNormal):
			actions = append(actions, Action{Type: ActionNormal})
		}
	}
	return actions, nil
}

// EncodeActions serializes an action list back to the stored JSON form.
// Used when a caller has no raw column text to carry through, e.g. in
// tests and fixtures.
func EncodeActions(actions []Action) (string, error) {
	rows := make([]actionRow, 0, len(actions))
	for _, a := range actions {
		rows = append(rows, actionRow{Type: string(a.Type), Port: a.Port})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
