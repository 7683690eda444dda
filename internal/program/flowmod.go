package program

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"

	of "github.com/netrack/openflow"
	"github.com/netrack/openflow/ofp"
	"github.com/netrack/openflow/ofputil"

	"github.com/enfalab/flowsync/internal/rule"
)

// ErrEncode marks a rule that cannot be expressed as an OpenFlow
// message, e.g. an unparseable IPv4 address. Such rules are operator
// mistakes the schema cannot catch; the action is skipped and logged.
var ErrEncode = errors.New("flow-mod encoding failed")

// addRequest builds a FLOW_MOD ADD carrying the rule id as cookie and
// a single APPLY_ACTIONS instruction.
func addRequest(cookie uint64, priority uint16, m rule.MatchSpec, actions []rule.Action) (*of.Request, error) {
	match, err := buildMatch(m)
	if err != nil {
		return nil, err
	}
	fmod := &ofp.FlowMod{
		Cookie:       cookie,
		Command:      ofp.FlowAdd,
		Priority:     priority,
		Buffer:       ofp.NoBuffer,
		Match:        match,
		Instructions: ofputil.ActionsApply(buildActions(actions)...),
	}
	return flowModRequest(fmod)
}

// deleteRequest builds a FLOW_MOD DELETE selecting the previously
// programmed entry by priority and match, unrestricted by out port or
// group.
func deleteRequest(priority uint16, m rule.MatchSpec) (*of.Request, error) {
	match, err := buildMatch(m)
	if err != nil {
		return nil, err
	}
	fmod := &ofp.FlowMod{
		Command:  ofp.FlowDelete,
		Priority: priority,
		Buffer:   ofp.NoBuffer,
		OutPort:  ofp.PortAny,
		OutGroup: ofp.GroupAny,
		Match:    match,
	}
	return flowModRequest(fmod)
}

func flowModRequest(fmod *ofp.FlowMod) (*of.Request, error) {
	var body bytes.Buffer
	if _, err := fmod.WriteTo(&body); err != nil {
		return nil, fmt.Errorf("%w: marshal flow-mod: %v", ErrEncode, err)
	}
	req, err := of.NewRequest(of.TypeFlowMod, &body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrEncode, err)
	}
	return req, nil
}

// buildActions translates the rule's action list to wire actions,
// preserving order. DROP contributes nothing: an empty APPLY_ACTIONS
// instruction is how OpenFlow spells a drop.
func buildActions(actions []rule.Action) []ofp.Action {
	out := make([]ofp.Action, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case rule.ActionOutput:
			out = append(out, &ofp.ActionOutput{Port: ofp.PortNo(a.Port)})
		case rule.ActionNormal:
			out = append(out, &ofp.ActionOutput{Port: ofp.PortNormal})
		case rule.ActionDrop:
			// Encoded by omission.
		}
	}
	return out
}

// buildMatch assembles the OXM field list. Field order follows the
// match prerequisite chain: in_port, eth_type, ip_proto, addresses,
// ports.
func buildMatch(m rule.MatchSpec) (ofp.Match, error) {
	var xms []ofp.XM
	if m.InPort != 0 {
		xms = append(xms, ofputil.MatchInPort(ofp.PortNo(m.InPort)))
	}
	if m.EthType != 0 {
		xms = append(xms, ofputil.MatchEthType(m.EthType))
	}
	if m.IPProto != nil {
		xms = append(xms, ofputil.MatchIPProto(*m.IPProto))
	}
	if m.IPv4Src != "" {
		xm, err := matchIPv4(ofp.XMTypeIPv4Src, m.IPv4Src)
		if err != nil {
			return ofp.Match{}, fmt.Errorf("%w: ipv4_src: %v", ErrEncode, err)
		}
		xms = append(xms, xm)
	}
	if m.IPv4Dst != "" {
		xm, err := matchIPv4(ofp.XMTypeIPv4Dst, m.IPv4Dst)
		if err != nil {
			return ofp.Match{}, fmt.Errorf("%w: ipv4_dst: %v", ErrEncode, err)
		}
		xms = append(xms, xm)
	}
	if m.TCPSrc != 0 {
		xms = append(xms, basic(ofp.XMTypeTCPSrc, be16(m.TCPSrc), nil))
	}
	if m.TCPDst != 0 {
		xms = append(xms, basic(ofp.XMTypeTCPDst, be16(m.TCPDst), nil))
	}
	return ofputil.ExtendedMatch(xms...), nil
}

// matchIPv4 accepts a dotted quad or a CIDR block. A full-length mask
// is omitted from the wire form.
func matchIPv4(t ofp.XMType, addr string) (ofp.XM, error) {
	if strings.Contains(addr, "/") {
		ip, ipnet, err := net.ParseCIDR(addr)
		if err != nil {
			return ofp.XM{}, err
		}
		v4 := ip.To4()
		if v4 == nil {
			return ofp.XM{}, fmt.Errorf("not an IPv4 block: %s", addr)
		}
		if ones, bits := ipnet.Mask.Size(); ones == bits {
			return basic(t, ofp.XMValue(v4), nil), nil
		}
		return basic(t, ofp.XMValue(ip.Mask(ipnet.Mask).To4()), ofp.XMValue(ipnet.Mask)), nil
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return ofp.XM{}, fmt.Errorf("not an IPv4 address: %s", addr)
	}
	return basic(t, ofp.XMValue(ip.To4()), nil), nil
}

func basic(t ofp.XMType, val, mask ofp.XMValue) ofp.XM {
	return ofp.XM{Class: ofp.XMClassOpenflowBasic, Type: t, Value: val, Mask: mask}
}

func be16(v uint16) ofp.XMValue {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}
