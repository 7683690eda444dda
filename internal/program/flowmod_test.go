package program

import (
	"testing"

	"github.com/netrack/openflow/ofp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfalab/flowsync/internal/rule"
)

func TestBuildMatch_FieldOrder(t *testing.T) {
	proto := uint8(6)
	m := rule.MatchSpec{
		EthType: 0x0800,
		IPProto: &proto,
		IPv4Src: "10.0.0.1",
		IPv4Dst: "10.0.0.2",
		TCPSrc:  1024,
		TCPDst:  80,
		InPort:  3,
	}

	match, err := buildMatch(m)
	require.NoError(t, err)
	require.Equal(t, ofp.MatchTypeXM, match.Type)

	var types []ofp.XMType
	for _, xm := range match.Fields {
		types = append(types, xm.Type)
	}
	assert.Equal(t, []ofp.XMType{
		ofp.XMTypeInPort,
		ofp.XMTypeEthType,
		ofp.XMTypeIPProto,
		ofp.XMTypeIPv4Src,
		ofp.XMTypeIPv4Dst,
		ofp.XMTypeTCPSrc,
		ofp.XMTypeTCPDst,
	}, types)
}

func TestBuildMatch_Empty(t *testing.T) {
	match, err := buildMatch(rule.MatchSpec{})
	require.NoError(t, err)
	assert.Empty(t, match.Fields)
}

func TestBuildMatch_TCPPortsBigEndian(t *testing.T) {
	match, err := buildMatch(rule.MatchSpec{EthType: 0x0800, TCPDst: 80})
	require.NoError(t, err)

	xm := match.Field(ofp.XMTypeTCPDst)
	require.NotNil(t, xm)
	assert.Equal(t, ofp.XMValue{0, 80}, xm.Value)
}

func TestMatchIPv4_PlainAddress(t *testing.T) {
	xm, err := matchIPv4(ofp.XMTypeIPv4Src, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, ofp.XMValue{10, 0, 0, 1}, xm.Value)
	assert.Nil(t, xm.Mask)
}

func TestMatchIPv4_CIDR(t *testing.T) {
	xm, err := matchIPv4(ofp.XMTypeIPv4Dst, "10.0.0.1/24")
	require.NoError(t, err)
	assert.Equal(t, ofp.XMValue{10, 0, 0, 0}, xm.Value, "value is masked to the network")
	assert.Equal(t, ofp.XMValue{255, 255, 255, 0}, xm.Mask)
}

func TestMatchIPv4_FullMaskOmitted(t *testing.T) {
	xm, err := matchIPv4(ofp.XMTypeIPv4Src, "192.168.1.1/32")
	require.NoError(t, err)
	assert.Equal(t, ofp.XMValue{192, 168, 1, 1}, xm.Value)
	assert.Nil(t, xm.Mask)
}

func TestMatchIPv4_Invalid(t *testing.T) {
	for _, addr := range []string{"garbage", "300.1.2.3", "fe80::1", "10.0.0.0/99"} {
		_, err := matchIPv4(ofp.XMTypeIPv4Src, addr)
		assert.Error(t, err, "addr %q", addr)
	}
}

func TestBuildActions_PreservesOrder(t *testing.T) {
	actions := buildActions([]rule.Action{
		{Type: rule.ActionOutput, Port: 2},
		{Type: rule.ActionNormal},
		{Type: rule.ActionOutput, Port: 7},
	})
	require.Len(t, actions, 3)

	first := actions[0].(*ofp.ActionOutput)
	assert.Equal(t, ofp.PortNo(2), first.Port)
	second := actions[1].(*ofp.ActionOutput)
	assert.Equal(t, ofp.PortNormal, second.Port)
	third := actions[2].(*ofp.ActionOutput)
	assert.Equal(t, ofp.PortNo(7), third.Port)
}

// DROP is encoded by omission: an empty APPLY_ACTIONS list.
func TestBuildActions_DropIsEmpty(t *testing.T) {
	assert.Empty(t, buildActions([]rule.Action{{Type: rule.ActionDrop}}))
	assert.Empty(t, buildActions(nil))
}

func TestAddRequest_EncodeErrorOnBadAddress(t *testing.T) {
	_, err := addRequest(5, 10, rule.MatchSpec{EthType: 0x0800, IPv4Src: "garbage"}, nil)
	assert.ErrorIs(t, err, ErrEncode)
}
