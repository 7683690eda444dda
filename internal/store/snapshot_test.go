package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enfalab/flowsync/internal/rule"
)

func TestSnapshot_Empty(t *testing.T) {
	s := openTestStore(t)

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, state)
}

func TestSnapshot_GroupsByDatapath(t *testing.T) {
	s := openTestStore(t)
	insertRule(t, s, testRule{ruleID: 1, dpid: 1})
	insertRule(t, s, testRule{ruleID: 2, dpid: 1, priority: 20})
	insertRule(t, s, testRule{ruleID: 3, dpid: 2})

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, state, 2)
	assert.Len(t, state.Rules(1), 2)
	assert.Len(t, state.Rules(2), 1)

	r := state.Rules(1)[2]
	assert.Equal(t, rule.RuleID(2), r.ID)
	assert.Equal(t, uint16(20), r.Priority)
}

func TestSnapshot_DecodesColumns(t *testing.T) {
	s := openTestStore(t)
	proto := int64(6)
	port := int64(80)
	insertRule(t, s, testRule{
		ruleID:  5,
		dpid:    1,
		ethType: 0x0800,
		ipProto: &proto,
		ipv4Src: "10.0.0.1",
		tcpDst:  &port,
		actions: `[{"type":"OUTPUT","port":2}]`,
	})

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	r := state.Rules(1)[5]
	assert.Equal(t, uint16(0x0800), r.Match.EthType)
	require.NotNil(t, r.Match.IPProto)
	assert.Equal(t, uint8(6), *r.Match.IPProto)
	assert.Equal(t, "10.0.0.1", r.Match.IPv4Src)
	assert.Empty(t, r.Match.IPv4Dst)
	assert.Equal(t, uint16(80), r.Match.TCPDst)
	assert.Equal(t, []rule.Action{{Type: rule.ActionOutput, Port: 2}}, r.Actions)
	assert.Equal(t, `[{"type":"OUTPUT","port":2}]`, r.RawActions)
}

// A rule whose actions column is well-formed JSON of the wrong shape
// is dropped; the rest of the snapshot survives.
func TestSnapshot_DropsUndecodableRules(t *testing.T) {
	s := openTestStore(t)
	insertRule(t, s, testRule{ruleID: 1, dpid: 1})
	insertRule(t, s, testRule{ruleID: 2, dpid: 1, actions: `{"type":"OUTPUT"}`})

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)

	require.Len(t, state.Rules(1), 1)
	_, ok := state.Rules(1)[1]
	assert.True(t, ok)
}

func TestSnapshot_ReflectsDeletes(t *testing.T) {
	s := openTestStore(t)
	insertRule(t, s, testRule{ruleID: 1, dpid: 1})
	insertRule(t, s, testRule{ruleID: 2, dpid: 1})

	deleteRule(t, s, 1)

	state, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Rules(1), 1)
	_, ok := state.Rules(1)[2]
	assert.True(t, ok)
}
