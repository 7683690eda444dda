package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "reglas.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testRule holds the handful of columns tests vary; everything else
// takes a sensible default.
type testRule struct {
	ruleID   int64
	dpid     int64
	priority int64
	ethType  int64
	ipProto  *int64
	ipv4Src  string
	ipv4Dst  string
	tcpSrc   *int64
	tcpDst   *int64
	inPort   *int64
	actions  string
}

func insertRule(t *testing.T, s *Store, r testRule) {
	t.Helper()
	if r.priority == 0 {
		r.priority = 1
	}
	if r.ethType == 0 {
		r.ethType = 0x0800
	}
	if r.actions == "" {
		r.actions = `[{"type":"NORMAL"}]`
	}
	_, err := s.db.Exec(`
		INSERT INTO reglas
		(dpid, rule_id, priority, eth_type, ip_proto,
		 ipv4_src, ipv4_dst, tcp_src, tcp_dst, in_port, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.dpid, r.ruleID, r.priority, r.ethType, r.ipProto,
		nullString(r.ipv4Src), nullString(r.ipv4Dst),
		r.tcpSrc, r.tcpDst, r.inPort, r.actions,
	)
	if err != nil {
		t.Fatalf("insert rule %d: %v", r.ruleID, err)
	}
}

func deleteRule(t *testing.T, s *Store, ruleID int64) {
	t.Helper()
	if _, err := s.db.Exec(`DELETE FROM reglas WHERE rule_id = ?`, ruleID); err != nil {
		t.Fatalf("delete rule %d: %v", ruleID, err)
	}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
