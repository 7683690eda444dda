package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/enfalab/flowsync/internal/rule"
)

// AppendAudit inserts one audit row. Best effort and non-transactional:
// the caller logs failures but never aborts the reconciliation that
// produced the event.
//
// Match columns mirror the rule table so a log row is self-contained;
// absent match fields stay NULL.
func (s *Store) AppendAudit(ctx context.Context, e rule.AuditEvent) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("append audit: unknown kind %q", e.Kind)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs
		(dpid, rule_id, action, priority, eth_type, ip_proto,
		 ipv4_src, ipv4_dst, tcp_src, tcp_dst, in_port, actions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		int64(e.Dpid),
		int64(e.RuleID),
		string(e.Kind),
		nullPositive(int64(e.Priority)),
		nullPositive(int64(e.Match.EthType)),
		nullIPProto(e.Match.IPProto),
		nullString(e.Match.IPv4Src),
		nullString(e.Match.IPv4Dst),
		nullPositive(int64(e.Match.TCPSrc)),
		nullPositive(int64(e.Match.TCPDst)),
		nullPositive(int64(e.Match.InPort)),
		nullString(e.Actions),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// AuditRow is one row of the logs table as read back for operators.
type AuditRow struct {
	ID        int64
	Timestamp time.Time
	Dpid      rule.DatapathID
	RuleID    rule.RuleID
	Kind      rule.AuditKind
	Priority  uint16
	Actions   string
}

// ReadAuditTail returns the most recent audit rows, newest first.
func (s *Store) ReadAuditTail(ctx context.Context, limit int) ([]AuditRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, dpid, rule_id, action, priority, actions
		FROM logs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			r        AuditRow
			dpid     int64
			ruleID   sql.NullInt64
			kind     sql.NullString
			priority sql.NullInt64
			actions  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Timestamp, &dpid, &ruleID, &kind, &priority, &actions); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		r.Dpid = rule.DatapathID(dpid)
		r.RuleID = rule.RuleID(ruleID.Int64)
		r.Kind = rule.AuditKind(kind.String)
		r.Priority = uint16(priority.Int64)
		r.Actions = actions.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return out, nil
}

func nullPositive(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}

func nullIPProto(p *uint8) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
