package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/enfalab/flowsync/internal/rule"
)

const selectRules = `
	SELECT rule_id, dpid, priority, eth_type, ip_proto,
	       ipv4_src, ipv4_dst, tcp_src, tcp_dst, in_port, actions
	FROM reglas
	ORDER BY rule_id ASC`

// Snapshot reads the whole rule table inside an exclusive transaction
// and returns it as desired state keyed by datapath. The exclusive
// lock keeps the read consistent while the editor mutates the table
// concurrently.
//
// Rows that fail to decode are logged and dropped; the snapshot itself
// still succeeds. Failure to reach the database, take the lock, read
// the rows or commit returns ErrUnavailable.
func (s *Store) Snapshot(ctx context.Context) (rule.DesiredState, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire connection: %v", ErrUnavailable, err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION"); err != nil {
		return nil, fmt.Errorf("%w: begin exclusive: %v", ErrUnavailable, err)
	}
	// The transaction only ever reads; rollback on the error paths is
	// equivalent to commit but keeps intent obvious.
	rows, err := conn.QueryContext(ctx, selectRules)
	if err != nil {
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("%w: select rules: %v", ErrUnavailable, err)
	}

	state := make(rule.DesiredState)
	var dropped int
	for rows.Next() {
		row, err := scanRuleRow(rows)
		if err != nil {
			rows.Close()
			_, _ = conn.ExecContext(ctx, "ROLLBACK")
			return nil, fmt.Errorf("%w: scan rule row: %v", ErrUnavailable, err)
		}
		r, err := rule.DecodeRow(row)
		if err != nil {
			slog.Warn("dropping undecodable rule", "rule_id", row.RuleID, "error", err)
			dropped++
			continue
		}
		state.Add(r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		_, _ = conn.ExecContext(ctx, "ROLLBACK")
		return nil, fmt.Errorf("%w: iterate rules: %v", ErrUnavailable, err)
	}
	rows.Close()

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, fmt.Errorf("%w: commit snapshot: %v", ErrUnavailable, err)
	}
	if dropped > 0 {
		slog.Warn("snapshot dropped rules", "dropped", dropped)
	}
	return state, nil
}

func scanRuleRow(rows *sql.Rows) (rule.Row, error) {
	var (
		row     rule.Row
		dpid    int64
		ipProto sql.NullInt64
		ipv4Src sql.NullString
		ipv4Dst sql.NullString
		tcpSrc  sql.NullInt64
		tcpDst  sql.NullInt64
		inPort  sql.NullInt64
	)
	err := rows.Scan(&row.RuleID, &dpid, &row.Priority, &row.EthType,
		&ipProto, &ipv4Src, &ipv4Dst, &tcpSrc, &tcpDst, &inPort, &row.Actions)
	if err != nil {
		return rule.Row{}, err
	}
	row.Dpid = uint64(dpid)
	if ipProto.Valid {
		row.IPProto = &ipProto.Int64
	}
	row.IPv4Src = ipv4Src.String
	row.IPv4Dst = ipv4Dst.String
	if tcpSrc.Valid {
		row.TCPSrc = &tcpSrc.Int64
	}
	if tcpDst.Valid {
		row.TCPDst = &tcpDst.Int64
	}
	if inPort.Valid {
		row.InPort = &inPort.Int64
	}
	return row, nil
}

// IsUnavailable reports whether err is the transient snapshot failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
