package store

import (
	"context"
	"fmt"
	"strings"
)

type column struct {
	name string
	typ  string
	def  string
}

const (
	textType = "TEXT"
	intType  = "INTEGER"
)

// peerColumns lists every peer column after id, in scan order. New columns are
// appended here and picked up by evolveTable on the next start.
func peerColumns(d Dialect) []column {
	f := d.floatType()
	return []column{
		{"private_key", textType, "''"},
		{"dns", textType, "''"},
		{"endpoint_allowed_ip", textType, "''"},
		{"name", textType, "''"},
		{"total_receive", f, "0"},
		{"total_sent", f, "0"},
		{"total_data", f, "0"},
		{"endpoint", textType, "''"},
		{"status", textType, "''"},
		{"latest_handshake", textType, "''"},
		{"allowed_ip", textType, "''"},
		{"cumu_receive", f, "0"},
		{"cumu_sent", f, "0"},
		{"cumu_data", f, "0"},
		{"mtu", intType, "0"},
		{"keepalive", intType, "0"},
		{"remote_endpoint", textType, "''"},
		{"preshared_key", textType, "''"},
		{"upload_rate_limit", intType, "0"},
		{"download_rate_limit", intType, "0"},
		{"scheduler_type", textType, "'htb'"},
	}
}

func transferColumns(d Dialect) []column {
	f := d.floatType()
	return []column{
		{"total_receive", f, "0"},
		{"total_sent", f, "0"},
		{"total_data", f, "0"},
		{"cumu_receive", f, "0"},
		{"cumu_sent", f, "0"},
		{"cumu_data", f, "0"},
		{"time", textType, "''"},
	}
}

func columnNames(cols []column) []string {
	names := make([]string, 0, len(cols)+1)
	names = append(names, "id")
	for _, c := range cols {
		names = append(names, c.name)
	}
	return names
}

func columnDefs(cols []column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%s %s NOT NULL DEFAULT %s", c.name, c.typ, c.def)
	}
	return strings.Join(defs, ", ")
}

func createPeerTable(ctx context.Context, c conn, table string) error {
	cols := peerColumns(c.dialect)
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, %s)`, quoteIdent(table), columnDefs(cols))
	if _, err := c.exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	return evolveTable(ctx, c, table, cols)
}

func createTransferTable(ctx context.Context, c conn, table string) error {
	cols := transferColumns(c.dialect)
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id TEXT NOT NULL, %s)`, quoteIdent(table), columnDefs(cols))
	if _, err := c.exec(ctx, q); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (id, time)`, quoteIdent(table+"_idx"), quoteIdent(table))
	if _, err := c.exec(ctx, idx); err != nil {
		return fmt.Errorf("create index on %s: %w", table, err)
	}
	return evolveTable(ctx, c, table, cols)
}

// evolveTable adds any known column missing from the live table. Existing rows
// get the column's sentinel default.
func evolveTable(ctx context.Context, c conn, table string, cols []column) error {
	live, err := liveColumns(ctx, c, table)
	if err != nil {
		return err
	}
	for _, col := range cols {
		if live[col.name] {
			continue
		}
		q := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s NOT NULL DEFAULT %s`, quoteIdent(table), col.name, col.typ, col.def)
		if _, err := c.exec(ctx, q); err != nil {
			return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
		}
	}
	return nil
}

func liveColumns(ctx context.Context, c conn, table string) (map[string]bool, error) {
	var q string
	if c.dialect == DialectPostgres {
		q = `SELECT column_name FROM information_schema.columns WHERE table_name = ?`
	} else {
		q = `SELECT name FROM pragma_table_info(?)`
	}
	rows, err := c.query(ctx, q, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}
