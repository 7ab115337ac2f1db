package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/db"
	"github.com/wiregate/wiregate/internal/model"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// SQLStore implements Store on database/sql for both dialects.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
	delays  []time.Duration
	onClose func()

	ensured sync.Map
}

// New wraps an open database.
func New(raw *sql.DB, dialect Dialect, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		db:      raw,
		dialect: dialect,
		logger:  logger.With().Str("component", "peer-store").Str("dialect", dialect.String()).Logger(),
		delays:  retryDelays,
	}
}

// Dialect reports the back-end in use.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Migrate applies the global-table migrations.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.do(ctx, "migrate", func(ctx context.Context) error {
		return db.RunMigrations(s.db, s.dialect.gooseDialect())
	})
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(ctx context.Context) error {
		if err := s.db.PingContext(ctx); err != nil {
			return model.StoreUnavailable("ping", err)
		}
		return nil
	})
}

func (s *SQLStore) Close() error {
	err := s.db.Close()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// do runs fn with classification and retry.
func (s *SQLStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return withRetry(ctx, s.delays, func(ctx context.Context) error {
		return classify(op, fn(ctx))
	})
}

func (s *SQLStore) conn() conn {
	return conn{q: s.db, dialect: s.dialect}
}

// tx runs fn in a transaction. The whole transaction is retried on outage.
func (s *SQLStore) tx(ctx context.Context, op string, fn func(ctx context.Context, c conn) error) error {
	return s.do(ctx, op, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(ctx, conn{q: tx, dialect: s.dialect}); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

func (s *SQLStore) EnsureTunnelTables(ctx context.Context, tunnel string) error {
	if !model.ValidTunnelName(tunnel) {
		return model.Invalid("ensure tables", "invalid tunnel name %q", tunnel)
	}
	if _, ok := s.ensured.Load(tunnel); ok {
		return nil
	}
	err := s.tx(ctx, "ensure tables", func(ctx context.Context, c conn) error {
		for _, kind := range []TableKind{Active, Restricted, Deleted} {
			if err := createPeerTable(ctx, c, TableName(tunnel, kind)); err != nil {
				return err
			}
		}
		return createTransferTable(ctx, c, TableName(tunnel, Transfer))
	})
	if err != nil {
		return err
	}
	s.ensured.Store(tunnel, struct{}{})
	return nil
}

func (s *SQLStore) DropTunnelTables(ctx context.Context, tunnel string) error {
	if !model.ValidTunnelName(tunnel) {
		return model.Invalid("drop tables", "invalid tunnel name %q", tunnel)
	}
	err := s.tx(ctx, "drop tables", func(ctx context.Context, c conn) error {
		for _, kind := range []TableKind{Active, Restricted, Transfer, Deleted} {
			if _, err := c.exec(ctx, `DROP TABLE IF EXISTS `+quoteIdent(TableName(tunnel, kind))); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		s.ensured.Delete(tunnel)
	}
	return err
}

func (s *SQLStore) peerColumnList() string {
	return strings.Join(columnNames(peerColumns(s.dialect)), ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(r rowScanner) (model.Peer, error) {
	var p model.Peer
	err := r.Scan(&p.ID, &p.PrivateKey, &p.DNS, &p.EndpointAllowedIP, &p.Name,
		&p.TotalReceive, &p.TotalSent, &p.TotalData, &p.Endpoint, &p.Status, &p.LatestHandshake,
		&p.AllowedIP, &p.CumuReceive, &p.CumuSent, &p.CumuData, &p.MTU, &p.Keepalive,
		&p.RemoteEndpoint, &p.PresharedKey, &p.UploadRateLimit, &p.DownloadRateLimit, &p.SchedulerType)
	return p, err
}

// peerValues matches columnNames(peerColumns(...)) order.
func peerValues(p *model.Peer) []any {
	scheduler := p.SchedulerType
	if scheduler == "" {
		scheduler = model.SchedulerHTB
	}
	return []any{p.ID, p.PrivateKey, p.DNS, p.EndpointAllowedIP, p.Name,
		p.TotalReceive, p.TotalSent, p.TotalReceive + p.TotalSent, p.Endpoint, p.Status, p.LatestHandshake,
		p.AllowedIP, p.CumuReceive, p.CumuSent, p.CumuReceive + p.CumuSent, p.MTU, p.Keepalive,
		p.RemoteEndpoint, p.PresharedKey, p.UploadRateLimit, p.DownloadRateLimit, scheduler}
}

func (s *SQLStore) GetPeer(ctx context.Context, tunnel string, kind TableKind, id string) (*model.Peer, error) {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return nil, err
	}
	var p model.Peer
	err = s.do(ctx, "get peer", func(ctx context.Context) error {
		row := s.conn().queryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, s.peerColumnList(), table), id)
		var err error
		p, err = scanPeer(row)
		if err == sql.ErrNoRows {
			return notFound("peer", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) ListPeers(ctx context.Context, tunnel string, kind TableKind) ([]model.Peer, error) {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return nil, err
	}
	var peers []model.Peer
	err = s.do(ctx, "list peers", func(ctx context.Context) error {
		peers, err = listPeers(ctx, s.conn(), s.peerColumnList(), table)
		return err
	})
	return peers, err
}

func listPeers(ctx context.Context, c conn, cols, table string) ([]model.Peer, error) {
	rows, err := c.query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY name, id`, cols, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var peers []model.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

func (s *SQLStore) upsertSQL(table string) string {
	names := columnNames(peerColumns(s.dialect))
	sets := make([]string, 0, len(names)-1)
	for _, n := range names[1:] {
		sets = append(sets, n+" = excluded."+n)
	}
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		table, strings.Join(names, ", "), placeholders(len(names)), strings.Join(sets, ", "))
}

func (s *SQLStore) updateSQL(table string) string {
	names := columnNames(peerColumns(s.dialect))
	sets := make([]string, 0, len(names)-1)
	for _, n := range names[1:] {
		sets = append(sets, n+" = ?")
	}
	return fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, table, strings.Join(sets, ", "))
}

func updateArgs(p *model.Peer) []any {
	vals := peerValues(p)
	return append(vals[1:], p.ID)
}

func (s *SQLStore) UpsertPeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return err
	}
	return s.do(ctx, "upsert peer", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, s.upsertSQL(table), peerValues(p)...)
		return err
	})
}

func (s *SQLStore) UpdatePeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return err
	}
	return s.do(ctx, "update peer", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, s.updateSQL(table), updateArgs(p)...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("peer", p.ID)
		}
		return nil
	})
}

func (s *SQLStore) DeletePeer(ctx context.Context, tunnel string, kind TableKind, id string) error {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return err
	}
	return s.do(ctx, "delete peer", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
		return err
	})
}

func (s *SQLStore) BulkUpsertPeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}
	q := s.upsertSQL(table)
	return s.tx(ctx, "bulk upsert peers", func(ctx context.Context, c conn) error {
		for i := range peers {
			if _, err := c.exec(ctx, q, peerValues(&peers[i])...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) BulkUpdatePeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error {
	table, err := peerTable(tunnel, kind)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		return nil
	}
	q := s.updateSQL(table)
	return s.tx(ctx, "bulk update peers", func(ctx context.Context, c conn) error {
		for i := range peers {
			if _, err := c.exec(ctx, q, updateArgs(&peers[i])...); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) MovePeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error {
	return s.transferRows(ctx, "move peers", tunnel, from, to, ids, true)
}

func (s *SQLStore) CopyPeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error {
	return s.transferRows(ctx, "copy peers", tunnel, from, to, ids, false)
}

func (s *SQLStore) transferRows(ctx context.Context, op, tunnel string, from, to TableKind, ids []string, remove bool) error {
	src, err := peerTable(tunnel, from)
	if err != nil {
		return err
	}
	dst, err := peerTable(tunnel, to)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	cols := s.peerColumnList()
	upsert := s.upsertSQL(dst)
	return s.tx(ctx, op, func(ctx context.Context, c conn) error {
		for _, id := range ids {
			p, err := scanPeer(c.queryRow(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, cols, src), id))
			if err == sql.ErrNoRows {
				return notFound("peer", id)
			}
			if err != nil {
				return err
			}
			if _, err := c.exec(ctx, upsert, peerValues(&p)...); err != nil {
				return err
			}
			if remove {
				if _, err := c.exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, src), id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func transferTable(tunnel string) (string, error) {
	if !model.ValidTunnelName(tunnel) {
		return "", model.Invalid("store", "invalid tunnel name %q", tunnel)
	}
	return quoteIdent(TableName(tunnel, Transfer)), nil
}

func insertTransferSQL(d Dialect, table string) string {
	names := columnNames(transferColumns(d))
	return fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(names, ", "), placeholders(len(names)))
}

func transferValues(t *model.TransferSample) []any {
	return []any{t.PeerID, t.TotalReceive, t.TotalSent, t.TotalReceive + t.TotalSent,
		t.CumuReceive, t.CumuSent, t.CumuReceive + t.CumuSent, t.Time.UTC().Format(timeLayout)}
}

func (s *SQLStore) AppendTransfer(ctx context.Context, tunnel string, samples []model.TransferSample) error {
	table, err := transferTable(tunnel)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	q := insertTransferSQL(s.dialect, table)
	return s.tx(ctx, "append transfer", func(ctx context.Context, c conn) error {
		for i := range samples {
			if _, err := c.exec(ctx, q, transferValues(&samples[i])...); err != nil {
				return err
			}
		}
		return nil
	})
}

func scanTransfer(r rowScanner) (model.TransferSample, error) {
	var t model.TransferSample
	var at string
	if err := r.Scan(&t.PeerID, &t.TotalReceive, &t.TotalSent, &t.TotalData,
		&t.CumuReceive, &t.CumuSent, &t.CumuData, &at); err != nil {
		return t, err
	}
	parsed, err := time.Parse(timeLayout, at)
	if err != nil {
		return t, fmt.Errorf("parse sample time %q: %w", at, err)
	}
	t.Time = parsed
	return t, nil
}

func (s *SQLStore) ListTransfer(ctx context.Context, tunnel, peerID string, since time.Time) ([]model.TransferSample, error) {
	table, err := transferTable(tunnel)
	if err != nil {
		return nil, err
	}
	cols := strings.Join(columnNames(transferColumns(s.dialect)), ", ")
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE time >= ?`, cols, table)
	args := []any{since.UTC().Format(timeLayout)}
	if peerID != "" {
		q += ` AND id = ?`
		args = append(args, peerID)
	}
	q += ` ORDER BY time`

	var out []model.TransferSample
	err = s.do(ctx, "list transfer", func(ctx context.Context) error {
		out = nil
		rows, err := s.conn().query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTransfer(rows)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	return out, err
}

func (s *SQLStore) PruneTransfer(ctx context.Context, tunnel string, before time.Time) (int64, error) {
	table, err := transferTable(tunnel)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.do(ctx, "prune transfer", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE time < ?`, table), before.UTC().Format(timeLayout))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *SQLStore) ExportTunnel(ctx context.Context, tunnel string) (*TunnelDump, error) {
	if err := s.EnsureTunnelTables(ctx, tunnel); err != nil {
		return nil, err
	}
	dump := &TunnelDump{Tunnel: tunnel, ExportedAt: time.Now().UTC()}
	cols := s.peerColumnList()
	tcols := strings.Join(columnNames(transferColumns(s.dialect)), ", ")
	err := s.tx(ctx, "export tunnel", func(ctx context.Context, c conn) error {
		var err error
		if dump.Active, err = listPeers(ctx, c, cols, quoteIdent(TableName(tunnel, Active))); err != nil {
			return err
		}
		if dump.Restricted, err = listPeers(ctx, c, cols, quoteIdent(TableName(tunnel, Restricted))); err != nil {
			return err
		}
		if dump.Deleted, err = listPeers(ctx, c, cols, quoteIdent(TableName(tunnel, Deleted))); err != nil {
			return err
		}
		rows, err := c.query(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY time, id`, tcols, quoteIdent(TableName(tunnel, Transfer))))
		if err != nil {
			return err
		}
		defer rows.Close()
		dump.Transfer = nil
		for rows.Next() {
			t, err := scanTransfer(rows)
			if err != nil {
				return err
			}
			dump.Transfer = append(dump.Transfer, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return dump, nil
}

// ImportTunnel replaces all four tables with dump in one transaction.
func (s *SQLStore) ImportTunnel(ctx context.Context, tunnel string, dump *TunnelDump) error {
	if err := s.EnsureTunnelTables(ctx, tunnel); err != nil {
		return err
	}
	tq := insertTransferSQL(s.dialect, quoteIdent(TableName(tunnel, Transfer)))
	return s.tx(ctx, "import tunnel", func(ctx context.Context, c conn) error {
		for _, kind := range []TableKind{Active, Restricted, Transfer, Deleted} {
			if _, err := c.exec(ctx, `DELETE FROM `+quoteIdent(TableName(tunnel, kind))); err != nil {
				return err
			}
		}
		sets := map[TableKind][]model.Peer{Active: dump.Active, Restricted: dump.Restricted, Deleted: dump.Deleted}
		for kind, peers := range sets {
			q := s.upsertSQL(quoteIdent(TableName(tunnel, kind)))
			for i := range peers {
				if _, err := c.exec(ctx, q, peerValues(&peers[i])...); err != nil {
					return err
				}
			}
		}
		for i := range dump.Transfer {
			if _, err := c.exec(ctx, tq, transferValues(&dump.Transfer[i])...); err != nil {
				return err
			}
		}
		return nil
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
