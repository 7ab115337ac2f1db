package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

const jobColumns = `job_id, configuration, peer, field, operator, value, action, creation_date, expire_date, failure_count, disabled`

func scanJob(r rowScanner) (model.PeerJob, error) {
	var j model.PeerJob
	var created string
	var expire sql.NullString
	var disabled int
	if err := r.Scan(&j.JobID, &j.Tunnel, &j.Peer, &j.Field, &j.Operator, &j.Value, &j.Action,
		&created, &expire, &j.FailureCount, &disabled); err != nil {
		return j, err
	}
	var err error
	if j.CreationDate, err = parseTime(created); err != nil {
		return j, err
	}
	if j.ExpireDate, err = parseNullTime(expire); err != nil {
		return j, err
	}
	j.Disabled = disabled != 0
	return j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLStore) ListJobs(ctx context.Context) ([]model.PeerJob, error) {
	var jobs []model.PeerJob
	err := s.do(ctx, "list jobs", func(ctx context.Context) error {
		jobs = nil
		rows, err := s.conn().query(ctx, `SELECT `+jobColumns+` FROM peer_jobs ORDER BY creation_date, job_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.PeerJob, error) {
	var j model.PeerJob
	err := s.do(ctx, "get job", func(ctx context.Context) error {
		var err error
		j, err = scanJob(s.conn().queryRow(ctx, `SELECT `+jobColumns+` FROM peer_jobs WHERE job_id = ?`, id))
		if err == sql.ErrNoRows {
			return notFound("job", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *SQLStore) UpsertJob(ctx context.Context, j *model.PeerJob) error {
	return s.do(ctx, "upsert job", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO peer_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (job_id) DO UPDATE SET configuration = excluded.configuration, peer = excluded.peer,
			field = excluded.field, operator = excluded.operator, value = excluded.value, action = excluded.action,
			expire_date = excluded.expire_date, failure_count = excluded.failure_count, disabled = excluded.disabled`,
			j.JobID, j.Tunnel, j.Peer, j.Field, j.Operator, j.Value, j.Action,
			formatTime(j.CreationDate), formatNullTime(j.ExpireDate), j.FailureCount, boolInt(j.Disabled))
		return err
	})
}

func (s *SQLStore) DeleteJob(ctx context.Context, id string) error {
	return s.do(ctx, "delete job", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, `DELETE FROM peer_jobs WHERE job_id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("job", id)
		}
		return nil
	})
}

func (s *SQLStore) DeleteJobsCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := s.do(ctx, "cleanup jobs", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, `DELETE FROM peer_jobs WHERE creation_date < ? AND expire_date IS NOT NULL`, formatTime(before))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (s *SQLStore) AppendJobLog(ctx context.Context, l *model.JobLog) error {
	return s.do(ctx, "append job log", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO job_log (log_id, job_id, log_date, status, message) VALUES (?, ?, ?, ?, ?)`,
			l.LogID, l.JobID, formatTime(l.At), l.Status, l.Message)
		return err
	})
}

func (s *SQLStore) ListJobLogs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	q := `SELECT log_id, job_id, log_date, status, message FROM job_log`
	var args []any
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY log_date, log_id`

	var logs []model.JobLog
	err := s.do(ctx, "list job logs", func(ctx context.Context) error {
		logs = nil
		rows, err := s.conn().query(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l model.JobLog
			var at string
			if err := rows.Scan(&l.LogID, &l.JobID, &at, &l.Status, &l.Message); err != nil {
				return err
			}
			if l.At, err = parseTime(at); err != nil {
				return err
			}
			logs = append(logs, l)
		}
		return rows.Err()
	})
	return logs, err
}

func scanShareLink(r rowScanner) (model.ShareLink, error) {
	var l model.ShareLink
	var shared string
	var expire sql.NullString
	if err := r.Scan(&l.ShareID, &l.Tunnel, &l.Peer, &shared, &expire); err != nil {
		return l, err
	}
	var err error
	if l.SharedDate, err = parseTime(shared); err != nil {
		return l, err
	}
	l.ExpireDate, err = parseNullTime(expire)
	return l, err
}

func (s *SQLStore) CreateShareLink(ctx context.Context, l *model.ShareLink) error {
	return s.do(ctx, "create share link", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO peer_share_links (share_id, configuration, peer, shared_date, expire_date) VALUES (?, ?, ?, ?, ?)`,
			l.ShareID, l.Tunnel, l.Peer, formatTime(l.SharedDate), formatNullTime(l.ExpireDate))
		return err
	})
}

func (s *SQLStore) GetShareLink(ctx context.Context, id string) (*model.ShareLink, error) {
	var l model.ShareLink
	err := s.do(ctx, "get share link", func(ctx context.Context) error {
		var err error
		l, err = scanShareLink(s.conn().queryRow(ctx,
			`SELECT share_id, configuration, peer, shared_date, expire_date FROM peer_share_links WHERE share_id = ?`, id))
		if err == sql.ErrNoRows {
			return notFound("share link", id)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *SQLStore) ListShareLinks(ctx context.Context, tunnel, peer string) ([]model.ShareLink, error) {
	var links []model.ShareLink
	err := s.do(ctx, "list share links", func(ctx context.Context) error {
		links = nil
		rows, err := s.conn().query(ctx,
			`SELECT share_id, configuration, peer, shared_date, expire_date FROM peer_share_links
			WHERE configuration = ? AND peer = ? ORDER BY shared_date`, tunnel, peer)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			l, err := scanShareLink(rows)
			if err != nil {
				return err
			}
			links = append(links, l)
		}
		return rows.Err()
	})
	return links, err
}

func (s *SQLStore) UpdateShareLinkExpiry(ctx context.Context, id string, expire *time.Time) error {
	return s.do(ctx, "update share link", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, `UPDATE peer_share_links SET expire_date = ? WHERE share_id = ?`, formatNullTime(expire), id)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("share link", id)
		}
		return nil
	})
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, k *model.APIKey) error {
	return s.do(ctx, "create api key", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO dashboard_api_keys (api_key, created_at, expired_at) VALUES (?, ?, ?)`,
			k.Key, formatTime(k.CreatedAt), formatNullTime(k.ExpiredAt))
		return err
	})
}

func (s *SQLStore) ListAPIKeys(ctx context.Context) ([]model.APIKey, error) {
	var keys []model.APIKey
	err := s.do(ctx, "list api keys", func(ctx context.Context) error {
		keys = nil
		rows, err := s.conn().query(ctx, `SELECT api_key, created_at, expired_at FROM dashboard_api_keys ORDER BY created_at`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var k model.APIKey
			var created string
			var expired sql.NullString
			if err := rows.Scan(&k.Key, &created, &expired); err != nil {
				return err
			}
			if k.CreatedAt, err = parseTime(created); err != nil {
				return err
			}
			if k.ExpiredAt, err = parseNullTime(expired); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		return rows.Err()
	})
	return keys, err
}

func (s *SQLStore) DeleteAPIKey(ctx context.Context, key string) error {
	return s.do(ctx, "delete api key", func(ctx context.Context) error {
		res, err := s.conn().exec(ctx, `DELETE FROM dashboard_api_keys WHERE api_key = ?`, key)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return notFound("api key", "")
		}
		return nil
	})
}

func (s *SQLStore) AppendDashboardLog(ctx context.Context, l *model.DashboardLog) error {
	return s.do(ctx, "append dashboard log", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO dashboard_log (log_id, log_date, url, ip, status, message) VALUES (?, ?, ?, ?, ?, ?)`,
			l.LogID, formatTime(l.At), l.URL, l.IP, l.Status, l.Message)
		return err
	})
}

func (s *SQLStore) ListDashboardLogs(ctx context.Context, limit int) ([]model.DashboardLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var logs []model.DashboardLog
	err := s.do(ctx, "list dashboard logs", func(ctx context.Context) error {
		logs = nil
		rows, err := s.conn().query(ctx, `SELECT log_id, log_date, url, ip, status, message FROM dashboard_log ORDER BY log_date DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var l model.DashboardLog
			var at string
			if err := rows.Scan(&l.LogID, &at, &l.URL, &l.IP, &l.Status, &l.Message); err != nil {
				return err
			}
			if l.At, err = parseTime(at); err != nil {
				return err
			}
			logs = append(logs, l)
		}
		return rows.Err()
	})
	return logs, err
}

func (s *SQLStore) UpsertTLSPipeRoute(ctx context.Context, r *model.TLSPipeRoute) error {
	return s.do(ctx, "upsert tlspipe route", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `INSERT INTO tlspipe_routes
			(configuration, tls_port, wg_port, password_enc, tls_servername, tls_certfile, tls_keyfile, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (configuration) DO UPDATE SET tls_port = excluded.tls_port, wg_port = excluded.wg_port,
			password_enc = excluded.password_enc, tls_servername = excluded.tls_servername,
			tls_certfile = excluded.tls_certfile, tls_keyfile = excluded.tls_keyfile, enabled = excluded.enabled`,
			r.Tunnel, r.TLSPort, r.WGPort, r.PasswordEnc, r.TLSServerName, r.TLSCertFile, r.TLSKeyFile, boolInt(r.Enabled))
		return err
	})
}

func (s *SQLStore) ListTLSPipeRoutes(ctx context.Context) ([]model.TLSPipeRoute, error) {
	var routes []model.TLSPipeRoute
	err := s.do(ctx, "list tlspipe routes", func(ctx context.Context) error {
		routes = nil
		rows, err := s.conn().query(ctx, `SELECT configuration, tls_port, wg_port, password_enc, tls_servername,
			tls_certfile, tls_keyfile, enabled FROM tlspipe_routes ORDER BY configuration`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r model.TLSPipeRoute
			var enabled int
			if err := rows.Scan(&r.Tunnel, &r.TLSPort, &r.WGPort, &r.PasswordEnc, &r.TLSServerName,
				&r.TLSCertFile, &r.TLSKeyFile, &enabled); err != nil {
				return err
			}
			r.Enabled = enabled != 0
			routes = append(routes, r)
		}
		return rows.Err()
	})
	return routes, err
}

func (s *SQLStore) DeleteTLSPipeRoute(ctx context.Context, tunnel string) error {
	return s.do(ctx, "delete tlspipe route", func(ctx context.Context) error {
		_, err := s.conn().exec(ctx, `DELETE FROM tlspipe_routes WHERE configuration = ?`, tunnel)
		return err
	})
}
