package db

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestRunMigrations_SQLite(t *testing.T) {
	conn, err := sql.Open("sqlite", "file::memory:?cache=shared")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	defer conn.Close()

	require.NoError(t, RunMigrations(conn, "sqlite3"))
	// Idempotent.
	require.NoError(t, RunMigrations(conn, "sqlite3"))

	for _, table := range []string{"dashboard_api_keys", "peer_share_links", "peer_jobs", "job_log", "dashboard_log", "brute_force_attempts", "tlspipe_routes"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}

	_, err = conn.Exec(`INSERT INTO peer_jobs (job_id, configuration, peer, field, operator, value, action, creation_date) VALUES ('j', 'wg0', 'p', 'date', 'lgt', 'x', 'restrict', 'now')`)
	require.NoError(t, err)
	var failures, disabled int
	require.NoError(t, conn.QueryRow(`SELECT failure_count, disabled FROM peer_jobs WHERE job_id = 'j'`).Scan(&failures, &disabled))
	assert.Equal(t, 0, failures)
	assert.Equal(t, 0, disabled)
}
