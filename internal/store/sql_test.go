package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPeer(id, name, ip string) model.Peer {
	return model.Peer{
		ID:                id,
		Name:              name,
		AllowedIP:         ip,
		DNS:               "1.1.1.1",
		EndpointAllowedIP: "0.0.0.0/0",
		MTU:               1420,
		Keepalive:         21,
		PresharedKey:      "psk-" + id,
		Status:            model.StatusStopped,
		LatestHandshake:   model.NoHandshake,
	}
}

func TestPeerCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))

	p := testPeer("pk-a", "alice", "10.0.0.2/32")
	p.TotalReceive, p.TotalSent = 1, 2
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &p))

	got, err := s.GetPeer(ctx, "wg0", Active, "pk-a")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Name)
	assert.Equal(t, "10.0.0.2/32", got.AllowedIP)
	assert.Equal(t, 3.0, got.TotalData)
	assert.Equal(t, model.SchedulerHTB, got.SchedulerType)

	got.Name = "alice2"
	require.NoError(t, s.UpdatePeer(ctx, "wg0", Active, got))
	got, err = s.GetPeer(ctx, "wg0", Active, "pk-a")
	require.NoError(t, err)
	assert.Equal(t, "alice2", got.Name)

	missing := testPeer("pk-x", "x", "10.0.0.9/32")
	err = s.UpdatePeer(ctx, "wg0", Active, &missing)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	require.NoError(t, s.DeletePeer(ctx, "wg0", Active, "pk-a"))
	_, err = s.GetPeer(ctx, "wg0", Active, "pk-a")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestInvalidTunnelName(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ListPeers(context.Background(), `wg0"; DROP`, Active)
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestBulkAndMove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))

	peers := []model.Peer{
		testPeer("pk-a", "a", "10.0.0.2/32"),
		testPeer("pk-b", "b", "10.0.0.3/32"),
		testPeer("pk-c", "c", "10.0.0.4/32"),
	}
	require.NoError(t, s.BulkUpsertPeers(ctx, "wg0", Active, peers))

	peers[0].Endpoint = "192.0.2.1:51820"
	peers[1].Endpoint = "192.0.2.2:51820"
	require.NoError(t, s.BulkUpdatePeers(ctx, "wg0", Active, peers[:2]))

	require.NoError(t, s.MovePeers(ctx, "wg0", Active, Restricted, []string{"pk-b"}))
	active, err := s.ListPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "192.0.2.1:51820", active[0].Endpoint)

	restricted, err := s.ListPeers(ctx, "wg0", Restricted)
	require.NoError(t, err)
	require.Len(t, restricted, 1)
	assert.Equal(t, "pk-b", restricted[0].ID)
	assert.Equal(t, "192.0.2.2:51820", restricted[0].Endpoint)

	require.NoError(t, s.CopyPeers(ctx, "wg0", Active, Deleted, []string{"pk-c"}))
	deleted, err := s.ListPeers(ctx, "wg0", Deleted)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	_, err = s.GetPeer(ctx, "wg0", Active, "pk-c")
	require.NoError(t, err)
}

func TestMoveMissingPeerRollsBack(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))
	p := testPeer("pk-a", "a", "10.0.0.2/32")
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &p))

	err := s.MovePeers(ctx, "wg0", Active, Restricted, []string{"pk-a", "pk-missing"})
	require.True(t, errors.Is(err, model.ErrNotFound))

	active, err := s.ListPeers(ctx, "wg0", Active)
	require.NoError(t, err)
	assert.Len(t, active, 1)
	restricted, err := s.ListPeers(ctx, "wg0", Restricted)
	require.NoError(t, err)
	assert.Empty(t, restricted)
}

func TestEvolveAddsMissingColumns(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.db.ExecContext(ctx, `CREATE TABLE "wg1" (id TEXT PRIMARY KEY, name TEXT NOT NULL DEFAULT '')`)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `INSERT INTO "wg1" (id, name) VALUES ('pk-old', 'legacy')`)
	require.NoError(t, err)

	require.NoError(t, s.EnsureTunnelTables(ctx, "wg1"))

	p, err := s.GetPeer(ctx, "wg1", Active, "pk-old")
	require.NoError(t, err)
	assert.Equal(t, "legacy", p.Name)
	assert.Equal(t, "htb", p.SchedulerType)
	assert.Equal(t, 0, p.MTU)
	assert.Equal(t, "", p.AllowedIP)

	// A second pass is a no-op.
	s.ensured.Delete("wg1")
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg1"))
}

func TestTransferHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var samples []model.TransferSample
	for i := 0; i < 6; i++ {
		samples = append(samples, model.TransferSample{
			PeerID:       "pk-a",
			TotalReceive: float64(i),
			TotalSent:    float64(i) * 2,
			Time:         base.Add(time.Duration(i) * 10 * time.Minute),
		})
	}
	samples = append(samples, model.TransferSample{PeerID: "pk-b", Time: base.Add(50 * time.Minute)})
	require.NoError(t, s.AppendTransfer(ctx, "wg0", samples))

	got, err := s.ListTransfer(ctx, "wg0", "pk-a", base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3.0, got[0].TotalReceive)
	assert.Equal(t, 9.0, got[0].TotalData)
	assert.True(t, got[0].Time.Equal(base.Add(30*time.Minute)))

	n, err := s.PruneTransfer(ctx, "wg0", base.Add(20*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	all, err := s.ListTransfer(ctx, "wg0", "", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))

	a := testPeer("pk-a", "a", "10.0.0.2/32")
	b := testPeer("pk-b", "b", "10.0.0.3/32")
	c := testPeer("pk-c", "c", "10.0.0.4/32")
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &a))
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Restricted, &b))
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Deleted, &c))
	require.NoError(t, s.AppendTransfer(ctx, "wg0", []model.TransferSample{
		{PeerID: "pk-a", TotalReceive: 1, Time: time.Now()},
	}))

	dump, err := s.ExportTunnel(ctx, "wg0")
	require.NoError(t, err)
	assert.Len(t, dump.Active, 1)
	assert.Len(t, dump.Restricted, 1)
	assert.Len(t, dump.Deleted, 1)
	assert.Len(t, dump.Transfer, 1)

	require.NoError(t, s.DeletePeer(ctx, "wg0", Active, "pk-a"))
	d := testPeer("pk-d", "d", "10.0.0.5/32")
	require.NoError(t, s.UpsertPeer(ctx, "wg0", Active, &d))

	require.NoError(t, s.ImportTunnel(ctx, "wg0", dump))
	after, err := s.ExportTunnel(ctx, "wg0")
	require.NoError(t, err)
	assert.Equal(t, dump.Active, after.Active)
	assert.Equal(t, dump.Restricted, after.Restricted)
	assert.Equal(t, dump.Deleted, after.Deleted)
	assert.Equal(t, dump.Transfer, after.Transfer)
}

func TestDropTunnelTables(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.EnsureTunnelTables(ctx, "wg0"))
	require.NoError(t, s.DropTunnelTables(ctx, "wg0"))
	_, err := s.ListPeers(ctx, "wg0", Active)
	assert.Error(t, err)
}

func TestJobs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	j := model.PeerJob{
		JobID: "job-1", Tunnel: "wg0", Peer: "pk-a",
		Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "4",
		Action: model.JobActionRestrict, CreationDate: created,
	}
	require.NoError(t, s.UpsertJob(ctx, &j))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, got.Active())
	assert.True(t, got.CreationDate.Equal(created))

	now := created.Add(time.Hour)
	got.ExpireDate = &now
	got.FailureCount = 2
	require.NoError(t, s.UpsertJob(ctx, got))
	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.ExpireDate)
	assert.True(t, got.ExpireDate.Equal(now))
	assert.Equal(t, 2, got.FailureCount)

	require.NoError(t, s.AppendJobLog(ctx, &model.JobLog{LogID: "l1", JobID: "job-1", At: now, Status: model.JobStatusSuccess, Message: "ok"}))
	logs, err := s.ListJobLogs(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "ok", logs[0].Message)

	live := model.PeerJob{JobID: "job-2", Tunnel: "wg0", Peer: "pk-b", Field: model.JobFieldDate,
		Operator: model.JobOpLgt, Value: "2026-02-01 00:00:00", Action: model.JobActionDelete, CreationDate: created}
	require.NoError(t, s.UpsertJob(ctx, &live))

	n, err := s.DeleteJobsCreatedBefore(ctx, created.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	jobs, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-2", jobs[0].JobID)

	require.NoError(t, s.DeleteJob(ctx, "job-2"))
	assert.True(t, errors.Is(s.DeleteJob(ctx, "job-2"), model.ErrNotFound))
}

func TestShareLinksAndAPIKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateShareLink(ctx, &model.ShareLink{ShareID: "s1", Tunnel: "wg0", Peer: "pk-a", SharedDate: now}))
	links, err := s.ListShareLinks(ctx, "wg0", "pk-a")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Nil(t, links[0].ExpireDate)

	exp := now.Add(time.Hour)
	require.NoError(t, s.UpdateShareLinkExpiry(ctx, "s1", &exp))
	l, err := s.GetShareLink(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, l.Valid(now.Add(2*time.Hour)))
	assert.True(t, errors.Is(s.UpdateShareLinkExpiry(ctx, "nope", nil), model.ErrNotFound))

	require.NoError(t, s.CreateAPIKey(ctx, &model.APIKey{Key: "k1", CreatedAt: now}))
	keys, err := s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.NoError(t, s.DeleteAPIKey(ctx, "k1"))
	assert.True(t, errors.Is(s.DeleteAPIKey(ctx, "k1"), model.ErrNotFound))
}

func TestDashboardLogAndRoutes(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendDashboardLog(ctx, &model.DashboardLog{
			LogID: id, At: base.Add(time.Duration(i) * time.Minute), URL: "/api/x", Status: "true",
		}))
	}
	logs, err := s.ListDashboardLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "c", logs[0].LogID)

	r := model.TLSPipeRoute{Tunnel: "wg0", TLSPort: 443, WGPort: 51820, PasswordEnc: "enc", Enabled: true}
	require.NoError(t, s.UpsertTLSPipeRoute(ctx, &r))
	r.TLSPort = 8443
	require.NoError(t, s.UpsertTLSPipeRoute(ctx, &r))
	routes, err := s.ListTLSPipeRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, 8443, routes[0].TLSPort)
	assert.True(t, routes[0].Enabled)

	require.NoError(t, s.DeleteTLSPipeRoute(ctx, "wg0"))
	routes, err = s.ListTLSPipeRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)
}
