package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/executor/executortest"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/store"
	"github.com/wiregate/wiregate/internal/tunnel"
	"github.com/wiregate/wiregate/internal/wgconf"
)

type env struct {
	mgr    *tunnel.Manager
	store  *store.SQLStore
	runner *executortest.Runner
}

func newEnv(t *testing.T, tunnels ...string) *env {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	for i, name := range tunnels {
		kp, err := wgconf.GenerateKeyPair()
		require.NoError(t, err)
		body := fmt.Sprintf("[Interface]\nPrivateKey = %s\nAddress = 10.%d.0.1/24\nListenPort = %d\n", kp.PrivateKey, i, 51820+i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+".conf"), []byte(body), 0o600))
	}

	s, err := store.OpenSQLite(ctx, store.MemoryPath, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := executortest.New()
	mgr := tunnel.NewManager(tunnel.Options{
		WGConfPath: dir,
		Defaults:   model.PeerDefaults{DNS: "1.1.1.1", MTU: 1420},
		Store:      s,
		Runner:     r,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, mgr.Load(ctx))
	return &env{mgr: mgr, store: s, runner: r}
}

func (e *env) poller(t *testing.T, reader KernelReader, series *RealtimeSeries) (*Poller, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	opts := PollerOptions{
		Registry: e.mgr,
		Reader:   reader,
		Series:   series,
		Interval: 20 * time.Millisecond,
		Logger:   zerolog.Nop(),
		Metrics:  reg,
	}
	if series != nil {
		opts.Counters = NewCLIReader(e.runner)
	}
	return NewPoller(opts), reg
}

func TestTickFoldsKernelState(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "wg0")
	ctl, err := e.mgr.Get("wg0")
	require.NoError(t, err)
	added, err := ctl.AddPeers(ctx, []tunnel.NewPeer{{Name: "A"}})
	require.NoError(t, err)
	id := added[0].ID

	epoch := time.Now().Unix() - 30
	e.runner.On("wg", "show", "wg0", "latest-handshakes").Stdout = fmt.Sprintf("%s\t%d\n", id, epoch)
	e.runner.On("wg", "show", "wg0", "transfer").Stdout = fmt.Sprintf("%s\t%d\t%d\n", id, int64(gib), int64(2*gib))
	e.runner.On("wg", "show", "wg0", "endpoints").Stdout = id + "\t198.51.100.1:60000\n"
	e.runner.On("ip", "-s", "-j", "link", "show", "wg0").Stdout = `[{"stats64":{"rx":{"bytes":100},"tx":{"bytes":200}}}]`

	series := NewRealtimeSeries(0)
	p, _ := e.poller(t, NewCLIReader(e.runner), series)
	require.NoError(t, p.Tick(ctx))

	got, err := e.store.GetPeer(ctx, "wg0", store.Active, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, 1.0, got.TotalReceive)
	assert.Equal(t, 2.0, got.TotalSent)
	assert.Equal(t, "198.51.100.1:60000", got.Endpoint)
	assert.True(t, strings.HasPrefix(got.LatestHandshake, "0:00:"))

	hist, err := e.store.ListTransfer(ctx, "wg0", id, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// Interface restart: counters drop, the session is folded.
	e.runner.On("wg", "show", "wg0", "transfer").Stdout = fmt.Sprintf("%s\t%d\t%d\n", id, int64(gib/10), int64(gib/5))
	require.NoError(t, p.Tick(ctx))
	got, err = e.store.GetPeer(ctx, "wg0", store.Active, id)
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.CumuReceive)
	assert.Equal(t, 2.0, got.CumuSent)
	assert.InDelta(t, 2.3, got.LifetimeData(), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.folded))
}

func TestTickSkipsDownTunnels(t *testing.T) {
	e := newEnv(t, "wg0")
	e.runner.Fail(`Device "wg0" does not exist.`, "ip", "link", "show", "wg0")

	p, _ := e.poller(t, NewCLIReader(e.runner), nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Empty(t, e.runner.CallsTo("wg"))
}

func TestStalledReadDoesNotBlockOtherTunnels(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, "wg0", "wg1")
	e.runner.On("wg", "show", "wg0").Delay = time.Second

	p, _ := e.poller(t, NewCLIReader(e.runner), nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Tick(ctx)
	}()

	// Let the tick reach the stalled read.
	require.Eventually(t, func() bool {
		return len(e.runner.CallsTo("wg", "show", "wg0")) > 0
	}, time.Second, 5*time.Millisecond)

	ctl, err := e.mgr.Get("wg1")
	require.NoError(t, err)
	start := time.Now()
	_, err = ctl.AddPeers(ctx, []tunnel.NewPeer{{Name: "B"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	ctl0, err := e.mgr.Get("wg0")
	require.NoError(t, err)
	start = time.Now()
	_, err = ctl0.AddPeers(ctx, []tunnel.NewPeer{{Name: "A"}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "the kernel read holds no tunnel mutex")

	<-done
}

type blockingReader struct {
	release chan struct{}
}

func (b *blockingReader) Read(ctx context.Context, tunnel, _ string) (*KernelSnapshot, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return newSnapshot(tunnel, time.Now()), nil
}

func TestRunLoopSkipsOverlappingTicks(t *testing.T) {
	e := newEnv(t, "wg0")
	reader := &blockingReader{release: make(chan struct{})}
	p, _ := e.poller(t, reader, nil)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.RunLoop(ctx)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(p.skipped) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	close(reader.release)
	cancel()
	<-stopped
	assert.False(t, p.inFlight.Load())
}

type pruneRecorder struct {
	tunnels []string
	before  time.Time
}

func (r *pruneRecorder) PruneTransfer(_ context.Context, tunnel string, before time.Time) (int64, error) {
	r.tunnels = append(r.tunnels, tunnel)
	r.before = before
	return 3, nil
}

func TestHistoryPruner(t *testing.T) {
	e := newEnv(t, "wg0", "wg1")
	rec := &pruneRecorder{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	h := NewHistoryPruner(e.mgr, rec, 24*time.Hour, zerolog.Nop())
	h.now = func() time.Time { return now }
	assert.Equal(t, int64(6), h.PruneOnce(context.Background()))
	assert.Equal(t, []string{"wg0", "wg1"}, rec.tunnels)
	assert.Equal(t, now.Add(-24*time.Hour), rec.before)

	short := NewHistoryPruner(e.mgr, rec, time.Minute, zerolog.Nop())
	assert.Equal(t, DefaultWindow, short.retention)
}
