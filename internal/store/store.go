// Package store persists peers, history and control-plane records behind one
// contract with an embedded (SQLite) and a client/server (PostgreSQL) back-end.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// TableKind selects one of a tunnel's tables.
type TableKind int

const (
	Active TableKind = iota
	Restricted
	Transfer
	Deleted
)

func (k TableKind) String() string {
	switch k {
	case Active:
		return "active"
	case Restricted:
		return "restricted"
	case Transfer:
		return "transfer"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// TableName returns the physical table name for tunnel.
func TableName(tunnel string, kind TableKind) string {
	switch kind {
	case Restricted:
		return tunnel + "_restrict_access"
	case Transfer:
		return tunnel + "_transfer"
	case Deleted:
		return tunnel + "_deleted"
	}
	return tunnel
}

func peerTable(tunnel string, kind TableKind) (string, error) {
	if !model.ValidTunnelName(tunnel) {
		return "", model.Invalid("store", "invalid tunnel name %q", tunnel)
	}
	if kind == Transfer {
		return "", model.Invalid("store", "transfer table holds samples, not peers")
	}
	return quoteIdent(TableName(tunnel, kind)), nil
}

// TunnelDump is a full export of one tunnel's tables.
type TunnelDump struct {
	Tunnel     string                 `json:"configuration"`
	ExportedAt time.Time              `json:"exported_at"`
	Active     []model.Peer           `json:"peers"`
	Restricted []model.Peer           `json:"restricted_peers"`
	Transfer   []model.TransferSample `json:"transfer"`
	Deleted    []model.Peer           `json:"deleted_peers"`
}

// PeerStore owns the per-tunnel tables.
type PeerStore interface {
	EnsureTunnelTables(ctx context.Context, tunnel string) error
	DropTunnelTables(ctx context.Context, tunnel string) error

	GetPeer(ctx context.Context, tunnel string, kind TableKind, id string) (*model.Peer, error)
	ListPeers(ctx context.Context, tunnel string, kind TableKind) ([]model.Peer, error)
	UpsertPeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error
	UpdatePeer(ctx context.Context, tunnel string, kind TableKind, p *model.Peer) error
	DeletePeer(ctx context.Context, tunnel string, kind TableKind, id string) error
	BulkUpsertPeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error
	BulkUpdatePeers(ctx context.Context, tunnel string, kind TableKind, peers []model.Peer) error
	MovePeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error
	CopyPeers(ctx context.Context, tunnel string, from, to TableKind, ids []string) error

	AppendTransfer(ctx context.Context, tunnel string, samples []model.TransferSample) error
	ListTransfer(ctx context.Context, tunnel, peerID string, since time.Time) ([]model.TransferSample, error)
	PruneTransfer(ctx context.Context, tunnel string, before time.Time) (int64, error)

	ExportTunnel(ctx context.Context, tunnel string) (*TunnelDump, error)
	ImportTunnel(ctx context.Context, tunnel string, dump *TunnelDump) error
}

// JobStore owns peer jobs and their log.
type JobStore interface {
	ListJobs(ctx context.Context) ([]model.PeerJob, error)
	GetJob(ctx context.Context, id string) (*model.PeerJob, error)
	UpsertJob(ctx context.Context, j *model.PeerJob) error
	DeleteJob(ctx context.Context, id string) error
	DeleteJobsCreatedBefore(ctx context.Context, before time.Time) (int64, error)
	AppendJobLog(ctx context.Context, l *model.JobLog) error
	ListJobLogs(ctx context.Context, jobID string) ([]model.JobLog, error)
}

// RecordStore owns the remaining global tables.
type RecordStore interface {
	CreateShareLink(ctx context.Context, l *model.ShareLink) error
	GetShareLink(ctx context.Context, id string) (*model.ShareLink, error)
	ListShareLinks(ctx context.Context, tunnel, peer string) ([]model.ShareLink, error)
	UpdateShareLinkExpiry(ctx context.Context, id string, expire *time.Time) error

	CreateAPIKey(ctx context.Context, k *model.APIKey) error
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	DeleteAPIKey(ctx context.Context, key string) error

	AppendDashboardLog(ctx context.Context, l *model.DashboardLog) error
	ListDashboardLogs(ctx context.Context, limit int) ([]model.DashboardLog, error)

	UpsertTLSPipeRoute(ctx context.Context, r *model.TLSPipeRoute) error
	ListTLSPipeRoutes(ctx context.Context) ([]model.TLSPipeRoute, error)
	DeleteTLSPipeRoute(ctx context.Context, tunnel string) error
}

// Store is the full peer store contract.
type Store interface {
	PeerStore
	JobStore
	RecordStore
	Ping(ctx context.Context) error
	Close() error
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %s: %w", what, id, model.ErrNotFound)
}
