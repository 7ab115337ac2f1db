package jobs

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestSaveValidates(t *testing.T) {
	h := newHarness(t, openStore(t), newFakePeers(), monday)
	valid := JobInput{Tunnel: "wg0", Peer: "peerA", Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "4", Action: model.JobActionRestrict}

	tests := []struct {
		name   string
		mutate func(*JobInput)
		want   string
	}{
		{"unknown field", func(in *JobInput) { in.Field = "latency" }, "Field fails oneof"},
		{"unknown operator", func(in *JobInput) { in.Operator = "gt" }, "Operator fails oneof"},
		{"unknown action", func(in *JobInput) { in.Action = "reboot" }, "Action fails oneof"},
		{"bad tunnel", func(in *JobInput) { in.Tunnel = "wg0; rm" }, "Tunnel fails tunnelname"},
		{"bad job id", func(in *JobInput) { in.JobID = "7" }, "JobID fails uuid"},
		{"non numeric amount", func(in *JobInput) { in.Value = "lots" }, "parse threshold"},
		{"bad date", func(in *JobInput) { in.Field, in.Value = model.JobFieldDate, "19/10/2026" }, "parse date"},
		{"bad weekly", func(in *JobInput) { in.Field, in.Value = model.JobFieldWeekly, "8 10:00" }, "weekday must be 1-7"},
		{"weekly rate limit", func(in *JobInput) {
			in.Field, in.Value, in.Action = model.JobFieldWeekly, "1 10:00", model.JobActionRateLimit
		}, "cannot rate limit"},
		{"rate limit without json", func(in *JobInput) { in.Action = model.JobActionRateLimit }, "parse rate limit value"},
		{"rate limit bad scheduler", func(in *JobInput) {
			in.Action, in.Value = model.JobActionRateLimit, `{"threshold": 1, "upload_rate": 10, "scheduler_type": "fq"}`
		}, "unknown scheduler"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)
			_, err := h.svc.Save(context.Background(), in)
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := h.svc.Save(context.Background(), valid)
	assert.NoError(t, err)
}

func TestSaveCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openStore(t), newFakePeers(), monday)

	j := h.save(t, JobInput{Peer: "peerA", Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "4", Action: model.JobActionRestrict})
	_, err := uuid.Parse(j.JobID)
	require.NoError(t, err)
	assert.Equal(t, monday, j.CreationDate)

	// Expire and disable it, then edit it back to life.
	stored := h.job(t, j.JobID)
	at := monday
	stored.ExpireDate, stored.FailureCount, stored.Disabled = &at, 3, true
	require.NoError(t, h.store.UpsertJob(ctx, stored))

	h.clock = monday.Add(time.Hour)
	updated := h.save(t, JobInput{JobID: j.JobID, Peer: "peerA", Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "8", Action: model.JobActionRestrict})
	assert.Equal(t, monday, updated.CreationDate)

	got := h.job(t, j.JobID)
	assert.True(t, got.Active())
	assert.Zero(t, got.FailureCount)
	assert.Equal(t, "8", got.Value)

	logs, err := h.svc.Logs(ctx, j.JobID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, strings.HasPrefix(logs[0].Message, "Job created: if total_data lgt 4 then restrict"))
	assert.True(t, strings.HasPrefix(logs[1].Message, "Job updated:"))
}

func TestDeleteLogsAndRemoves(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openStore(t), newFakePeers(), monday)
	j := h.save(t, JobInput{Peer: "peerA", Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "4", Action: model.JobActionRestrict})

	require.NoError(t, h.svc.Delete(ctx, j.JobID))
	_, err := h.svc.Get(ctx, j.JobID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Equal(t, "Job deleted by user", h.lastLog(t, j.JobID).Message)

	assert.ErrorIs(t, h.svc.Delete(ctx, j.JobID), model.ErrNotFound)
}

func TestListCleanupAndStats(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, openStore(t), newFakePeers(), monday.AddDate(0, 0, -40))

	old := h.save(t, JobInput{Peer: "peerA", Field: model.JobFieldTotalData, Operator: model.JobOpLgt, Value: "4", Action: model.JobActionRestrict})
	oldActive := h.save(t, JobInput{Tunnel: "wg1", Peer: "peerB", Field: model.JobFieldDate, Operator: model.JobOpLgt, Value: "2027-01-01 00:00:00", Action: model.JobActionDelete})
	h.clock = monday
	recent := h.save(t, JobInput{Peer: "peerC", Field: model.JobFieldTotalSent, Operator: model.JobOpLgt, Value: "1", Action: model.JobActionRestrict})

	expired := h.job(t, old.JobID)
	at := monday.AddDate(0, 0, -39)
	expired.ExpireDate = &at
	require.NoError(t, h.store.UpsertJob(ctx, expired))
	disabled := h.job(t, recent.JobID)
	disabled.Disabled = true
	require.NoError(t, h.store.UpsertJob(ctx, disabled))

	wg0, err := h.svc.List(ctx, "wg0")
	require.NoError(t, err)
	assert.Len(t, wg0, 2)

	st, err := h.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Expired)
	assert.Equal(t, 1, st.Disabled)
	assert.Equal(t, map[string]int{"wg0": 2, "wg1": 1}, st.ByConfiguration)
	assert.Equal(t, 2, st.ByAction[model.JobActionRestrict])
	assert.Equal(t, 1, st.ByField[model.JobFieldDate])

	_, err = h.svc.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	n, err := h.svc.Cleanup(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	all, err := h.svc.List(ctx, "")
	require.NoError(t, err)
	ids := []string{all[0].JobID, all[1].JobID}
	assert.ElementsMatch(t, []string{oldActive.JobID, recent.JobID}, ids)
}
