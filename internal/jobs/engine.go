package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/logging"
	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/platform"
	"github.com/wiregate/wiregate/internal/store"
)

// maxFailures consecutive failures disable a job.
const maxFailures = 3

// firedPrefix starts every log line written for an action the engine took.
const firedPrefix = "Peer "

// PeerActions is the side of the tunnel manager the engine drives.
type PeerActions interface {
	FindPeer(ctx context.Context, tunnel, id string) (*model.Peer, bool, error)
	RestrictPeers(ctx context.Context, tunnel string, ids ...string) error
	AllowPeers(ctx context.Context, tunnel string, ids ...string) error
	DeletePeers(ctx context.Context, tunnel string, ids ...string) error
	SetRateLimit(ctx context.Context, tunnel, id string, uploadKbps, downloadKbps int, scheduler string) error
}

// EngineOptions wires an Engine.
type EngineOptions struct {
	Store    store.JobStore
	Peers    PeerActions
	Interval time.Duration
	Logger   zerolog.Logger
	Metrics  prometheus.Registerer
}

// Engine evaluates every active job once per interval.
type Engine struct {
	store    store.JobStore
	peers    PeerActions
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	fired    *prometheus.CounterVec
	disabled prometheus.Counter
}

func NewEngine(opts EngineOptions) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Minute
	}
	reg := opts.Metrics
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Engine{
		store:    opts.Store,
		peers:    opts.Peers,
		interval: opts.Interval,
		logger:   opts.Logger.With().Str("component", "job-engine").Logger(),
		now:      time.Now,
		fired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wiregate_jobs_fired_total",
			Help: "Job actions taken by action and result",
		}, []string{"action", "result"}),
		disabled: factory.NewCounter(prometheus.CounterOpts{
			Name: "wiregate_jobs_disabled_total",
			Help: "Jobs disabled after repeated failures",
		}),
	}
}

// RunLoop runs a cycle every interval until ctx is cancelled.
func (e *Engine) RunLoop(ctx context.Context) {
	e.logger.Info().Dur("interval", e.interval).Msg("starting job loop")
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("job loop stopped")
			return
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error().Err(err).Msg("job cycle failed, skipping")
			}
		}
	}
}

// RunOnce evaluates every active job. A job's failure never stops the
// others; only a failure to list the jobs is returned.
func (e *Engine) RunOnce(ctx context.Context) error {
	all, err := e.store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	now := e.now().UTC()
	var ran int
	for i := range all {
		j := &all[i]
		if !j.Active() {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ran++
		e.runJob(ctx, now, j)
	}
	e.logger.Debug().Int("jobs", ran).Msg("job cycle complete")
	return nil
}

// outcome is what one evaluation did.
type outcome struct {
	acted  bool
	err    error
	msg    string
	expire bool
}

func (e *Engine) runJob(ctx context.Context, now time.Time, j *model.PeerJob) {
	log := e.logger.With().Str("job", j.JobID).Str("tunnel", j.Tunnel).Str("peer", logging.TruncateKey(j.Peer)).Logger()

	peer, restricted, err := e.peers.FindPeer(ctx, j.Tunnel, j.Peer)
	if errors.Is(err, model.ErrNotFound) {
		log.Warn().Err(err).Msg("job target is gone, expiring job")
		e.finish(ctx, now, j, model.JobStatusFail, "Job expired: "+err.Error(), true)
		return
	}
	if err != nil {
		e.fail(ctx, now, j, log, fmt.Errorf("look up peer: %w", err))
		return
	}

	var out outcome
	if j.Field == model.JobFieldWeekly {
		out = e.runWeekly(ctx, now, j, restricted)
	} else {
		out = e.runCondition(ctx, now, j, peer, restricted)
	}

	switch {
	case out.err != nil:
		e.fired.WithLabelValues(j.Action, model.JobStatusFail).Inc()
		e.fail(ctx, now, j, log, out.err)
	case out.acted:
		e.fired.WithLabelValues(j.Action, model.JobStatusSuccess).Inc()
		log.Info().Str("action", j.Action).Msg(out.msg)
		j.FailureCount = 0
		e.finish(ctx, now, j, model.JobStatusSuccess, out.msg, out.expire)
	case j.FailureCount > 0:
		// The condition cleared after earlier failures: the streak is over.
		j.FailureCount = 0
		e.save(ctx, j, log)
	}
}

// runCondition handles data and date jobs. They expire once they fire.
func (e *Engine) runCondition(ctx context.Context, now time.Time, j *model.PeerJob, p *model.Peer, restricted bool) outcome {
	match, err := evaluate(now, j, p)
	if err != nil {
		return outcome{err: err}
	}
	if !match {
		return outcome{}
	}
	return e.act(ctx, j, j.Action, restricted, true)
}

// runWeekly handles both weekly forms. Weekly jobs recur and never expire.
func (e *Engine) runWeekly(ctx context.Context, now time.Time, j *model.PeerJob, restricted bool) outcome {
	w, err := parseWeekly(j.Value)
	if err != nil {
		return outcome{err: err}
	}

	if w.once == nil {
		inside := w.inWindow(now)
		switch {
		case inside && !restricted:
			return e.act(ctx, j, model.JobActionRestrict, restricted, false)
		case !inside && restricted:
			return e.act(ctx, j, model.JobActionAllow, restricted, false)
		}
		return outcome{}
	}

	at := w.once.instant(now)
	if now.Before(at) {
		return outcome{}
	}
	done, err := e.firedSince(ctx, j.JobID, weekStart(now))
	if err != nil {
		return outcome{err: err}
	}
	if done {
		return outcome{}
	}
	return e.act(ctx, j, j.Action, restricted, false)
}

// act performs action on the job's peer. A peer already in the target
// state counts as success with no side effect.
func (e *Engine) act(ctx context.Context, j *model.PeerJob, action string, restricted, expire bool) outcome {
	what := map[string]string{
		model.JobActionRestrict:  "restricted",
		model.JobActionAllow:     "allowed",
		model.JobActionDelete:    "deleted",
		model.JobActionRateLimit: "rate limited",
	}[action]
	msg := fmt.Sprintf("%s%s from %s is successfully %s.", firedPrefix, j.Peer, j.Tunnel, what)

	var err error
	switch action {
	case model.JobActionRestrict:
		if restricted {
			return outcome{acted: true, expire: expire, msg: msg + " (already restricted)"}
		}
		err = e.peers.RestrictPeers(ctx, j.Tunnel, j.Peer)
	case model.JobActionAllow:
		if !restricted {
			return outcome{acted: true, expire: expire, msg: msg + " (already allowed)"}
		}
		err = e.peers.AllowPeers(ctx, j.Tunnel, j.Peer)
	case model.JobActionDelete:
		err = e.peers.DeletePeers(ctx, j.Tunnel, j.Peer)
	case model.JobActionRateLimit:
		rl, perr := parseRateLimit(j.Value)
		if perr != nil {
			return outcome{err: perr}
		}
		err = e.peers.SetRateLimit(ctx, j.Tunnel, j.Peer, rl.UploadRate, rl.DownloadRate, rl.Scheduler)
	default:
		err = fmt.Errorf("unknown action %q", action)
	}
	if err != nil {
		return outcome{err: fmt.Errorf("%s peer: %w", action, err)}
	}
	return outcome{acted: true, expire: expire, msg: msg}
}

// firedSince reports whether the job logged a successful action at or after t.
func (e *Engine) firedSince(ctx context.Context, jobID string, t time.Time) (bool, error) {
	logs, err := e.store.ListJobLogs(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("list job logs: %w", err)
	}
	for _, l := range logs {
		if l.Status == model.JobStatusSuccess && strings.HasPrefix(l.Message, firedPrefix) && !l.At.Before(t) {
			return true, nil
		}
	}
	return false, nil
}

// fail records a failed attempt and disables the job on the third in a row.
func (e *Engine) fail(ctx context.Context, now time.Time, j *model.PeerJob, log zerolog.Logger, cause error) {
	j.FailureCount++
	msg := fmt.Sprintf("%s%s from %s failed %s: %v", firedPrefix, j.Peer, j.Tunnel, j.Action, cause)
	if j.FailureCount >= maxFailures {
		j.Disabled = true
		e.disabled.Inc()
		log.Error().Err(cause).Int("failures", j.FailureCount).Msg("job disabled after repeated failures, needs manual review")
		msg = fmt.Sprintf("Job disabled after %d consecutive failures: %v", j.FailureCount, cause)
	} else {
		log.Warn().Err(cause).Int("failures", j.FailureCount).Msg("job action failed, will retry")
	}
	e.finish(ctx, now, j, model.JobStatusFail, msg, false)
}

// finish writes the log line and persists the job, expiring it if asked.
func (e *Engine) finish(ctx context.Context, now time.Time, j *model.PeerJob, status, msg string, expire bool) {
	if err := e.store.AppendJobLog(ctx, &model.JobLog{
		LogID:   platform.NewID(),
		JobID:   j.JobID,
		At:      now,
		Status:  status,
		Message: msg,
	}); err != nil {
		e.logger.Warn().Err(err).Str("job", j.JobID).Msg("failed to append job log")
	}
	if expire {
		at := now
		j.ExpireDate = &at
	}
	e.save(ctx, j, e.logger)
}

func (e *Engine) save(ctx context.Context, j *model.PeerJob, log zerolog.Logger) {
	if err := e.store.UpsertJob(ctx, j); err != nil {
		log.Error().Err(err).Str("job", j.JobID).Msg("failed to persist job state")
	}
}

