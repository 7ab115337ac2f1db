// Package jobs stores peer jobs and runs the engine that evaluates them
// against peer counters and the clock.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
	"github.com/wiregate/wiregate/internal/platform"
	"github.com/wiregate/wiregate/internal/store"
)

var validate = validator.New()

func init() {
	validate.RegisterValidation("tunnelname", func(fl validator.FieldLevel) bool {
		return model.ValidTunnelName(fl.Field().String())
	})
}

// JobInput creates or replaces a job. An empty JobID creates a new one.
type JobInput struct {
	JobID    string `json:"JobID" validate:"omitempty,uuid"`
	Tunnel   string `json:"Configuration" validate:"required,tunnelname"`
	Peer     string `json:"Peer" validate:"required,max=64"`
	Field    string `json:"Field" validate:"required,oneof=total_receive total_sent total_data date weekly"`
	Operator string `json:"Operator" validate:"required,oneof=eq neq lgt lst"`
	Value    string `json:"Value" validate:"required,max=512"`
	Action   string `json:"Action" validate:"required,oneof=restrict delete allow rate_limit"`
}

// check runs the value rules the tags cannot express.
func (in *JobInput) check() error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.Invalid("validate job", "%v", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s fails %s", fe.Field(), fe.Tag()))
		}
		return model.Invalid("validate job", "%s", strings.Join(msgs, "; "))
	}

	if in.Field == model.JobFieldWeekly {
		if in.Action == model.JobActionRateLimit {
			return model.Invalid("validate job", "weekly jobs cannot rate limit")
		}
		if _, err := parseWeekly(in.Value); err != nil {
			return model.Invalid("validate job", "%v", err)
		}
		return nil
	}

	// Evaluate against a zero peer to surface parse errors in the value.
	j := in.job()
	if _, err := evaluate(time.Now(), j, &model.Peer{}); err != nil {
		return model.Invalid("validate job", "%v", err)
	}
	return nil
}

func (in *JobInput) job() *model.PeerJob {
	return &model.PeerJob{
		JobID:    in.JobID,
		Tunnel:   in.Tunnel,
		Peer:     in.Peer,
		Field:    in.Field,
		Operator: in.Operator,
		Value:    in.Value,
		Action:   in.Action,
	}
}

// Service manages job records and their audit log.
type Service struct {
	store  store.JobStore
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(s store.JobStore, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		logger: logger.With().Str("component", "jobs").Logger(),
		now:    time.Now,
	}
}

// Save creates a job or replaces an existing one. Replacing a job makes it
// active again: the expiry, failure count and disabled flag are cleared.
func (s *Service) Save(ctx context.Context, in JobInput) (*model.PeerJob, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	j := in.job()
	verb := "updated"
	if j.JobID == "" {
		j.JobID = platform.NewID()
		j.CreationDate = now
		verb = "created"
	} else {
		prev, err := s.store.GetJob(ctx, j.JobID)
		switch {
		case err == nil:
			j.CreationDate = prev.CreationDate
		case errors.Is(err, model.ErrNotFound):
			j.CreationDate = now
			verb = "created"
		default:
			return nil, err
		}
	}

	if err := s.store.UpsertJob(ctx, j); err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}
	msg := fmt.Sprintf("Job %s: if %s %s %s then %s", verb, j.Field, j.Operator, j.Value, j.Action)
	if err := s.appendLog(ctx, j.JobID, model.JobStatusSuccess, msg); err != nil {
		s.logger.Warn().Err(err).Str("job", j.JobID).Msg("failed to log job save")
	}
	s.logger.Info().Str("job", j.JobID).Str("tunnel", j.Tunnel).Str("action", j.Action).Msg("job " + verb)
	return j, nil
}

func (s *Service) Get(ctx context.Context, id string) (*model.PeerJob, error) {
	return s.store.GetJob(ctx, id)
}

// Delete removes a job after logging the deletion.
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	if err := s.appendLog(ctx, id, model.JobStatusSuccess, "Job deleted by user"); err != nil {
		s.logger.Warn().Err(err).Str("job", id).Msg("failed to log job deletion")
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

// List returns the jobs of one tunnel, or of all tunnels when tunnel is empty.
func (s *Service) List(ctx context.Context, tunnel string) ([]model.PeerJob, error) {
	all, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	if tunnel == "" {
		return all, nil
	}
	var out []model.PeerJob
	for _, j := range all {
		if j.Tunnel == tunnel {
			out = append(out, j)
		}
	}
	return out, nil
}

// Logs returns the audit log of one job, or of every job when jobID is empty.
func (s *Service) Logs(ctx context.Context, jobID string) ([]model.JobLog, error) {
	return s.store.ListJobLogs(ctx, jobID)
}

// Cleanup deletes expired jobs created more than maxAge ago.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, model.Invalid("cleanup jobs", "max age must be positive")
	}
	n, err := s.store.DeleteJobsCreatedBefore(ctx, s.now().UTC().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Dur("max_age", maxAge).Msg("expired jobs removed")
	}
	return n, nil
}

func (s *Service) Stats(ctx context.Context) (*model.JobStats, error) {
	all, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	st := &model.JobStats{
		Total:           len(all),
		ByField:         map[string]int{},
		ByAction:        map[string]int{},
		ByConfiguration: map[string]int{},
	}
	for i := range all {
		j := &all[i]
		if j.Active() {
			st.Active++
		}
		if j.Disabled {
			st.Disabled++
		}
		if j.ExpireDate != nil {
			st.Expired++
		}
		st.ByField[j.Field]++
		st.ByAction[j.Action]++
		st.ByConfiguration[j.Tunnel]++
	}
	return st, nil
}

func (s *Service) appendLog(ctx context.Context, jobID, status, msg string) error {
	return s.store.AppendJobLog(ctx, &model.JobLog{
		LogID:   platform.NewID(),
		JobID:   jobID,
		At:      s.now().UTC(),
		Status:  status,
		Message: msg,
	})
}
