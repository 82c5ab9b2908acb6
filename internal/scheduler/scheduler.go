package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/clock"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	obsmetrics "github.com/smallbiznis/obgateway/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireConsents   = "expire_consents"
	JobPurgeTokens      = "purge_tokens"
	JobPruneRequestLogs = "prune_request_logs"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// TokenPurger deletes tokens that have been expired for longer than
// retention.
type TokenPurger interface {
	PurgeExpired(ctx context.Context, retention time.Duration, limit int) (int64, error)
}

// RequestLogPruner deletes request log rows older than retention.
type RequestLogPruner interface {
	PruneLogs(ctx context.Context, retention time.Duration, limit int) (int64, error)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Consents consentdomain.Service
	Tokens   TokenPurger
	Logs     RequestLogPruner
	Metrics  *obsmetrics.Metrics `optional:"true"`
	Config   Config              `optional:"true"`
}

// Scheduler runs the gateway's periodic maintenance: closing consents
// whose window has passed and trimming tables that only grow.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	consents consentdomain.Service
	tokens   TokenPurger
	logs     RequestLogPruner
	metrics  *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Consents == nil || p.Tokens == nil || p.Logs == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		consents: p.Consents,
		tokens:   p.Tokens,
		logs:     p.Logs,
		metrics:  p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context, run *jobRun) error) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	run := s.newJobRun(name)
	s.logJobStart(ctx, run)

	err := fn(ctx, run)
	s.logJobFinish(ctx, run, err)

	duration := s.clock.Now().Sub(run.startedAt)
	if err == nil {
		s.metrics.RecordSchedulerJob(ctx, name, "ok", run.processedCount, duration)
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) {
		s.metrics.RecordSchedulerJob(ctx, name, "timeout", run.processedCount, duration)
		return nil
	}
	s.metrics.RecordSchedulerJob(ctx, name, "error", run.processedCount, duration)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job once. Job failures are joined so one
// failing job does not starve the others.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context, *jobRun) error
	}{
		{JobExpireConsents, s.ExpireConsentsJob},
		{JobPurgeTokens, s.PurgeTokensJob},
		{JobPruneRequestLogs, s.PruneRequestLogsJob},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(ctx, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

// ExpireConsentsJob moves authorized consents past valid_until to EXPIRED
// in batches until none remain or the job deadline passes.
func (s *Scheduler) ExpireConsentsJob(ctx context.Context, run *jobRun) error {
	for {
		n, err := s.consents.ExpireDue(ctx, s.cfg.BatchSize)
		run.AddProcessed(int64(n))
		if err != nil {
			return err
		}
		if n < s.cfg.BatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Scheduler) PurgeTokensJob(ctx context.Context, run *jobRun) error {
	return s.drain(ctx, run, func(ctx context.Context) (int64, error) {
		return s.tokens.PurgeExpired(ctx, s.cfg.TokenRetention, s.cfg.BatchSize)
	})
}

func (s *Scheduler) PruneRequestLogsJob(ctx context.Context, run *jobRun) error {
	return s.drain(ctx, run, func(ctx context.Context) (int64, error) {
		return s.logs.PruneLogs(ctx, s.cfg.RequestLogRetention, s.cfg.BatchSize)
	})
}

func (s *Scheduler) drain(ctx context.Context, run *jobRun, batch func(context.Context) (int64, error)) error {
	for {
		n, err := batch(ctx)
		run.AddProcessed(n)
		if err != nil {
			return err
		}
		if n < int64(s.cfg.BatchSize) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}
