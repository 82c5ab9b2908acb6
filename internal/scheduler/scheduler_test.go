package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/obgateway/internal/clock"
	consentdomain "github.com/smallbiznis/obgateway/internal/consent/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type consentsStub struct {
	consentdomain.Service
	batches []int
	calls   int
	err     error
}

func (c *consentsStub) ExpireDue(ctx context.Context, limit int) (int, error) {
	c.calls++
	if c.err != nil {
		return 0, c.err
	}
	if len(c.batches) == 0 {
		return 0, nil
	}
	n := c.batches[0]
	c.batches = c.batches[1:]
	return n, nil
}

type purgeStub struct {
	batches   []int64
	calls     int
	retention time.Duration
}

func (p *purgeStub) next(retention time.Duration) (int64, error) {
	p.calls++
	p.retention = retention
	if len(p.batches) == 0 {
		return 0, nil
	}
	n := p.batches[0]
	p.batches = p.batches[1:]
	return n, nil
}

func (p *purgeStub) PurgeExpired(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return p.next(retention)
}

func (p *purgeStub) PruneLogs(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	return p.next(retention)
}

func newTestScheduler(t *testing.T, cfg Config, consents *consentsStub, tokens, logs *purgeStub) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(9)
	require.NoError(t, err)

	sched, err := New(Params{
		Log:      zaptest.NewLogger(t),
		GenID:    node,
		Clock:    clock.NewFakeClock(time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)),
		Consents: consents,
		Tokens:   tokens,
		Logs:     logs,
		Config:   cfg,
	})
	require.NoError(t, err)
	return sched
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{Log: zaptest.NewLogger(t)})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnceDrainsFullBatches(t *testing.T) {
	consents := &consentsStub{batches: []int{2, 2, 1}}
	tokens := &purgeStub{batches: []int64{2, 0}}
	logs := &purgeStub{batches: []int64{1}}
	sched := newTestScheduler(t, Config{BatchSize: 2, TokenRetention: time.Hour, RequestLogRetention: 48 * time.Hour}, consents, tokens, logs)

	require.NoError(t, sched.RunOnce(context.Background()))

	assert.Equal(t, 3, consents.calls)
	assert.Equal(t, 2, tokens.calls)
	assert.Equal(t, time.Hour, tokens.retention)
	assert.Equal(t, 1, logs.calls)
	assert.Equal(t, 48*time.Hour, logs.retention)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	boom := errors.New("db down")
	consents := &consentsStub{err: boom}
	tokens := &purgeStub{}
	logs := &purgeStub{}
	sched := newTestScheduler(t, Config{}, consents, tokens, logs)

	err := sched.RunOnce(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), JobExpireConsents)

	// later jobs still ran
	assert.Equal(t, 1, tokens.calls)
	assert.Equal(t, 1, logs.calls)
}

func TestRunOnceHonorsEnabledJobs(t *testing.T) {
	consents := &consentsStub{}
	tokens := &purgeStub{}
	logs := &purgeStub{}
	sched := newTestScheduler(t, Config{EnabledJobs: []string{" Purge_Tokens "}}, consents, tokens, logs)

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Zero(t, consents.calls)
	assert.Equal(t, 1, tokens.calls)
	assert.Zero(t, logs.calls)
}

func TestDefaultsFillZeroConfig(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 200, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenRetention)
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	sched := newTestScheduler(t, Config{JobTimeout: 5 * time.Millisecond}, &consentsStub{}, &purgeStub{}, &purgeStub{})

	err := sched.runJob(context.Background(), "timeout_job", func(ctx context.Context, run *jobRun) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
}
