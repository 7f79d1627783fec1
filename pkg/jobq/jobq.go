package jobq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/riverqueue/river/rivertype"
	"github.com/robfig/cron/v3"
)

var (
	ErrPoolRequired   = errors.New("jobq: pool is required")
	ErrJobNotFound    = errors.New("jobq: job not found")
	ErrJobStarted     = errors.New("jobq: job already started")
	ErrNotStarted     = errors.New("jobq: client not started")
	ErrAlreadyStarted = errors.New("jobq: client already started")
	ErrHealthcheck    = errors.New("jobq: healthcheck failed")
)

type periodic struct {
	schedule string
	args     func() river.JobArgs
}

type config struct {
	queue      string
	maxWorkers int
	workers    *river.Workers
	periodic   []periodic
	logger     *slog.Logger
}

type Option func(*config)

// WithQueue sets the queue jobs are inserted into and consumed from.
func WithQueue(name string) Option {
	return func(c *config) {
		if name != "" {
			c.queue = name
		}
	}
}

// WithWorkers turns the client into a consumer. Without it the client only inserts.
func WithWorkers(w *river.Workers, maxWorkers int) Option {
	return func(c *config) {
		c.workers = w
		c.maxWorkers = maxWorkers
	}
}

// WithPeriodic registers a cron-scheduled job. The worker for its kind must be registered too.
func WithPeriodic(schedule string, args func() river.JobArgs) Option {
	return func(c *config) {
		c.periodic = append(c.periodic, periodic{schedule: schedule, args: args})
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

type Client struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	queue  string
	logger *slog.Logger

	mu      sync.Mutex
	started bool
}

func New(pool *pgxpool.Pool, opts ...Option) (*Client, error) {
	if pool == nil {
		return nil, ErrPoolRequired
	}
	cfg := &config{queue: river.QueueDefault, maxWorkers: 1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	rc := &river.Config{Logger: cfg.logger}
	if cfg.workers != nil {
		rc.Workers = cfg.workers
		rc.Queues = map[string]river.QueueConfig{cfg.queue: {MaxWorkers: max(cfg.maxWorkers, 1)}}

		for _, p := range cfg.periodic {
			sched, err := ParseSchedule(p.schedule)
			if err != nil {
				return nil, fmt.Errorf("jobq: invalid cron schedule %q: %w", p.schedule, err)
			}
			queue, build := cfg.queue, p.args
			rc.PeriodicJobs = append(rc.PeriodicJobs, river.NewPeriodicJob(
				sched,
				func() (river.JobArgs, *river.InsertOpts) {
					return build(), &river.InsertOpts{Queue: queue}
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			))
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), rc)
	if err != nil {
		return nil, fmt.Errorf("jobq: create client: %w", err)
	}
	return &Client{pool: pool, client: client, queue: cfg.queue, logger: cfg.logger}, nil
}

// Enqueue inserts a job available immediately and returns its id.
func (c *Client) Enqueue(ctx context.Context, args river.JobArgs) (int64, error) {
	return c.insert(ctx, args, time.Time{})
}

// EnqueueAt inserts a job that becomes available at the given time.
func (c *Client) EnqueueAt(ctx context.Context, at time.Time, args river.JobArgs) (int64, error) {
	return c.insert(ctx, args, at)
}

func (c *Client) insert(ctx context.Context, args river.JobArgs, at time.Time) (int64, error) {
	res, err := c.client.Insert(ctx, args, &river.InsertOpts{Queue: c.queue, ScheduledAt: at})
	if err != nil {
		return 0, fmt.Errorf("jobq: insert %s: %w", args.Kind(), err)
	}
	return res.Job.ID, nil
}

// Cancel drops a job that has not started yet. A job that finished or vanished reports
// ErrJobNotFound; a running job is left alone and reports ErrJobStarted.
func (c *Client) Cancel(ctx context.Context, jobID int64) error {
	job, err := c.client.JobGet(ctx, jobID)
	if errors.Is(err, rivertype.ErrNotFound) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("jobq: get job %d: %w", jobID, err)
	}
	if err := cancellable(job.State); err != nil {
		return err
	}
	if _, err := c.client.JobCancel(ctx, jobID); err != nil {
		if errors.Is(err, rivertype.ErrNotFound) {
			return ErrJobNotFound
		}
		return fmt.Errorf("jobq: cancel job %d: %w", jobID, err)
	}
	return nil
}

func cancellable(state rivertype.JobState) error {
	switch state {
	case rivertype.JobStateAvailable, rivertype.JobStateScheduled,
		rivertype.JobStateRetryable, rivertype.JobStatePending:
		return nil
	case rivertype.JobStateRunning:
		return ErrJobStarted
	case rivertype.JobStateCancelled:
		return nil
	}
	// completed и discarded: задачи в очереди уже нет
	return ErrJobNotFound
}

func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("jobq: start: %w", err)
	}
	c.started = true
	return nil
}

// Stop waits for running jobs to finish or for ctx to expire.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return ErrNotStarted
	}
	if err := c.client.Stop(ctx); err != nil {
		return fmt.Errorf("jobq: stop: %w", err)
	}
	c.started = false
	return nil
}

func (c *Client) Healthcheck(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return errors.Join(ErrHealthcheck, err)
	}
	return nil
}

// Migrate creates or upgrades River's own tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	m, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("jobq: migrator: %w", err)
	}
	if _, err := m.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("jobq: migrate: %w", err)
	}
	return nil
}

type cronSchedule struct {
	s cron.Schedule
}

func (c cronSchedule) Next(t time.Time) time.Time { return c.s.Next(t) }

// ParseSchedule accepts standard five-field cron expressions.
func ParseSchedule(expr string) (river.PeriodicSchedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	s, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return cronSchedule{s: s}, nil
}
