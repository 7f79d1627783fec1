package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/riverqueue/river"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/pkg/jobq"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/metrics"
)

type Store interface {
	CreateCampaign(ctx context.Context, content campaign.Content, owner *int64, leads []campaign.Lead) (int64, error)
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	MarkSubmitted(ctx context.Context, id int64, to campaign.Status, jobID int64, scheduledAt *time.Time) error
	MarkQueueError(ctx context.Context, id int64, reason string) error
	CancelScheduled(ctx context.Context, id int64, to campaign.Status) error
	RescheduleNow(ctx context.Context, id, newJobID int64) error
}

// Queue is the subset of jobq.Client the dispatcher needs.
type Queue interface {
	Enqueue(ctx context.Context, args river.JobArgs) (int64, error)
	EnqueueAt(ctx context.Context, at time.Time, args river.JobArgs) (int64, error)
	Cancel(ctx context.Context, jobID int64) error
}

type Dispatcher struct {
	store    Store
	queue    Queue
	events   campaign.EventSink
	validate *validator.Validate
	now      func() time.Time
}

type Option func(*Dispatcher)

func WithEvents(s campaign.EventSink) Option {
	return func(d *Dispatcher) {
		if s != nil {
			d.events = s
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(st Store, q Queue, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		queue:    q,
		events:   campaign.NopSink{},
		validate: validator.New(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type SubmitRequest struct {
	Content    campaign.Content
	ScheduleAt *time.Time
	Owner      *int64
	Leads      []campaign.Lead
}

type Result struct {
	CampaignID int64
	Status     campaign.Status
	JobID      *int64
	// Warning is set when the operation succeeded in a degraded way.
	Warning string
}

func (d *Dispatcher) validateContent(c campaign.Content) error {
	err := d.validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &campaign.ValidationError{Field: fe.Field(), Reason: "failed on " + fe.Tag()}
	}
	return &campaign.ValidationError{Reason: err.Error()}
}

// Submit persists the campaign with its ledger and hands it to the queue. A schedule time that is
// not in the future means send now. When the queue refuses the job the campaign ends in queue_error
// and the returned error wraps campaign.ErrQueueUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if err := d.validateContent(req.Content); err != nil {
		return Result{}, err
	}
	recipients, dropped := usableLeads(req.Leads)
	if len(recipients) == 0 {
		return Result{}, &campaign.ValidationError{Field: "recipients", Reason: "at least one recipient with a name and an email is required"}
	}

	id, err := d.store.CreateCampaign(ctx, req.Content, req.Owner, recipients)
	if err != nil {
		return Result{}, err
	}
	log := logx.L().With("campaign_id", id)
	if dropped > 0 {
		log.Warnw("blank_leads_dropped", "dropped", dropped)
	}

	var (
		jobID    int64
		to       = campaign.StatusQueued
		schedule *time.Time
	)
	if req.ScheduleAt != nil && req.ScheduleAt.After(d.now()) {
		at := req.ScheduleAt.UTC()
		to, schedule = campaign.StatusScheduled, &at
		jobID, err = d.queue.EnqueueAt(ctx, at, campaign.SendJob{CampaignID: id})
	} else {
		jobID, err = d.queue.Enqueue(ctx, campaign.SendJob{CampaignID: id})
	}
	if err != nil {
		metrics.QueueOperations.WithLabelValues("enqueue", "error").Inc()
		log.Errorw("enqueue_error", "error", err)
		return d.queueFailed(ctx, id, err)
	}
	metrics.QueueOperations.WithLabelValues("enqueue", "ok").Inc()

	if err := d.store.MarkSubmitted(ctx, id, to, jobID, schedule); err != nil {
		// задача уже в очереди: снимаем её, иначе воркер найдёт черновик
		log.Errorw("mark_submitted_error", "job_id", jobID, "error", err)
		if cerr := d.queue.Cancel(ctx, jobID); cerr != nil {
			log.Warnw("orphan_job_cancel_error", "job_id", jobID, "error", cerr)
		}
		return d.queueFailed(ctx, id, err)
	}

	metrics.CampaignsSubmitted.WithLabelValues(string(to)).Inc()
	log.Infow("campaign_submitted", "status", to, "job_id", jobID, "recipients", len(recipients))
	d.events.Emit(ctx, campaign.StatusEvent(id, to, ""))
	return Result{CampaignID: id, Status: to, JobID: &jobID}, nil
}

// usableLeads trims every lead and drops the ones without a name or an email.
func usableLeads(in []campaign.Lead) ([]campaign.Lead, int) {
	out := make([]campaign.Lead, 0, len(in))
	for _, l := range in {
		l.Name, l.Email = strings.TrimSpace(l.Name), strings.TrimSpace(l.Email)
		if l.Name == "" || l.Email == "" {
			continue
		}
		out = append(out, l)
	}
	return out, len(in) - len(out)
}

func (d *Dispatcher) queueFailed(ctx context.Context, id int64, cause error) (Result, error) {
	res := Result{CampaignID: id, Status: campaign.StatusQueueError}
	qerr := &campaign.CollaboratorError{Collaborator: "queue", Err: fmt.Errorf("%w: %v", campaign.ErrQueueUnavailable, cause)}
	if err := d.store.MarkQueueError(ctx, id, cause.Error()); err != nil {
		logx.L().Errorw("mark_queue_error_error", "campaign_id", id, "error", err)
		return res, errors.Join(qerr, err)
	}
	metrics.CampaignsSubmitted.WithLabelValues(string(campaign.StatusQueueError)).Inc()
	d.events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusQueueError, cause.Error()))
	return res, qerr
}

func (d *Dispatcher) loadScheduled(ctx context.Context, id int64, to campaign.Status) (campaign.Campaign, error) {
	c, err := d.store.GetCampaign(ctx, id)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if c.Status != campaign.StatusScheduled {
		return campaign.Campaign{}, &campaign.TransitionError{ID: id, From: c.Status, To: to}
	}
	return c, nil
}

// Cancel drops the queue job of a scheduled campaign. If the queue no longer knows the job the
// campaign ends in cancelled_missing_job with a warning. A job that already started is left
// running and the campaign is not touched.
func (d *Dispatcher) Cancel(ctx context.Context, id int64) (Result, error) {
	c, err := d.loadScheduled(ctx, id, campaign.StatusCancelled)
	if err != nil {
		return Result{}, err
	}
	log := logx.L().With("campaign_id", id)

	to, warning := campaign.StatusCancelled, ""
	if c.JobID == nil {
		to, warning = campaign.StatusCancelledMissingJob, "campaign had no queue job"
	} else {
		switch err := d.queue.Cancel(ctx, *c.JobID); {
		case err == nil:
			metrics.QueueOperations.WithLabelValues("cancel", "ok").Inc()
		case errors.Is(err, jobq.ErrJobNotFound):
			metrics.QueueOperations.WithLabelValues("cancel", "not_found").Inc()
			to, warning = campaign.StatusCancelledMissingJob, "queue job was not found; nothing will be sent"
		case errors.Is(err, jobq.ErrJobStarted):
			metrics.QueueOperations.WithLabelValues("cancel", "started").Inc()
			return Result{}, fmt.Errorf("%w: campaign %d", campaign.ErrJobStarted, id)
		default:
			metrics.QueueOperations.WithLabelValues("cancel", "error").Inc()
			log.Errorw("cancel_job_error", "job_id", *c.JobID, "error", err)
			return Result{}, &campaign.CollaboratorError{Collaborator: "queue", Err: err}
		}
	}

	if err := d.store.CancelScheduled(ctx, id, to); err != nil {
		return Result{}, err
	}
	if warning != "" {
		log.Warnw("campaign_cancelled_missing_job", "job_id", c.JobID)
	} else {
		log.Infow("campaign_cancelled", "job_id", *c.JobID)
	}
	d.events.Emit(ctx, campaign.StatusEvent(id, to, warning))
	return Result{CampaignID: id, Status: to, Warning: warning}, nil
}

// ForceNow replaces the scheduled job with an immediate one. Cancelling the old job is best
// effort; if it already started, the worker lease keeps the campaign from being sent twice.
func (d *Dispatcher) ForceNow(ctx context.Context, id int64) (Result, error) {
	c, err := d.loadScheduled(ctx, id, campaign.StatusQueued)
	if err != nil {
		return Result{}, err
	}
	log := logx.L().With("campaign_id", id)

	if c.JobID != nil {
		if err := d.queue.Cancel(ctx, *c.JobID); err != nil {
			log.Warnw("force_now_cancel_ignored", "job_id", *c.JobID, "error", err)
		}
	}

	jobID, err := d.queue.Enqueue(ctx, campaign.SendJob{CampaignID: id})
	if err != nil {
		metrics.QueueOperations.WithLabelValues("enqueue", "error").Inc()
		log.Errorw("force_now_enqueue_error", "error", err)
		return d.queueFailed(ctx, id, err)
	}
	metrics.QueueOperations.WithLabelValues("enqueue", "ok").Inc()

	if err := d.store.RescheduleNow(ctx, id, jobID); err != nil {
		if cerr := d.queue.Cancel(ctx, jobID); cerr != nil {
			log.Warnw("force_now_rollback_cancel_error", "job_id", jobID, "error", cerr)
		}
		return Result{}, err
	}

	log.Infow("campaign_forced_now", "job_id", jobID, "old_job_id", c.JobID)
	d.events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusQueued, ""))
	return Result{CampaignID: id, Status: campaign.StatusQueued, JobID: &jobID}, nil
}
