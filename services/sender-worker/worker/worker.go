package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/riverqueue/river"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/metrics"
)

var (
	// ErrNotReady means the job arrived before the submitting request recorded the job id.
	ErrNotReady = errors.New("worker: campaign is still a draft")
	// ErrClaim wraps a store failure while claiming; the job is retried, not dropped.
	ErrClaim = errors.New("worker: claim campaign")
)

const (
	defaultDraftGrace   = time.Minute
	draftSnooze         = 2 * time.Second
	persistTimeout      = 5 * time.Second
	defaultClaimRetries = 10
	claimSnooze         = 30 * time.Second
)

type Store interface {
	ClaimCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error)
	MarkRecipient(ctx context.Context, campaignID, recipientID int64, status campaign.RecipientStatus, reason string) error
	CompleteCampaign(ctx context.Context, id int64) (sent, failed int, err error)
	FailCampaign(ctx context.Context, id int64, reason string) error
}

type SettingsLoader interface {
	Load(ctx context.Context) (settings.Settings, error)
}

type Deliverer interface {
	Send(ctx context.Context, cfg settings.SMTP, to campaign.Recipient, subject, html string) error
}

type Worker struct {
	river.WorkerDefaults[campaign.SendJob]

	Store    Store
	Settings SettingsLoader
	Engine   Deliverer
	Events   campaign.EventSink

	DraftGrace time.Duration

	// ClaimRetries bounds how many times a job is snoozed while the store cannot claim it.
	ClaimRetries int
}

func New(st Store, sl SettingsLoader, eng Deliverer, events campaign.EventSink) *Worker {
	if events == nil {
		events = campaign.NopSink{}
	}
	return &Worker{
		Store: st, Settings: sl, Engine: eng, Events: events,
		DraftGrace: defaultDraftGrace, ClaimRetries: defaultClaimRetries,
	}
}

// Timeout: рассылка идёт столько, сколько нужно; зависание ловит reaper по heartbeat.
func (w *Worker) Timeout(*river.Job[campaign.SendJob]) time.Duration { return -1 }

func (w *Worker) Work(ctx context.Context, job *river.Job[campaign.SendJob]) error {
	err := w.Process(ctx, job.Args.CampaignID)
	if errors.Is(err, ErrNotReady) {
		if time.Since(job.CreatedAt) < w.DraftGrace {
			return river.JobSnooze(draftSnooze)
		}
		logx.L().Warnw("draft_never_submitted", "campaign_id", job.Args.CampaignID, "job_id", job.ID)
		return nil
	}
	// snooze не расходует попытку, а MaxAttempts у задачи 1
	if errors.Is(err, ErrClaim) && job.Attempt < w.ClaimRetries {
		logx.L().Warnw("campaign_claim_retry", "campaign_id", job.Args.CampaignID, "job_id", job.ID, "attempt", job.Attempt)
		return river.JobSnooze(claimSnooze)
	}
	return err
}

// Process runs one campaign: claim, check SMTP settings, send to every awaiting recipient
// persisting each outcome before the next send, then close the campaign with ledger counts.
func (w *Worker) Process(ctx context.Context, id int64) error {
	log := logx.L().With("campaign_id", id)

	c, err := w.Store.ClaimCampaign(ctx, id)
	if err != nil {
		var te *campaign.TransitionError
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			log.Warnw("campaign_missing")
			return nil
		case errors.As(err, &te) && te.From == campaign.StatusDraft:
			return ErrNotReady
		case errors.As(err, &te):
			log.Infow("campaign_not_claimable", "status", te.From)
			return nil
		}
		log.Errorw("campaign_claim_error", "error", err)
		return fmt.Errorf("%w: %w", ErrClaim, err)
	}
	log.Infow("campaign_claimed")
	w.Events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusSending, ""))

	sent, failed, err := w.run(ctx, c)
	if err != nil {
		if errors.Is(err, campaign.ErrLeaseLost) {
			// reaper уже закрыл кампанию, оставшиеся получатели остаются awaiting
			metrics.WorkerCampaignsProcessed.WithLabelValues("lease_lost").Inc()
			log.Warnw("campaign_lease_lost", "error", err)
			return nil
		}
		if ctx.Err() != nil {
			// остановка процесса: кампания остаётся в sending до reaper
			log.Warnw("campaign_interrupted", "error", err)
			return err
		}
		w.fail(ctx, id, err.Error())
		return nil
	}

	metrics.WorkerCampaignsProcessed.WithLabelValues(string(campaign.StatusCompleted)).Inc()
	log.Infow("campaign_completed", "sent", sent, "failed", failed)
	ev := campaign.StatusEvent(id, campaign.StatusCompleted, "")
	ev.Sent, ev.Failed = sent, failed
	w.Events.Emit(ctx, ev)
	return nil
}

func (w *Worker) run(ctx context.Context, c campaign.Campaign) (int, int, error) {
	s, err := w.Settings.Load(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("load settings: %w", err)
	}
	if err := s.SMTP.Validate(); err != nil {
		return 0, 0, fmt.Errorf("%s: %w", campaign.ReasonMissingSMTP, err)
	}

	recipients, err := w.Store.ListRecipients(ctx, c.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("load recipients: %w", err)
	}

	for _, r := range recipients {
		if r.Status.Terminal() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		if err := w.deliver(ctx, s.SMTP, c, r); err != nil {
			return 0, 0, err
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	sent, failed, err := w.Store.CompleteCampaign(pctx, c.ID)
	if err != nil {
		return 0, 0, fmt.Errorf("complete campaign: %w", err)
	}
	return sent, failed, nil
}

// deliver sends to one recipient and persists the outcome. Only a failure to persist is returned;
// campaign.ErrLeaseLost stops the run.
func (w *Worker) deliver(ctx context.Context, cfg settings.SMTP, c campaign.Campaign, r campaign.Recipient) error {
	fields := []any{"campaign_id", c.ID, "recipient_id", r.ID, "address", r.Email}

	start := time.Now()
	status, reason := campaign.RecipientSent, ""
	if err := w.safeSend(ctx, cfg, c, r); err != nil {
		status, reason = campaign.RecipientFailed, err.Error()
		metrics.WorkerEmailsFailed.Inc()
		logx.L().Infow("send_failed", append(fields, "error", err)...)
	} else {
		metrics.WorkerEmailsSent.Inc()
		logx.L().Debugw("send_success", fields...)
	}
	metrics.WorkerSendDuration.Observe(time.Since(start).Seconds())

	// исход отправки фиксируется даже при остановке процесса
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := w.Store.MarkRecipient(pctx, c.ID, r.ID, status, reason); err != nil {
		if errors.Is(err, campaign.ErrRecipientTerminal) {
			logx.L().Warnw("recipient_already_processed", fields...)
			return nil
		}
		if errors.Is(err, campaign.ErrLeaseLost) {
			return fmt.Errorf("mark recipient %d: %w", r.ID, err)
		}
		logx.L().Errorw("db_mark_recipient_error", append(fields, "error", err)...)
		return fmt.Errorf("mark recipient %d: %w", r.ID, err)
	}
	return nil
}

func (w *Worker) safeSend(ctx context.Context, cfg settings.SMTP, c campaign.Campaign, r campaign.Recipient) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("send panic: %v", p)
		}
	}()
	return w.Engine.Send(ctx, cfg, r, c.Subject, c.GeneratedHTML)
}

func (w *Worker) fail(ctx context.Context, id int64, reason string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	metrics.WorkerCampaignsProcessed.WithLabelValues(string(campaign.StatusFailed)).Inc()
	if err := w.Store.FailCampaign(pctx, id, reason); err != nil {
		logx.L().Errorw("db_fail_campaign_error", "campaign_id", id, "reason", reason, "error", err)
		return
	}
	logx.L().Errorw("campaign_failed", "campaign_id", id, "reason", reason)
	w.Events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusFailed, reason))
}
