package worker

import (
	"context"
	"time"

	"github.com/riverqueue/river"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/metrics"
)

type ReapJob struct{}

func (ReapJob) Kind() string { return "campaign_reap" }

type ReaperStore interface {
	ExpireStaleSending(ctx context.Context, before time.Time) ([]int64, error)
	ExpireStaleDrafts(ctx context.Context, before time.Time) ([]int64, error)
}

// Reaper closes campaigns nobody will finish: sending ones whose heartbeat stopped and drafts
// that never reached the queue.
type Reaper struct {
	river.WorkerDefaults[ReapJob]

	Store    ReaperStore
	Events   campaign.EventSink
	LeaseTTL time.Duration
	DraftTTL time.Duration
	Now      func() time.Time
}

func NewReaper(st ReaperStore, events campaign.EventSink, leaseTTL, draftTTL time.Duration) *Reaper {
	if events == nil {
		events = campaign.NopSink{}
	}
	return &Reaper{Store: st, Events: events, LeaseTTL: leaseTTL, DraftTTL: draftTTL, Now: time.Now}
}

func (r *Reaper) Work(ctx context.Context, _ *river.Job[ReapJob]) error {
	return r.Reap(ctx)
}

func (r *Reaper) Reap(ctx context.Context) error {
	now := r.Now()

	ids, err := r.Store.ExpireStaleSending(ctx, now.Add(-r.LeaseTTL))
	if err != nil {
		logx.L().Errorw("reaper_sending_error", "error", err)
		return err
	}
	for _, id := range ids {
		logx.L().Warnw("campaign_lease_expired", "campaign_id", id)
		r.Events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusFailed, campaign.ReasonLeaseExpired))
	}
	metrics.ReaperExpired.WithLabelValues("sending").Add(float64(len(ids)))

	ids, err = r.Store.ExpireStaleDrafts(ctx, now.Add(-r.DraftTTL))
	if err != nil {
		logx.L().Errorw("reaper_drafts_error", "error", err)
		return err
	}
	for _, id := range ids {
		logx.L().Warnw("campaign_draft_abandoned", "campaign_id", id)
		r.Events.Emit(ctx, campaign.StatusEvent(id, campaign.StatusQueueError, campaign.ReasonDraftAbandoned))
	}
	metrics.ReaperExpired.WithLabelValues("draft").Add(float64(len(ids)))
	return nil
}
