// Package events publishes campaign status changes to the message broker.
package events

import (
	"context"
	"time"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
)

const publishTimeout = 3 * time.Second

type Publisher interface {
	PublishJSON(ctx context.Context, v any) error
}

// Sink implements campaign.EventSink. Publishing never fails the caller: errors are logged.
type Sink struct {
	pub Publisher
}

func NewSink(pub Publisher) *Sink { return &Sink{pub: pub} }

func (s *Sink) Emit(ctx context.Context, ev campaign.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := s.pub.PublishJSON(ctx, ev); err != nil {
		logx.L().Warnw("event_publish_error",
			"campaign_id", ev.CampaignID, "status", ev.Status, "error", err)
	}
}

// Logger is the sink used when no broker is configured.
type Logger struct{}

func (Logger) Emit(_ context.Context, ev campaign.Event) {
	logx.L().Debugw("campaign_event", "campaign_id", ev.CampaignID, "status", ev.Status, "reason", ev.Reason)
}
