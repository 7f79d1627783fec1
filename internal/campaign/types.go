package campaign

import (
	"context"
	"time"

	"github.com/riverqueue/river"
)

// Content is what the operator approved. Every field is required before a campaign is created.
type Content struct {
	Subject string `json:"subject"  validate:"required,max=255"`
	Theme   string `json:"theme"    validate:"required"`
	CTAURL  string `json:"cta_url"  validate:"required,url"`
	HTML    string `json:"html"     validate:"required"`
}

type Lead struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Campaign struct {
	ID            int64      `json:"id"`
	Subject       string     `json:"subject"`
	Theme         string     `json:"theme"`
	CTAURL        string     `json:"cta_url"`
	GeneratedHTML string     `json:"generated_html,omitempty"`
	Status        Status     `json:"status"`
	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	JobID         *int64     `json:"job_id,omitempty"`
	SuccessCount  int        `json:"success_count"`
	FailCount     int        `json:"fail_count"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedBy     *int64     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type Recipient struct {
	ID            int64           `json:"id"`
	CampaignID    int64           `json:"campaign_id"`
	Name          string          `json:"name"`
	Email         string          `json:"email"`
	Status        RecipientStatus `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

type Stats struct {
	Total    int `json:"total"`
	Awaiting int `json:"awaiting"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
}

// SendJob is the queue payload. The worker reloads everything else from the store.
type SendJob struct {
	CampaignID int64 `json:"campaign_id"`
}

func (SendJob) Kind() string { return "campaign_send" }

// InsertOpts: одна попытка, повторная отправка только по действию оператора.
func (SendJob) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type Event struct {
	Type       string    `json:"type"`
	CampaignID int64     `json:"campaign_id"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Sent       int       `json:"sent,omitempty"`
	Failed     int       `json:"failed,omitempty"`
	At         time.Time `json:"at"`
}

const EventStatusChanged = "campaign.status_changed"

func StatusEvent(id int64, st Status, reason string) Event {
	return Event{Type: EventStatusChanged, CampaignID: id, Status: st, Reason: reason, At: time.Now().UTC()}
}

type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

type NopSink struct{}

func (NopSink) Emit(context.Context, Event) {}

// API payloads.

type ApproveCampaignReq struct {
	PreviewToken string     `json:"preview_token" binding:"required"`
	HTML         string     `json:"html"`
	ScheduledAt  *time.Time `json:"scheduled_at"`
}

type ApproveCampaignResp struct {
	ID         int64  `json:"id"`
	Status     Status `json:"status"`
	JobID      *int64 `json:"job_id,omitempty"`
	Recipients int    `json:"recipients"`
	Error      string `json:"error,omitempty"`
}

type PreviewResp struct {
	Token      string `json:"token"`
	HTML       string `json:"html"`
	Recipients int    `json:"recipients"`
	Dropped    int    `json:"dropped"`
	ExpiresAt  string `json:"expires_at"`
}

type CampaignListItem struct {
	ID           int64      `json:"id"`
	Subject      string     `json:"subject"`
	Status       Status     `json:"status"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	SuccessCount int        `json:"success_count"`
	FailCount    int        `json:"fail_count"`
	CreatedAt    time.Time  `json:"created_at"`
	Stats        Stats      `json:"stats"`
}

type CampaignDetails struct {
	Campaign
	Stats      Stats       `json:"stats"`
	Recipients []Recipient `json:"recipients"`
}

type ActionResp struct {
	ID      int64  `json:"id"`
	Status  Status `json:"status"`
	Warning string `json:"warning,omitempty"`
}
