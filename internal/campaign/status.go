package campaign

type Status string

const (
	StatusDraft               Status = "draft"
	StatusQueued              Status = "queued"
	StatusScheduled           Status = "scheduled"
	StatusSending             Status = "sending"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusCancelledMissingJob Status = "cancelled_missing_job"
	StatusQueueError          Status = "queue_error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusQueued, StatusScheduled, StatusSending, StatusCompleted,
		StatusFailed, StatusCancelled, StatusCancelledMissingJob, StatusQueueError:
		return true
	}
	return false
}

// HasJob reports whether a campaign in this status owns a queue job.
func (s Status) HasJob() bool {
	return s == StatusQueued || s == StatusScheduled
}

// Terminal reports whether nothing moves the campaign out of this status without a new submission.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCancelledMissingJob, StatusQueueError:
		return true
	}
	return false
}

type RecipientStatus string

const (
	RecipientAwaiting RecipientStatus = "awaiting"
	RecipientSent     RecipientStatus = "sent"
	RecipientFailed   RecipientStatus = "failed"
)

func (s RecipientStatus) Terminal() bool {
	return s == RecipientSent || s == RecipientFailed
}

const (
	ReasonFailedToQueue  = "failed to queue"
	ReasonMissingSMTP    = "missing smtp config"
	ReasonLeaseExpired   = "worker lease expired"
	ReasonDraftAbandoned = "submission abandoned before queueing"
)
