package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

const campaignColumns = `id, subject, theme, cta_url, generated_html, status, scheduled_at, job_id,
	success_count, fail_count, failure_reason, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c        campaign.Campaign
		status   string
		html     sql.NullString
		reason   sql.NullString
		schedAt  sql.NullTime
		jobID    sql.NullInt64
		createdB sql.NullInt64
	)
	err := r.Scan(&c.ID, &c.Subject, &c.Theme, &c.CTAURL, &html, &status, &schedAt, &jobID,
		&c.SuccessCount, &c.FailCount, &reason, &createdB, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	c.Status = campaign.Status(status)
	c.GeneratedHTML = html.String
	c.FailureReason = reason.String
	if schedAt.Valid {
		t := schedAt.Time
		c.ScheduledAt = &t
	}
	if jobID.Valid {
		id := jobID.Int64
		c.JobID = &id
	}
	if createdB.Valid {
		id := createdB.Int64
		c.CreatedBy = &id
	}
	return c, nil
}

// CreateCampaign persists a draft campaign and its recipient ledger in one transaction.
func (s *Store) CreateCampaign(ctx context.Context, content campaign.Content, owner *int64, leads []campaign.Lead) (int64, error) {
	if len(leads) == 0 {
		return 0, &campaign.ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	var id int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = s.InsertCampaign(ctx, tx, content, owner)
		if err != nil {
			return err
		}
		return s.InsertRecipients(ctx, tx, id, leads)
	})
	return id, err
}

func (s *Store) InsertCampaign(ctx context.Context, tx *sql.Tx, content campaign.Content, owner *int64) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO campaigns (subject, theme, cta_url, generated_html, status, created_by)
		VALUES ($1, $2, $3, $4, 'draft', $5) RETURNING id`,
		content.Subject, content.Theme, content.CTAURL, content.HTML, owner).Scan(&id)
	return id, err
}

func (s *Store) GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, campaign.ErrNotFound
	}
	return c, err
}

// transitionError объясняет, почему условный UPDATE не затронул ни одной строки.
func (s *Store) transitionError(ctx context.Context, id int64, to campaign.Status) error {
	var st string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &campaign.TransitionError{ID: id, From: campaign.Status(st), To: to}
}

func (s *Store) execTransition(ctx context.Context, id int64, to campaign.Status, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.transitionError(ctx, id, to)
	}
	return nil
}

// MarkSubmitted moves a draft to queued or scheduled and records the job in the same statement.
func (s *Store) MarkSubmitted(ctx context.Context, id int64, to campaign.Status, jobID int64, scheduledAt *time.Time) error {
	if !to.HasJob() {
		return &campaign.TransitionError{ID: id, From: campaign.StatusDraft, To: to}
	}
	return s.execTransition(ctx, id, to, `
		UPDATE campaigns
		   SET status = $2, job_id = $3, scheduled_at = $4, updated_at = NOW()
		 WHERE id = $1 AND status = 'draft'`, id, string(to), jobID, scheduledAt)
}

// MarkQueueError records that the queue refused the campaign. Awaiting recipients become failed.
func (s *Store) MarkQueueError(ctx context.Context, id int64, reason string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns
			   SET status = 'queue_error', job_id = NULL, failure_reason = $2, updated_at = NOW()
			 WHERE id = $1 AND status IN ('draft', 'scheduled')`, id, reason)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return s.transitionError(ctx, id, campaign.StatusQueueError)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE recipients
			   SET status = 'failed', failure_reason = $2, updated_at = NOW()
			 WHERE campaign_id = $1 AND status = 'awaiting'`, id, campaign.ReasonFailedToQueue)
		return err
	})
}

// CancelScheduled moves a scheduled campaign to cancelled or cancelled_missing_job and clears its job.
func (s *Store) CancelScheduled(ctx context.Context, id int64, to campaign.Status) error {
	if to != campaign.StatusCancelled && to != campaign.StatusCancelledMissingJob {
		return &campaign.TransitionError{ID: id, From: campaign.StatusScheduled, To: to}
	}
	return s.execTransition(ctx, id, to, `
		UPDATE campaigns
		   SET status = $2, job_id = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`, id, string(to))
}

// RescheduleNow swaps the job of a scheduled campaign for an immediate one.
func (s *Store) RescheduleNow(ctx context.Context, id, newJobID int64) error {
	return s.execTransition(ctx, id, campaign.StatusQueued, `
		UPDATE campaigns
		   SET status = 'queued', job_id = $2, scheduled_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'scheduled'`, id, newJobID)
}

// ClaimCampaign is the lease: only one caller can move a queued or scheduled campaign to sending.
func (s *Store) ClaimCampaign(ctx context.Context, id int64) (campaign.Campaign, error) {
	c, err := scanCampaign(s.DB.QueryRowContext(ctx, `
		UPDATE campaigns
		   SET status = 'sending', job_id = NULL, heartbeat_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('queued', 'scheduled')
		RETURNING `+campaignColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return campaign.Campaign{}, s.transitionError(ctx, id, campaign.StatusSending)
	}
	return c, err
}

// CompleteCampaign closes a sending campaign with counts taken from the ledger in the same statement.
func (s *Store) CompleteCampaign(ctx context.Context, id int64) (sent, failed int, err error) {
	err = s.DB.QueryRowContext(ctx, `
		UPDATE campaigns c
		   SET status = 'completed', success_count = r.sent, fail_count = r.failed, updated_at = NOW()
		  FROM (SELECT COUNT(*) FILTER (WHERE status = 'sent')   AS sent,
		               COUNT(*) FILTER (WHERE status = 'failed') AS failed
		          FROM recipients
		         WHERE campaign_id = $1) r
		 WHERE c.id = $1 AND c.status = 'sending'
		RETURNING c.success_count, c.fail_count`, id).Scan(&sent, &failed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, s.transitionError(ctx, id, campaign.StatusCompleted)
	}
	return sent, failed, err
}

func (s *Store) FailCampaign(ctx context.Context, id int64, reason string) error {
	return s.execTransition(ctx, id, campaign.StatusFailed, `
		UPDATE campaigns
		   SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'`, id, reason)
}

// ExpireStaleSending fails campaigns whose worker stopped renewing the heartbeat.
func (s *Store) ExpireStaleSending(ctx context.Context, before time.Time) ([]int64, error) {
	return s.queryIDs(ctx, `
		UPDATE campaigns
		   SET status = 'failed', failure_reason = $2, updated_at = NOW()
		 WHERE status = 'sending' AND heartbeat_at < $1
		RETURNING id`, before, campaign.ReasonLeaseExpired)
}

// ExpireStaleDrafts closes drafts that never reached the queue.
func (s *Store) ExpireStaleDrafts(ctx context.Context, before time.Time) ([]int64, error) {
	return s.queryIDs(ctx, `
		WITH expired AS (
			UPDATE campaigns
			   SET status = 'queue_error', failure_reason = $2, updated_at = NOW()
			 WHERE status = 'draft' AND created_at < $1
			RETURNING id
		), marked AS (
			UPDATE recipients
			   SET status = 'failed', failure_reason = $3, updated_at = NOW()
			 WHERE campaign_id IN (SELECT id FROM expired) AND status = 'awaiting'
		)
		SELECT id FROM expired`, before, campaign.ReasonDraftAbandoned, campaign.ReasonFailedToQueue)
}

func (s *Store) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, []campaign.Stats, error) {
	if limit <= 0 || limit > 1000 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		ORDER BY id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var campaigns []campaign.Campaign
	var ids []int64
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, nil, err
		}
		c.GeneratedHTML = ""
		campaigns = append(campaigns, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(campaigns) == 0 {
		return campaigns, []campaign.Stats{}, nil
	}

	statRows, err := s.DB.QueryContext(ctx, `
		SELECT campaign_id,
		       COUNT(*)                                         AS total,
		       COUNT(*) FILTER (WHERE status='awaiting')        AS awaiting,
		       COUNT(*) FILTER (WHERE status='sent')            AS sent,
		       COUNT(*) FILTER (WHERE status='failed')          AS failed
		FROM recipients
		WHERE campaign_id = ANY($1)
		GROUP BY campaign_id
	`, int64Slice(ids))
	if err != nil {
		return nil, nil, err
	}
	defer statRows.Close()

	statsByID := make(map[int64]campaign.Stats, len(ids))
	for statRows.Next() {
		var id int64
		var st campaign.Stats
		if err := statRows.Scan(&id, &st.Total, &st.Awaiting, &st.Sent, &st.Failed); err != nil {
			return nil, nil, err
		}
		statsByID[id] = st
	}
	if err := statRows.Err(); err != nil {
		return nil, nil, err
	}

	out := make([]campaign.Stats, len(campaigns))
	for i, c := range campaigns {
		out[i] = statsByID[c.ID]
	}
	return campaigns, out, nil
}

type int64Slice []int64

func (a int64Slice) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(v, 10))
	}
	b.WriteByte('}')
	return b.String(), nil
}
