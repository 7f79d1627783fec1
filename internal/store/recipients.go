package store

import (
	"context"
	"database/sql"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

// InsertRecipients writes the ledger rows in input order, all awaiting.
func (s *Store) InsertRecipients(ctx context.Context, tx *sql.Tx, campaignID int64, leads []campaign.Lead) error {
	if len(leads) == 0 {
		return &campaign.ValidationError{Field: "recipients", Reason: "at least one recipient is required"}
	}
	for _, l := range leads {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recipients (campaign_id, name, email, status)
			VALUES ($1, $2, $3, 'awaiting')`, campaignID, l.Name, l.Email); err != nil {
			return err
		}
	}
	return nil
}

// ListRecipients returns the ledger in creation order.
func (s *Store) ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, campaign_id, name, email, status, failure_reason
		FROM recipients
		WHERE campaign_id = $1
		ORDER BY id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Recipient
	for rows.Next() {
		var (
			r      campaign.Recipient
			status string
			reason sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Name, &r.Email, &status, &reason); err != nil {
			return nil, err
		}
		r.Status = campaign.RecipientStatus(status)
		r.FailureReason = reason.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkRecipient records one send outcome and renews the campaign heartbeat in a single short
// transaction. The heartbeat update locks the campaign row first, so the reaper cannot expire the
// lease between the check and the write. ErrLeaseLost means the campaign left sending and nothing
// was written; a recipient that is already sent or failed is left untouched.
func (s *Store) MarkRecipient(ctx context.Context, campaignID, recipientID int64, status campaign.RecipientStatus, reason string) error {
	if !status.Terminal() {
		return &campaign.ValidationError{Field: "status", Reason: "recipient can only move to sent or failed"}
	}
	var why any
	if reason != "" {
		why = reason
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE campaigns SET heartbeat_at = NOW() WHERE id = $1 AND status = 'sending'`, campaignID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return campaign.ErrLeaseLost
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE recipients
			   SET status = $3, failure_reason = $4, updated_at = NOW()
			 WHERE id = $1 AND campaign_id = $2 AND status = 'awaiting'`,
			recipientID, campaignID, string(status), why)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return campaign.ErrRecipientTerminal
		}
		return nil
	})
}

func (s *Store) GetCampaignStats(ctx context.Context, id int64) (campaign.Stats, error) {
	var st campaign.Stats
	err := s.DB.QueryRowContext(ctx, `
		SELECT
		  COUNT(*)                                         AS total,
		  COUNT(*) FILTER (WHERE status='awaiting')        AS awaiting,
		  COUNT(*) FILTER (WHERE status='sent')            AS sent,
		  COUNT(*) FILTER (WHERE status='failed')          AS failed
		FROM recipients
		WHERE campaign_id = $1
	`, id).Scan(&st.Total, &st.Awaiting, &st.Sent, &st.Failed)
	if err != nil {
		return campaign.Stats{}, err
	}
	return st, nil
}
