package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

func TestMarkRecipient_CommitsWithHeartbeat(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE campaigns SET heartbeat_at = NOW() WHERE id = $1 AND status = 'sending'`)).
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE recipients SET status = $3, failure_reason = $4`)).
		WithArgs(int64(21), int64(6), "failed", "550 mailbox unavailable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.MarkRecipient(context.Background(), 6, 21, campaign.RecipientFailed, "550 mailbox unavailable")
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkRecipient_NeverReverts(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE campaigns SET heartbeat_at = NOW()`)).
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE recipients SET status = $3`)).
		WithArgs(int64(21), int64(6), "sent", nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkRecipient(context.Background(), 6, 21, campaign.RecipientSent, "")
	if !errors.Is(err, campaign.ErrRecipientTerminal) {
		t.Fatalf("want ErrRecipientTerminal, got %v", err)
	}
	if err := s.MarkRecipient(context.Background(), 6, 21, campaign.RecipientAwaiting, ""); err == nil {
		t.Fatal("awaiting is not an outcome")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkRecipient_LeaseLost(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE campaigns SET heartbeat_at = NOW()`)).
		WithArgs(int64(6)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.MarkRecipient(context.Background(), 6, 21, campaign.RecipientSent, "")
	if !errors.Is(err, campaign.ErrLeaseLost) {
		t.Fatalf("want ErrLeaseLost, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestListRecipients_Ordered(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY id`)).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "campaign_id", "name", "email", "status", "failure_reason"}).
			AddRow(1, 6, "Ana", "a@x.com", "sent", nil).
			AddRow(2, 6, "Bo", "b@x.com", "failed", "timeout").
			AddRow(3, 6, "Cy", "c@x.com", "awaiting", nil))

	rs, err := s.ListRecipients(context.Background(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 3 || rs[1].FailureReason != "timeout" || rs[2].Status != campaign.RecipientAwaiting {
		t.Fatalf("unexpected ledger: %+v", rs)
	}
}

func TestGetCampaignStats(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM recipients WHERE campaign_id = $1`)).
		WithArgs(int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"total", "awaiting", "sent", "failed"}).AddRow(3, 0, 2, 1))

	st, err := s.GetCampaignStats(context.Background(), 6)
	if err != nil {
		t.Fatal(err)
	}
	if st != (campaign.Stats{Total: 3, Sent: 2, Failed: 1}) {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestGetUserByLogin(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE username = $1 OR email = $1`)).
		WithArgs("ana").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "role", "active"}).
			AddRow(1, "ana", "ana@x.com", "hash", "admin", true))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM users`)).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id", "username", "email", "password_hash", "role", "active"}))

	u, err := s.GetUserByLogin(context.Background(), "ana")
	if err != nil {
		t.Fatal(err)
	}
	if u.Role != auth.RoleAdmin || !u.Active {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, err := s.GetUserByLogin(context.Background(), "ghost"); !errors.Is(err, auth.ErrUserNotFound) {
		t.Fatalf("want ErrUserNotFound, got %v", err)
	}
}

func TestLoadSettings(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT key, value FROM settings`)).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("SMTP_SERVER", "smtp.x.com").
			AddRow("SMTP_PORT", "587"))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO settings (key, value)`)).
		WithArgs("LOGO_URL", "https://x.com/logo.png").
		WillReturnResult(sqlmock.NewResult(0, 1))

	m, err := s.LoadSettings(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m["SMTP_SERVER"] != "smtp.x.com" || m["SMTP_PORT"] != "587" {
		t.Fatalf("unexpected settings: %v", m)
	}
	if err := s.PutSetting(context.Background(), "LOGO_URL", "https://x.com/logo.png"); err != nil {
		t.Fatal(err)
	}
}
