package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/Mutter0815/CampaignMailer/pkg/logx"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrMigrate = errors.New("store: failed to apply migrations")

// Migrate применяет встроенные миграции схемы.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return errors.Join(ErrMigrate, err)
	}
	return nil
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, args ...any) {
	logx.L().Infow("migrate", "msg", fmt.Sprintf(format, args...))
}

func (gooseLogger) Fatalf(format string, args ...any) {
	logx.L().Errorw("migrate_error", "msg", fmt.Sprintf(format, args...))
}
