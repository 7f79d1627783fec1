package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/Mutter0815/CampaignMailer/internal/store"
	"github.com/Mutter0815/CampaignMailer/pkg/config"
	"github.com/Mutter0815/CampaignMailer/pkg/db"
	"github.com/Mutter0815/CampaignMailer/pkg/jobq"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/rmq"
)

func main() {
	_ = godotenv.Load()
	logx.Init()
	defer logx.Sync()

	app := &cli.App{
		Name:  "campaignctl",
		Usage: "maintenance commands for the campaign services",
		Commands: []*cli.Command{
			{
				Name:   "migrate",
				Usage:  "apply schema and queue migrations",
				Action: migrate,
			},
			{
				Name:      "create-admin",
				Usage:     "create an admin user or reset an existing one",
				ArgsUsage: "<username> <email> <password>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "role", Value: "admin", Usage: "admin or editor"},
				},
				Action: withStore(createUser),
			},
			{
				Name:      "set-setting",
				Usage:     "write one application setting",
				ArgsUsage: "<KEY> <value>",
				Action:    withStore(setSetting),
			},
			{
				Name:   "settings",
				Usage:  "print application settings, secrets masked",
				Action: withStore(showSettings),
			},
			{
				Name:   "events",
				Usage:  "print campaign lifecycle events from the broker",
				Action: tailEvents,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*store.Store, func(), error) {
	config.MustLoadCtl()
	pool, err := db.Connect(ctx, config.Ctl.DB)
	if err != nil {
		return nil, nil, err
	}
	sqlDB := db.SQL(pool)
	return store.New(sqlDB), func() {
		_ = sqlDB.Close()
		pool.Close()
	}, nil
}

func withStore(fn func(c *cli.Context, st ctlStore) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		st, closeFn, err := connect(c.Context)
		if err != nil {
			return err
		}
		defer closeFn()
		return fn(c, st)
	}
}

func migrate(c *cli.Context) error {
	config.MustLoadCtl()
	pool, err := db.Connect(c.Context, config.Ctl.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	sqlDB := db.SQL(pool)
	defer sqlDB.Close()

	if err := store.Migrate(c.Context, sqlDB); err != nil {
		return err
	}
	if err := jobq.Migrate(c.Context, pool, logx.Slog()); err != nil {
		return err
	}
	logx.L().Infow("migrations_applied")
	return nil
}

func tailEvents(c *cli.Context) error {
	config.MustLoadCtl()
	if config.Ctl.RMQURL == "" {
		return fmt.Errorf("RMQ_URL is not set")
	}
	cons, err := rmq.NewConsumer(config.Ctl.RMQURL, config.Ctl.EventsQueue)
	if err != nil {
		return err
	}
	defer cons.Close()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	msgs, err := cons.Consume(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return nil
			}
			line, err := formatEvent(m.Body)
			if err != nil {
				logx.L().Warnw("event_decode_error", "error", err)
				_ = m.Nack(false, false)
				continue
			}
			_, _ = fmt.Fprintln(c.App.Writer, line)
			_ = m.Ack(false)
		}
	}
}
