package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/dispatch"
	"github.com/Mutter0815/CampaignMailer/internal/events"
	"github.com/Mutter0815/CampaignMailer/internal/genai"
	"github.com/Mutter0815/CampaignMailer/internal/leads"
	"github.com/Mutter0815/CampaignMailer/internal/preview"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
	"github.com/Mutter0815/CampaignMailer/internal/store"
	"github.com/Mutter0815/CampaignMailer/pkg/config"
	"github.com/Mutter0815/CampaignMailer/pkg/db"
	"github.com/Mutter0815/CampaignMailer/pkg/jobq"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/rmq"
	"github.com/Mutter0815/CampaignMailer/services/campaign-api/server"
)

func main() {
	_ = godotenv.Load()

	logx.Init()
	defer logx.Sync()

	config.MustLoadAPI()
	cfg := config.API

	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		logx.L().Fatalw("db_connect_error", "error", err)
	}
	defer pool.Close()

	sqlDB := db.SQL(pool)
	defer func() {
		if err := sqlDB.Close(); err != nil {
			logx.L().Warnw("db_close_error", "error", err)
		} else {
			logx.L().Infow("db_closed")
		}
	}()

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, sqlDB); err != nil {
			logx.L().Fatalw("db_migrate_error", "error", err)
		}
		if err := jobq.Migrate(ctx, pool, logx.Slog()); err != nil {
			logx.L().Fatalw("jobq_migrate_error", "error", err)
		}
	}

	st := store.New(sqlDB)

	// клиент только вставляет задачи, воркеры живут в sender-worker
	queue, err := jobq.New(pool, jobq.WithQueue(cfg.Queue), jobq.WithLogger(logx.Slog()))
	if err != nil {
		logx.L().Fatalw("jobq_init_error", "error", err)
	}

	var sink campaign.EventSink = events.Logger{}
	if cfg.RMQURL != "" {
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventsQueue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logx.L().Warnw("rmq_publisher_close_error", "error", err)
			} else {
				logx.L().Infow("rmq_publisher_closed")
			}
		}()
		sink = events.NewSink(pub)
	}

	rdb, err := preview.Connect(ctx, cfg.RedisURL)
	if err != nil {
		logx.L().Fatalw("redis_connect_error", "error", err)
	}
	defer func() { _ = rdb.Close() }()

	h := &server.Handlers{
		Store:    st,
		Dispatch: dispatch.New(st, queue, dispatch.WithEvents(sink)),
		Gen: genai.New(genai.Config{
			BaseURL: cfg.GenAIBaseURL,
			Model:   cfg.GenAIModel,
			Timeout: cfg.GenAITimeout,
		}),
		Previews:  preview.New(rdb, cfg.PreviewTTL),
		Settings:  settings.NewLoader(st),
		Columns:   leads.Columns{Name: cfg.LeadsNameColumn, Email: cfg.LeadsEmailColumn},
		MaxUpload: cfg.MaxUploadBytes,
	}
	srv := server.NewHTTPServer(":"+cfg.Port, h, auth.NewAuthenticator(st))

	go func() {
		logx.L().Infow("api_listen_start", "addr", ":"+cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.L().Fatalw("http_server_error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logx.L().Infow("signal_received", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logx.L().Errorw("server_shutdown_error", "error", err)
	} else {
		logx.L().Infow("server_shutdown_success")
	}

	logx.L().Infow("campaign-api stopped gracefully")
}
