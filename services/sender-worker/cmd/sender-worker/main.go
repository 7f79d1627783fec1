package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/riverqueue/river"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/delivery"
	"github.com/Mutter0815/CampaignMailer/internal/events"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
	"github.com/Mutter0815/CampaignMailer/internal/store"
	"github.com/Mutter0815/CampaignMailer/pkg/config"
	"github.com/Mutter0815/CampaignMailer/pkg/db"
	"github.com/Mutter0815/CampaignMailer/pkg/jobq"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/rmq"
	"github.com/Mutter0815/CampaignMailer/services/sender-worker/worker"
)

func main() {
	_ = godotenv.Load()

	logx.Init()
	defer logx.Sync()

	config.MustLoadWorker()
	cfg := config.Worker

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		logx.L().Fatalw("db_connect_error", "error", err)
	}
	defer pool.Close()

	sqlDB := db.SQL(pool)
	defer sqlDB.Close()

	st := store.New(sqlDB)

	var sink campaign.EventSink = events.Logger{}
	if cfg.RMQURL != "" {
		pub, err := rmq.NewPublisher(cfg.RMQURL, cfg.EventsQueue)
		if err != nil {
			logx.L().Fatalw("rmq_init_error", "error", err)
		}
		defer pub.Close()
		sink = events.NewSink(pub)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, worker.New(st, settings.NewLoader(st), delivery.New(), sink))
	river.AddWorker(workers, worker.NewReaper(st, sink, cfg.LeaseTTL, cfg.DraftTTL))

	queue, err := jobq.New(pool,
		jobq.WithQueue(cfg.Queue),
		jobq.WithWorkers(workers, cfg.MaxWorkers),
		jobq.WithPeriodic(cfg.ReaperSchedule, func() river.JobArgs { return worker.ReapJob{} }),
		jobq.WithLogger(logx.Slog()),
	)
	if err != nil {
		logx.L().Fatalw("jobq_init_error", "error", err)
	}

	if err := queue.Start(ctx); err != nil {
		logx.L().Fatalw("jobq_start_error", "error", err)
	}
	logx.L().Infow("worker_started", "queue", cfg.Queue, "max_workers", cfg.MaxWorkers)

	<-ctx.Done()
	logx.L().Infow("signal_received")

	// незавершённые рассылки остаются в sending, их закроет reaper
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queue.Stop(stopCtx); err != nil {
		logx.L().Errorw("jobq_stop_error", "error", err)
	}

	logx.L().Infow("sender-worker stopped gracefully")
}
