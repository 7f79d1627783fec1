package logx

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

var lg *zap.SugaredLogger

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func Init() {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("LOG_LEVEL")))
	cfg.Encoding = "json"
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var opts []zap.Option
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         dsn,
			Environment: os.Getenv("SENTRY_ENVIRONMENT"),
		})
		if err == nil {
			opts = append(opts, zap.Hooks(sentryHook))
		}
	}

	z, _ := cfg.Build(opts...)
	lg = z.Sugar()
}

// ошибки уровня error и выше дублируются в Sentry
func sentryHook(e zapcore.Entry) error {
	if e.Level < zapcore.ErrorLevel {
		return nil
	}
	sentry.CaptureMessage(e.Message)
	return nil
}

func L() *zap.SugaredLogger {
	if lg == nil {
		Init()
	}
	return lg
}

// Slog отдаёт slog.Logger поверх того же zap core (уровень, JSON, хук Sentry) для River и goose.
func Slog() *slog.Logger {
	return slog.New(zapslog.NewHandler(L().Desugar().Core()))
}

func Sync() {
	_ = L().Sync()
	sentry.Flush(2 * time.Second)
}
