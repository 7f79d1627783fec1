package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v6"
)

type DBConfig struct {
	DSN           string        `env:"DB_DSN,required"`
	MaxConns      int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	RetryAttempts int           `env:"DB_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"DB_RETRY_INTERVAL" envDefault:"2s"`
}

type APIConfig struct {
	Port string `env:"PORT" envDefault:"8080"`
	DB   DBConfig

	RedisURL   string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	PreviewTTL time.Duration `env:"PREVIEW_TTL" envDefault:"1h"`

	// RMQURL пустой -> события кампаний не публикуются.
	RMQURL      string `env:"RMQ_URL"`
	EventsQueue string `env:"EVENTS_QUEUE" envDefault:"campaign_events"`

	Queue string `env:"QUEUE" envDefault:"campaigns"`

	GenAIBaseURL string        `env:"GENAI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta/openai/"`
	GenAIModel   string        `env:"GENAI_MODEL" envDefault:"gemini-2.5-flash-lite"`
	GenAITimeout time.Duration `env:"GENAI_TIMEOUT" envDefault:"30s"`

	LeadsNameColumn  string `env:"LEADS_NAME_COLUMN" envDefault:"name"`
	LeadsEmailColumn string `env:"LEADS_EMAIL_COLUMN" envDefault:"email"`
	MaxUploadBytes   int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`

	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"false"`
}

type WorkerConfig struct {
	DB DBConfig

	RMQURL      string `env:"RMQ_URL"`
	EventsQueue string `env:"EVENTS_QUEUE" envDefault:"campaign_events"`

	Queue      string `env:"QUEUE" envDefault:"campaigns"`
	MaxWorkers int    `env:"MAX_WORKERS" envDefault:"4"`

	LeaseTTL       time.Duration `env:"LEASE_TTL" envDefault:"15m"`
	DraftTTL       time.Duration `env:"DRAFT_TTL" envDefault:"10m"`
	ReaperSchedule string        `env:"REAPER_SCHEDULE" envDefault:"*/5 * * * *"`
}

type CtlConfig struct {
	DB DBConfig

	RMQURL      string `env:"RMQ_URL"`
	EventsQueue string `env:"EVENTS_QUEUE" envDefault:"campaign_events"`
}

var (
	API    APIConfig
	Worker WorkerConfig
	Ctl    CtlConfig
)

func MustLoadAPI() {
	if err := env.Parse(&API); err != nil {
		log.Fatalf("config: %v", err)
	}
}

func MustLoadWorker() {
	if err := env.Parse(&Worker); err != nil {
		log.Fatalf("config: %v", err)
	}
}

func MustLoadCtl() {
	if err := env.Parse(&Ctl); err != nil {
		log.Fatalf("config: %v", err)
	}
}
