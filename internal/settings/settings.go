package settings

import (
	"context"
	"strconv"
	"strings"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
)

const (
	KeyAPIKey      = "API_KEY"
	KeyCompanyName = "COMPANY_NAME"
	KeyLogoURL     = "LOGO_URL"
	KeySMTPServer  = "SMTP_SERVER"
	KeySMTPPort    = "SMTP_PORT"
	KeySMTPUser    = "SMTP_USER"
	KeySMTPPass    = "SMTP_PASS"
	KeySMTPFrom    = "SMTP_FROM"
)

// Keys lists every key the application reads.
var Keys = []string{
	KeyAPIKey, KeyCompanyName, KeyLogoURL,
	KeySMTPServer, KeySMTPPort, KeySMTPUser, KeySMTPPass, KeySMTPFrom,
}

// Secret reports whether the value of key must not be echoed back.
func Secret(key string) bool {
	return key == KeyAPIKey || key == KeySMTPPass
}

type SMTP struct {
	Server   string
	Port     int
	User     string
	Pass     string
	From     string // overrides the sender address, User is used when empty
	FromName string
}

func (s SMTP) Validate() error {
	var missing []string
	if s.Server == "" {
		missing = append(missing, KeySMTPServer)
	}
	if s.Port <= 0 || s.Port > 65535 {
		missing = append(missing, KeySMTPPort)
	}
	if s.User == "" {
		missing = append(missing, KeySMTPUser)
	}
	if s.Pass == "" {
		missing = append(missing, KeySMTPPass)
	}
	if len(missing) > 0 {
		return &campaign.ConfigError{Missing: missing}
	}
	return nil
}

func (s SMTP) FromAddress() string {
	if s.From != "" {
		return s.From
	}
	return s.User
}

type Settings struct {
	APIKey      string
	CompanyName string
	LogoURL     string
	SMTP        SMTP
}

// ValidateGeneration checks what the text generator needs.
func (s Settings) ValidateGeneration() error {
	var missing []string
	if s.APIKey == "" {
		missing = append(missing, KeyAPIKey)
	}
	if s.CompanyName == "" {
		missing = append(missing, KeyCompanyName)
	}
	if len(missing) > 0 {
		return &campaign.ConfigError{Missing: missing}
	}
	return nil
}

// FromMap builds typed settings from the raw key/value table. An unparsable port stays zero
// and is reported by SMTP.Validate.
func FromMap(kv map[string]string) Settings {
	get := func(k string) string { return strings.TrimSpace(kv[k]) }
	port, _ := strconv.Atoi(get(KeySMTPPort))
	return Settings{
		APIKey:      get(KeyAPIKey),
		CompanyName: get(KeyCompanyName),
		LogoURL:     get(KeyLogoURL),
		SMTP: SMTP{
			Server:   get(KeySMTPServer),
			Port:     port,
			User:     get(KeySMTPUser),
			Pass:     kv[KeySMTPPass],
			From:     get(KeySMTPFrom),
			FromName: get(KeyCompanyName),
		},
	}
}

type Source interface {
	LoadSettings(ctx context.Context) (map[string]string, error)
}

// Loader reads settings fresh on every call so edits apply without a restart.
type Loader struct {
	src Source
}

func NewLoader(src Source) *Loader { return &Loader{src: src} }

func (l *Loader) Load(ctx context.Context) (Settings, error) {
	kv, err := l.src.LoadSettings(ctx)
	if err != nil {
		return Settings{}, err
	}
	return FromMap(kv), nil
}
