package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
)

// NamePlaceholder is replaced with the recipient's first name in the body.
const NamePlaceholder = "[NAME]"

var ErrNoTransport = errors.New("delivery: smtp server is not configured")

type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type DialFunc func(cfg settings.SMTP) Sender

// Engine sends one message per call over a fresh SMTP session.
type Engine struct {
	dial DialFunc
}

type Option func(*Engine)

func WithDialer(d DialFunc) Option {
	return func(e *Engine) {
		if d != nil {
			e.dial = d
		}
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{dial: smtpDialer}
	for _, o := range opts {
		o(e)
	}
	return e
}

// STARTTLS используется автоматически, если сервер его предлагает; порт 465 включает SSL.
func smtpDialer(cfg settings.SMTP) Sender {
	return gomail.NewDialer(cfg.Server, cfg.Port, cfg.User, cfg.Pass)
}

func FirstName(display string) string {
	first, _, _ := strings.Cut(strings.TrimSpace(display), " ")
	return first
}

func Personalize(html, name string) string {
	return strings.ReplaceAll(html, NamePlaceholder, FirstName(name))
}

func NewMessage(cfg settings.SMTP, to campaign.Recipient, subject, html string) *gomail.Message {
	m := gomail.NewMessage()
	if cfg.FromName != "" {
		m.SetAddressHeader("From", cfg.FromAddress(), cfg.FromName)
	} else {
		m.SetHeader("From", cfg.FromAddress())
	}
	if to.Name != "" {
		m.SetAddressHeader("To", to.Email, to.Name)
	} else {
		m.SetHeader("To", to.Email)
	}
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", Personalize(html, to.Name))
	return m
}

// Send never panics: every transport problem comes back as an error local to this recipient.
func (e *Engine) Send(ctx context.Context, cfg settings.SMTP, to campaign.Recipient, subject, html string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cfg.Server == "" {
		return ErrNoTransport
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery: transport panic: %v", r)
		}
	}()

	if err := e.dial(cfg).DialAndSend(NewMessage(cfg, to, subject, html)); err != nil {
		return fmt.Errorf("delivery: send to %s: %w", to.Email, err)
	}
	return nil
}
