// Package genai asks an OpenAI-compatible chat model for the HTML body of a campaign.
package genai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/sashabaranov/go-openai"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/delivery"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
	"github.com/Mutter0815/CampaignMailer/pkg/metrics"
)

const collaborator = "genai"

var (
	ErrAPIKeyRequired = errors.New("genai: api key is required")
	ErrEmptyResponse  = errors.New("genai: empty response")
)

type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

type Request struct {
	APIKey      string
	Theme       string
	CTAURL      string
	CompanyName string
	LogoURL     string
}

type Client struct {
	cfg    Config
	policy *bluemonday.Policy
	now    func() time.Time
}

func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-lite"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, policy: emailPolicy(), now: time.Now}
}

// emailPolicy keeps the table layout and inline styles an email body needs and drops scripts,
// event handlers and non-http links. Document tags (html, head, body) are not kept: campaigns store
// body markup only, and generated and hand-edited HTML go through the same policy.
func emailPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	p.AllowAttrs("align", "valign", "bgcolor", "width", "height").Globally()
	p.AllowAttrs("cellpadding", "cellspacing", "border", "role").OnElements("table")
	p.AllowElements("center", "font", "span", "div")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.RequireNoFollowOnLinks(false)
	return p
}

// Generate returns sanitised HTML for the campaign theme. Every failure, timeout included,
// comes back as *campaign.CollaboratorError.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if req.APIKey == "" {
		return "", &campaign.CollaboratorError{Collaborator: collaborator, Err: ErrAPIKeyRequired}
	}

	ocfg := openai.DefaultConfig(req.APIKey)
	if c.cfg.BaseURL != "" {
		ocfg.BaseURL = c.cfg.BaseURL
	}
	ocfg.HTTPClient = &http.Client{Timeout: c.cfg.Timeout}
	client := openai.NewClientWithConfig(ocfg)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: c.prompt(req)},
		},
	})
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", c.failed(fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", c.failed(ErrEmptyResponse)
	}

	html := c.Sanitize(CleanFences(resp.Choices[0].Message.Content))
	if strings.TrimSpace(html) == "" {
		return "", c.failed(ErrEmptyResponse)
	}
	logx.L().Infow("genai_generated", "model", c.cfg.Model, "bytes", len(html), "tokens", resp.Usage.TotalTokens)
	return html, nil
}

// Sanitize applies the email policy to HTML from any source.
func (c *Client) Sanitize(html string) string {
	return strings.TrimSpace(c.policy.Sanitize(html))
}

func (c *Client) failed(err error) error {
	metrics.GenerationFailures.Inc()
	logx.L().Errorw("genai_error", "model", c.cfg.Model, "error", err)
	return &campaign.CollaboratorError{Collaborator: collaborator, Err: err}
}

func (c *Client) prompt(req Request) string {
	logo := "2. The email MUST NOT include a logo or space for one."
	if strings.TrimSpace(req.LogoURL) != "" {
		logo = "2. The email MUST include a logo. Use this URL: " + req.LogoURL
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Write the body of an HTML marketing email (tables and inline CSS) on the theme: '%s'.\n", req.Theme)
	b.WriteString("Do not include <html>, <head>, <body> or <style> tags; start with the outer table.\n")
	b.WriteString("The email should be professional and friendly.\n")
	fmt.Fprintf(&b, "1. The main call-to-action button MUST point to this URL: %s\n", req.CTAURL)
	b.WriteString(logo + "\n")
	fmt.Fprintf(&b, "3. The company name is: '%s'. Use it in the footer.\n", req.CompanyName)
	fmt.Fprintf(&b, "4. The copyright year in the footer MUST be the current year: %d.\n", c.now().Year())
	fmt.Fprintf(&b, "Use the placeholder %s where the customer's name should go.\n", delivery.NamePlaceholder)
	b.WriteString("Put the final HTML inside a Markdown code block (```html ... ```).")
	return b.String()
}

// CleanFences extracts the HTML from a Markdown code block. Text without a fence is returned
// trimmed; an unterminated fence yields everything after it.
func CleanFences(raw string) string {
	var start int
	switch {
	case strings.Contains(raw, "```html"):
		start = strings.Index(raw, "```html") + len("```html")
	case strings.Contains(raw, "```"):
		start = strings.Index(raw, "```") + len("```")
	default:
		return strings.TrimSpace(raw)
	}

	rest := raw[start:]
	if !strings.Contains(rest, "```") {
		return strings.TrimSpace(rest)
	}
	body := strings.TrimSpace(raw[start:strings.LastIndex(raw, "```")])
	if strings.HasPrefix(body, "<") {
		return body
	}
	return strings.TrimSpace(strings.NewReplacer("```html", "", "```", "").Replace(raw))
}
