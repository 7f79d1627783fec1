package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/CampaignMailer/internal/campaign"
	"github.com/Mutter0815/CampaignMailer/internal/dispatch"
	"github.com/Mutter0815/CampaignMailer/internal/genai"
	"github.com/Mutter0815/CampaignMailer/internal/leads"
	"github.com/Mutter0815/CampaignMailer/internal/preview"
	"github.com/Mutter0815/CampaignMailer/internal/settings"
	"github.com/Mutter0815/CampaignMailer/pkg/logx"
)

type storeAPI interface {
	GetCampaign(ctx context.Context, id int64) (campaign.Campaign, error)
	GetCampaignStats(ctx context.Context, id int64) (campaign.Stats, error)
	ListCampaigns(ctx context.Context, limit, offset int) ([]campaign.Campaign, []campaign.Stats, error)
	ListRecipients(ctx context.Context, campaignID int64) ([]campaign.Recipient, error)
}

type dispatcherAPI interface {
	Submit(ctx context.Context, req dispatch.SubmitRequest) (dispatch.Result, error)
	Cancel(ctx context.Context, id int64) (dispatch.Result, error)
	ForceNow(ctx context.Context, id int64) (dispatch.Result, error)
}

type generatorAPI interface {
	Generate(ctx context.Context, req genai.Request) (string, error)
	Sanitize(html string) string
}

type previewAPI interface {
	Save(ctx context.Context, d preview.Draft) (string, time.Time, error)
	Get(ctx context.Context, token string) (preview.Draft, error)
	Delete(ctx context.Context, token string) error
}

type settingsAPI interface {
	Load(ctx context.Context) (settings.Settings, error)
}

type Handlers struct {
	Store     storeAPI
	Dispatch  dispatcherAPI
	Gen       generatorAPI
	Previews  previewAPI
	Settings  settingsAPI
	Columns   leads.Columns
	MaxUpload int64
}

func (h *Handlers) Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// errorStatus maps the domain taxonomy onto HTTP codes.
func errorStatus(err error) int {
	var (
		ve *campaign.ValidationError
		ce *campaign.ConfigError
		xe *campaign.CollaboratorError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, preview.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, campaign.ErrInvalidTransition), errors.Is(err, campaign.ErrJobStarted):
		return http.StatusConflict
	case errors.As(err, &xe):
		return http.StatusBadGateway
	case errors.Is(err, leads.ErrMissingColumns), errors.Is(err, leads.ErrUnsupportedFormat), errors.Is(err, leads.ErrEmptyFile):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, event string, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logx.L().Errorw(event, "rid", c.GetString("request_id"), "error", err)
		msg = "internal error"
	} else {
		logx.L().Infow(event, "rid", c.GetString("request_id"), "status", status, "error", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// PreviewCampaign generates the body for a theme, parses the uploaded lead list and parks both
// in the preview cache until the operator approves them.
func (h *Handlers) PreviewCampaign(c *gin.Context) {
	if h.MaxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUpload)
	}
	if err := c.Request.ParseMultipartForm(8 << 20); err != nil {
		writeError(c, "preview_bad_request", &campaign.ValidationError{Field: "form", Reason: err.Error()})
		return
	}

	content := campaign.Content{
		Subject: strings.TrimSpace(c.PostForm("subject")),
		Theme:   strings.TrimSpace(c.PostForm("theme")),
		CTAURL:  strings.TrimSpace(c.PostForm("cta_url")),
	}
	for _, f := range []struct{ name, value string }{
		{"subject", content.Subject}, {"theme", content.Theme}, {"cta_url", content.CTAURL},
	} {
		if f.value == "" {
			writeError(c, "preview_bad_request", &campaign.ValidationError{Field: f.name, Reason: "is required"})
			return
		}
	}

	fh, err := c.FormFile("leads")
	if err != nil {
		writeError(c, "preview_bad_request", &campaign.ValidationError{Field: "leads", Reason: "lead file is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, "preview_upload_error", err)
		return
	}
	defer f.Close()

	list, err := leads.Parse(f, fh.Filename, h.Columns)
	if err != nil {
		writeError(c, "preview_leads_error", err)
		return
	}
	if len(list.Leads) == 0 {
		writeError(c, "preview_bad_request", &campaign.ValidationError{Field: "leads", Reason: "no usable rows"})
		return
	}

	ctx := c.Request.Context()
	cfg, err := h.Settings.Load(ctx)
	if err != nil {
		writeError(c, "settings_load_error", err)
		return
	}
	if err := cfg.ValidateGeneration(); err != nil {
		writeError(c, "preview_config_error", err)
		return
	}

	html, err := h.Gen.Generate(ctx, genai.Request{
		APIKey:      cfg.APIKey,
		Theme:       content.Theme,
		CTAURL:      content.CTAURL,
		CompanyName: cfg.CompanyName,
		LogoURL:     cfg.LogoURL,
	})
	if err != nil {
		writeError(c, "preview_generation_error", err)
		return
	}
	content.HTML = html

	draft := preview.Draft{Content: content, Leads: list.Leads, Dropped: list.Dropped}
	if u, ok := CurrentUser(c); ok {
		draft.Owner = &u.ID
	}
	token, expires, err := h.Previews.Save(ctx, draft)
	if err != nil {
		writeError(c, "preview_save_error", err)
		return
	}

	logx.L().Infow("preview_created", "rid", c.GetString("request_id"), "recipients", len(list.Leads), "dropped", list.Dropped)
	c.JSON(http.StatusOK, campaign.PreviewResp{
		Token:      token,
		HTML:       html,
		Recipients: len(list.Leads),
		Dropped:    list.Dropped,
		ExpiresAt:  expires.UTC().Format(time.RFC3339),
	})
}

// CreateCampaign approves a preview, optionally with edited HTML and a schedule time.
func (h *Handlers) CreateCampaign(c *gin.Context) {
	var req campaign.ApproveCampaignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	draft, err := h.Previews.Get(ctx, req.PreviewToken)
	if err != nil {
		writeError(c, "preview_get_error", err)
		return
	}
	content := draft.Content
	if strings.TrimSpace(req.HTML) != "" {
		// правка оператора проходит ту же политику, что и сгенерированный текст
		content.HTML = h.Gen.Sanitize(req.HTML)
	}

	res, err := h.Dispatch.Submit(ctx, dispatch.SubmitRequest{
		Content:    content,
		ScheduleAt: req.ScheduledAt,
		Owner:      draft.Owner,
		Leads:      draft.Leads,
	})
	if res.CampaignID != 0 {
		// кампания создана, токен больше не нужен даже при ошибке очереди
		if derr := h.Previews.Delete(ctx, req.PreviewToken); derr != nil {
			logx.L().Warnw("preview_delete_error", "campaign_id", res.CampaignID, "error", derr)
		}
	}
	if err != nil {
		if res.CampaignID == 0 {
			writeError(c, "create_campaign_error", err)
			return
		}
		logx.L().Errorw("create_campaign_queue_error", "campaign_id", res.CampaignID, "error", err)
		c.JSON(errorStatus(err), campaign.ApproveCampaignResp{
			ID: res.CampaignID, Status: res.Status, Recipients: len(draft.Leads), Error: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, campaign.ApproveCampaignResp{
		ID: res.CampaignID, Status: res.Status, JobID: res.JobID, Recipients: len(draft.Leads),
	})
}

func (h *Handlers) ListCampaigns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rows, stats, err := h.Store.ListCampaigns(ctx, limit, offset)
	if err != nil {
		logx.L().Errorw("list_campaigns_error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list error"})
		return
	}

	out := make([]campaign.CampaignListItem, 0, len(rows))
	for i, r := range rows {
		out = append(out, campaign.CampaignListItem{
			ID:           r.ID,
			Subject:      r.Subject,
			Status:       r.Status,
			ScheduledAt:  r.ScheduledAt,
			SuccessCount: r.SuccessCount,
			FailCount:    r.FailCount,
			CreatedAt:    r.CreatedAt,
			Stats:        stats[i],
		})
	}

	c.JSON(http.StatusOK, out)
}

func (h *Handlers) GetCampaign(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	camp, err := h.Store.GetCampaign(ctx, id)
	if err != nil {
		writeError(c, "get_campaign_error", err)
		return
	}

	stats, err := h.Store.GetCampaignStats(ctx, id)
	if err != nil {
		logx.L().Errorw("get_campaign_stats_error", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats error"})
		return
	}

	recipients, err := h.Store.ListRecipients(ctx, id)
	if err != nil {
		logx.L().Errorw("list_recipients_error", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recipients error"})
		return
	}

	c.JSON(http.StatusOK, campaign.CampaignDetails{Campaign: camp, Stats: stats, Recipients: recipients})
}

func (h *Handlers) CancelCampaign(c *gin.Context) {
	h.action(c, "cancel_campaign_error", h.Dispatch.Cancel)
}

func (h *Handlers) SendNow(c *gin.Context) {
	h.action(c, "send_now_error", h.Dispatch.ForceNow)
}

func (h *Handlers) action(c *gin.Context, event string, fn func(context.Context, int64) (dispatch.Result, error)) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	res, err := fn(ctx, id)
	if err != nil {
		writeError(c, event, err)
		return
	}
	c.JSON(http.StatusOK, campaign.ActionResp{ID: res.CampaignID, Status: res.Status, Warning: res.Warning})
}
