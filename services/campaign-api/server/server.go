package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Mutter0815/CampaignMailer/docs"
	"github.com/Mutter0815/CampaignMailer/internal/auth"
	"github.com/Mutter0815/CampaignMailer/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers, a authenticator) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.CampaignSwaggerHTML)
	})
	r.GET("/docs/campaign-api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.CampaignOpenAPI)
	})

	api := r.Group("/campaigns", BasicAuth(a), RequireRole(auth.RoleAdmin, auth.RoleEditor))
	api.POST("/preview", h.PreviewCampaign)
	api.POST("", h.CreateCampaign)
	api.GET("", h.ListCampaigns)
	api.GET("/:id", h.GetCampaign)
	api.POST("/:id/cancel", h.CancelCampaign)
	api.POST("/:id/send-now", h.SendNow)

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
