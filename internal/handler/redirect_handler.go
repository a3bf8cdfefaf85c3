package handler

import (
	"errors"
	"html"
	"net/http"
	"strconv"

	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RedirectHandler struct {
	service service.RedirectService
	logger  *zap.Logger
}

func NewRedirectHandler(service service.RedirectService, logger *zap.Logger) *RedirectHandler {
	return &RedirectHandler{
		service: service,
		logger:  logger,
	}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Redirect выбирает ссылку кампании и отправляет посетителя на неё.
// Прямой метод отдаёт 302, обёрнутые методы отдают страницу с meta refresh,
// чтобы Referer не уходил на промежуточный сервис.
func (h *RedirectHandler) Redirect(c *gin.Context) {
	campaignID, err := strconv.ParseInt(c.Param("campaignID"), 10, 64)
	if err != nil || campaignID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_campaign",
			Message: "Campaign id must be a positive integer",
		})
		return
	}

	result, err := h.service.HandleRedirect(c.Request.Context(), campaignID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrCampaignNotFound):
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:   "not_found",
				Message: "Campaign not found",
			})
		case errors.Is(err, service.ErrNoneAvailable):
			// Квота кампании исчерпана: кликов больше не будет
			c.JSON(http.StatusGone, ErrorResponse{
				Error:   "none_available",
				Message: "No destination has remaining capacity",
			})
		default:
			h.logger.Error("Redirect failed", zap.Int64("campaign_id", campaignID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{
				Error:   "internal_error",
				Message: "Failed to pick destination",
			})
		}
		return
	}

	c.Header("Cache-Control", "no-store")

	if result.Method == models.MethodDirect {
		c.Redirect(http.StatusFound, result.OutboundURL)
		return
	}

	c.Header("Referrer-Policy", "no-referrer")
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(metaRefreshPage(result.OutboundURL)))
}

func metaRefreshPage(target string) string {
	escaped := html.EscapeString(target)
	return `<!DOCTYPE html><html><head><meta name="referrer" content="no-referrer">` +
		`<meta http-equiv="refresh" content="0;url=` + escaped + `"></head>` +
		`<body><a href="` + escaped + `">Continue</a></body></html>`
}
