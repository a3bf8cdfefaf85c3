package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/SergeiKhy/campaign-redirect/internal/middleware"
	"github.com/SergeiKhy/campaign-redirect/internal/models"
	"github.com/SergeiKhy/campaign-redirect/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type AdminHandler struct {
	service service.AdminService
	logger  *zap.Logger
}

func NewAdminHandler(service service.AdminService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		service: service,
		logger:  logger,
	}
}

type SetOriginalClickLimitRequest struct {
	OriginalClickLimit int64 `json:"original_click_limit" binding:"required,gt=0"`
}

type SetMultiplierRequest struct {
	Multiplier decimal.Decimal `json:"multiplier"`
}

type SetMultiplierResponse struct {
	CampaignID int64           `json:"campaign_id"`
	Multiplier decimal.Decimal `json:"multiplier"`
	URLs       int64           `json:"urls"`
}

// SaveURLRequest запись фоновой синхронизации. Квотные поля принимаются,
// но вне административных операций не применяются.
type SaveURLRequest struct {
	TargetURL          string           `json:"target_url,omitempty"`
	Status             models.URLStatus `json:"status,omitempty"`
	OriginalClickLimit int64            `json:"original_click_limit,omitempty"`
	ClickLimit         int64            `json:"click_limit,omitempty"`
}

// SetOriginalClickLimit PUT /api/v1/urls/:id/original-click-limit
func (h *AdminHandler) SetOriginalClickLimit(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req SetOriginalClickLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	updated, err := h.service.SetOriginalClickLimit(c.Request.Context(), id, req.OriginalClickLimit)
	if err != nil {
		h.fail(c, "Failed to set original click limit", err)
		return
	}

	h.logger.Info("Admin edit",
		zap.String("by", middleware.KeyNameFromContext(c)),
		zap.String("op", "set_original_click_limit"),
		zap.Int64("url_id", id),
	)
	c.JSON(http.StatusOK, updated)
}

// SaveURL PUT /api/v1/urls/:id
func (h *AdminHandler) SaveURL(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req SaveURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	saved, err := h.service.SaveURL(c.Request.Context(), &models.URL{
		ID:                 id,
		TargetURL:          req.TargetURL,
		Status:             req.Status,
		OriginalClickLimit: req.OriginalClickLimit,
		ClickLimit:         req.ClickLimit,
	})
	if err != nil {
		h.fail(c, "Failed to save url", err)
		return
	}

	c.JSON(http.StatusOK, saved)
}

// SetMultiplier PUT /api/v1/campaigns/:id/multiplier
func (h *AdminHandler) SetMultiplier(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	var req SetMultiplierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	affected, err := h.service.SetMultiplier(c.Request.Context(), id, req.Multiplier)
	if err != nil {
		h.fail(c, "Failed to set multiplier", err)
		return
	}

	h.logger.Info("Admin edit",
		zap.String("by", middleware.KeyNameFromContext(c)),
		zap.String("op", "set_multiplier"),
		zap.Int64("campaign_id", id),
	)
	c.JSON(http.StatusOK, SetMultiplierResponse{
		CampaignID: id,
		Multiplier: req.Multiplier,
		URLs:       affected,
	})
}

// MethodStats GET /api/v1/urls/:id/methods
func (h *AdminHandler) MethodStats(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	stats, err := h.service.MethodStats(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get method stats", err)
		return
	}
	if stats == nil {
		stats = []models.RedirectMethodCounter{}
	}

	c.JSON(http.StatusOK, stats)
}

// SpendStatus GET /api/v1/campaigns/:id/spend
func (h *AdminHandler) SpendStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	status, err := h.service.SpendStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get spend status", err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// ReconcileNow POST /api/v1/campaigns/:id/reconcile
func (h *AdminHandler) ReconcileNow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	if err := h.service.ReconcileNow(c.Request.Context(), id); err != nil {
		h.fail(c, "Failed to reconcile campaign", err)
		return
	}

	status, err := h.service.SpendStatus(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get spend status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// fail переводит ошибку сервиса в HTTP ответ
func (h *AdminHandler) fail(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_input", Message: err.Error()})
	case errors.Is(err, service.ErrURLNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "URL not found"})
	case errors.Is(err, service.ErrCampaignNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Campaign not found"})
	case errors.Is(err, service.ErrNotReconcilable):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "not_reconcilable", Message: "Campaign has no external billing campaign"})
	case errors.Is(err, service.ErrTickInProgress):
		c.JSON(http.StatusConflict, ErrorResponse{Error: "tick_in_progress", Message: "Campaign is being reconciled, retry later"})
	default:
		h.logger.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: msg})
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_id",
			Message: "Id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}
