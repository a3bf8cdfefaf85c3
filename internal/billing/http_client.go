package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type HTTPClientConfig struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	RPS      float64
	TokenTTL time.Duration
}

// HTTPClient клиент REST API биллинга. Токен доступа, полученный по API-ключу,
// кэшируется на TokenTTL и сбрасывается через Invalidate или при ответе 401.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokenTTL   time.Duration
	logger     *zap.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewHTTPClient(cfg HTTPClientConfig, logger *zap.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * time.Minute
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		tokenTTL:   cfg.TokenTTL,
		logger:     logger.Named("billing"),
	}
}

// SetHTTPClient подменяет транспорт (тесты, прокси)
func (c *HTTPClient) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		c.httpClient = hc
	}
}

// Invalidate сбрасывает кэшированный токен
func (c *HTTPClient) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.tokenExp = time.Time{}
}

type spendResponse struct {
	Spend decimal.Decimal `json:"spend"`
}

func (c *HTTPClient) GetDailySpend(ctx context.Context, externalCampaignID string, date time.Time) (decimal.Decimal, error) {
	path := fmt.Sprintf("/campaigns/%s/spend?date=%s", url.PathEscape(externalCampaignID), date.UTC().Format(time.DateOnly))

	var resp spendResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Spend, nil
}

func (c *HTTPClient) SetDailyBudget(ctx context.Context, externalCampaignID string, amount decimal.Decimal) error {
	path := fmt.Sprintf("/campaigns/%s/daily-budget", url.PathEscape(externalCampaignID))
	return c.do(ctx, http.MethodPut, path, map[string]any{"amount": amount.StringFixed(2)}, nil)
}

func (c *HTTPClient) SetScheduleEnd(ctx context.Context, externalCampaignID string, end time.Time) error {
	path := fmt.Sprintf("/campaigns/%s/schedule", url.PathEscape(externalCampaignID))
	return c.do(ctx, http.MethodPut, path, map[string]any{"end_time": end.UTC().Format(time.RFC3339)}, nil)
}

func (c *HTTPClient) SetActive(ctx context.Context, externalCampaignID string, active bool) error {
	path := fmt.Sprintf("/campaigns/%s/status", url.PathEscape(externalCampaignID))
	return c.do(ctx, http.MethodPut, path, map[string]any{"active": active}, nil)
}

// do выполняет запрос с токеном; при 401 токен сбрасывается и запрос повторяется один раз
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		status, err := c.send(ctx, method, path, token, body, out)
		if err != nil {
			return err
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			c.logger.Debug("Billing token rejected, refreshing", zap.String("path", path))
			c.Invalidate()
			continue
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("%w: %s %s returned %d", ErrBillingCallFailed, method, path, status)
		}
		return nil
	}
	return fmt.Errorf("%w: %s %s unauthorized", ErrBillingCallFailed, method, path)
}

func (c *HTTPClient) send(ctx context.Context, method, path, token string, body any, out any) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBillingCallFailed, err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal billing request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build billing request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBillingCallFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return 0, fmt.Errorf("%w: decode response: %v", ErrBillingCallFailed, err)
		}
	} else {
		_, _ = io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *HTTPClient) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	var resp tokenResponse
	status, err := c.send(ctx, http.MethodPost, "/auth/token", "", map[string]string{"api_key": c.apiKey}, &resp)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK || resp.AccessToken == "" {
		return "", fmt.Errorf("%w: token exchange returned %d", ErrBillingCallFailed, status)
	}

	ttl := c.tokenTTL
	if resp.ExpiresIn > 0 && time.Duration(resp.ExpiresIn)*time.Second < ttl {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}
	c.token = resp.AccessToken
	c.tokenExp = time.Now().Add(ttl)
	return c.token, nil
}
