package models

import (
	"time"
)

// MethodDirect прямой редирект без обёртки
const MethodDirect = "direct"

// MethodUsageEvent событие использования метода редиректа
type MethodUsageEvent struct {
	URLID  int64
	Method string
	At     time.Time
}

type RedirectMethodCounter struct {
	URLID     int64     `json:"url_id"`
	Method    string    `json:"method"`
	Count     int64     `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RedirectResult итог обработки входящего редиректа
type RedirectResult struct {
	CampaignID  int64  `json:"campaign_id"`
	URLID       int64  `json:"url_id"`
	OutboundURL string `json:"outbound_url"`
	Method      string `json:"method"`
	Clicks      int64  `json:"clicks"`
}
