package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Ключи gin-контекста
const (
	ctxAPIKeyName      = "api_key_name"
	ctxAPIKeyValidated = "api_key_validated"
)

// APIKeyConfig конфигурация аутентификации административных эндпоинтов
type APIKeyConfig struct {
	// ValidKeys API ключ -> имя владельца (попадает в журнал правок)
	ValidKeys map[string]string
	// HeaderName имя заголовка (по умолчанию X-API-Key)
	HeaderName string
	// Optional пропускать запросы без ключа как неаутентифицированные
	Optional bool
}

// DefaultAPIKeyConfig конфигурация по умолчанию
var DefaultAPIKeyConfig = APIKeyConfig{
	HeaderName: "X-API-Key",
	Optional:   false,
}

// APIKey middleware аутентификации по API ключу
type APIKey struct {
	config APIKeyConfig
}

func NewAPIKey(config APIKeyConfig) *APIKey {
	if config.HeaderName == "" {
		config.HeaderName = DefaultAPIKeyConfig.HeaderName
	}
	return &APIKey{config: config}
}

// Middleware ключ берётся из заголовка или из Authorization: Bearer
func (ak *APIKey) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(ak.config.HeaderName)
		if apiKey == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			if ak.config.Optional {
				c.Set(ctxAPIKeyValidated, false)
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_api_key",
				"message": "Требуется API ключ в заголовке " + ak.config.HeaderName + " или Authorization: Bearer",
			})
			return
		}

		name, ok := ak.lookup(apiKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_api_key",
				"message": "Невалидный API ключ",
			})
			return
		}

		c.Set(ctxAPIKeyValidated, true)
		c.Set(ctxAPIKeyName, name)
		c.Next()
	}
}

// lookup сравнение за постоянное время по всем ключам
func (ak *APIKey) lookup(apiKey string) (string, bool) {
	var (
		found bool
		name  string
	)
	for key, keyName := range ak.config.ValidKeys {
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
			found = true
			name = keyName
		}
	}
	return name, found
}

// RequireAPIKey middleware, требующий API ключ
func RequireAPIKey(validKeys map[string]string) gin.HandlerFunc {
	return NewAPIKey(APIKeyConfig{ValidKeys: validKeys}).Middleware()
}

// KeyNameFromContext имя владельца ключа, прошедшего проверку
func KeyNameFromContext(c *gin.Context) string {
	if !IsAPIKeyValidated(c) {
		return ""
	}
	return c.GetString(ctxAPIKeyName)
}

// IsAPIKeyValidated прошёл ли запрос проверку ключа
func IsAPIKeyValidated(c *gin.Context) bool {
	return c.GetBool(ctxAPIKeyValidated)
}
