package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/sheetpub/sheetpub/internal/logging"
	"github.com/sheetpub/sheetpub/internal/models"
	"github.com/sheetpub/sheetpub/internal/utils"
)

// MinAPIKeyLength is the minimum accepted length of a configured key
const MinAPIKeyLength = 32

// ValidateAPIKey reports whether key is long enough and not blank
func ValidateAPIKey(key string) bool {
	return len(key) >= MinAPIKeyLength && strings.TrimSpace(key) != ""
}

// APIKeyAuth guards peer and operator endpoints with a shared key. Peers send
// it as X-API-Key; operators may also use "Authorization: Bearer <key>".
// Configured keys that are too short are ignored.
func APIKeyAuth(logger *logging.Logger, apiKeys []string, enabled bool) fiber.Handler {
	if !enabled {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	var keys [][]byte
	for _, key := range apiKeys {
		if !ValidateAPIKey(key) {
			logger.Warn("Ignoring API key below minimum length",
				"key_prefix", maskAPIKey(key),
				"min_required", MinAPIKeyLength)
			continue
		}
		keys = append(keys, []byte(key))
	}
	if len(keys) == 0 {
		logger.Error("Auth enabled but no usable API keys; every request will be rejected",
			"configured", len(apiKeys))
	}

	return func(c *fiber.Ctx) error {
		presented := c.Get(utils.HeaderAPIKey)
		if presented == "" {
			presented, _ = strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		}

		if presented == "" || !matches(keys, presented) {
			logger.Warn("Unauthorized request",
				"path", c.Path(),
				"method", c.Method(),
				"ip", c.IP(),
				"key_prefix", maskAPIKey(presented))
			return c.Status(fiber.StatusUnauthorized).JSON(models.ErrorResponse{
				Error: models.ErrorDetail{
					Code:    models.CodeUnauthorized,
					Message: "a valid API key is required in the X-API-Key header",
					Path:    c.Path(),
				},
			})
		}

		return c.Next()
	}
}

func matches(keys [][]byte, presented string) bool {
	p := []byte(presented)
	for _, k := range keys {
		if subtle.ConstantTimeCompare(k, p) == 1 {
			return true
		}
	}
	return false
}

// maskAPIKey keeps the first 4 characters for logs
func maskAPIKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return key[:4] + "****"
}
