package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger はリクエストごとに構造化ログを出力するGinミドルウェアを返す。
// ヘルスチェックはログに出さない。ステータスコードに応じてログレベルを変える。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/health") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		attrs := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"user_id", GetUserID(c),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			logger.ErrorContext(c.Request.Context(), "リクエストが失敗しました", attrs...)
		case status >= 400:
			logger.WarnContext(c.Request.Context(), "リクエストエラー", attrs...)
		default:
			logger.DebugContext(c.Request.Context(), "リクエスト完了", attrs...)
		}
	}
}
