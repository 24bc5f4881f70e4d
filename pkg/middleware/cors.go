package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	corsAllowMethods = "GET, POST, PUT, OPTIONS"
	// Last-Event-IDはEventSourceの再接続時に送られる
	corsAllowHeaders = "Authorization, Content-Type, Last-Event-ID"
	corsMaxAge       = 24 * time.Hour
)

// CORS は許可されたオリジンからの通知APIとSSEストリームへのアクセスを許可するGinミドルウェアを返す。
// allowedOriginsに"*"を含めると全オリジンを許可する。この場合Cookieなどの資格情報は送信させない。
// 許可されていないオリジンからのプリフライトは403で終了する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
			continue
		}
		if o != "" {
			origins[o] = struct{}{}
		}
	}
	maxAge := strconv.Itoa(int(corsMaxAge.Seconds()))

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, listed := origins[origin]
		allowed := origin != "" && (allowAll || listed)

		if origin != "" {
			c.Header("Vary", "Origin")
		}
		if allowed {
			if listed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
			} else {
				c.Header("Access-Control-Allow-Origin", "*")
			}
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
			c.Header("Access-Control-Max-Age", maxAge)
		}

		if c.Request.Method == http.MethodOptions {
			if origin != "" && !allowed {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
