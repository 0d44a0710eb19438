package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// RequestLogger 记录每个请求的方法、路由、状态码与耗时。
//
// 5xx 记为 ERROR，4xx 记为 WARN，其余为 INFO。路由使用注册时的模板
// （如 /items/:id），未匹配的请求退回实际路径。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", time.Since(start).String()),
		}
		if uid := c.GetString("userID"); uid != "" {
			attrs = append(attrs, slog.String("user_id", uid))
		}
		logger.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
