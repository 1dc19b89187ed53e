package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/notify/pkg/logger"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にログを出力し、レスポンス未送信であれば500エラーを返す。
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.From(c.Request.Context()).Error("[PANIC] ハンドラでパニックが発生",
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"panic", r,
				)
				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "内部サーバーエラーが発生しました",
				})
			}
		}()
		c.Next()
	}
}
