package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
)

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// EventSourceがCookieを送れるよう、許可したオリジンには資格情報付きリクエストも許可する。
// allowedOriginsが空の場合はどのオリジンも許可しない。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originsSet[o] = struct{}{}
	}

	c := cors.New(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			_, ok := originsSet[origin]
			return ok
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           86400,
		// プリフライトの応答ステータスはこちらで書く。
		OptionsPassthrough: true,
	})

	return func(ctx *gin.Context) {
		c.Handler(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			ctx.Request = r
			// プリフライトはここで打ち切り、後続のハンドラーを実行しない。
			if isPreflight(r) {
				ctx.AbortWithStatus(http.StatusNoContent)
				return
			}
			ctx.Next()
		})).ServeHTTP(ctx.Writer, ctx.Request)
	}
}

// isPreflight はrがCORSのプリフライトリクエストかどうかを返す。
func isPreflight(r *http.Request) bool {
	_, hasOrigin := r.Header["Origin"]
	return r.Method == http.MethodOptions && hasOrigin && r.Header.Get("Access-Control-Request-Method") != ""
}
