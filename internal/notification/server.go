package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/notify/internal/push"
	"github.com/nao1215/notify/pkg/event"
	"github.com/nao1215/notify/pkg/logger"
	"github.com/nao1215/notify/pkg/middleware"
	"github.com/nao1215/notify/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// wsReadLimit はWebSocketでクライアントから受け付けるメッセージの最大サイズ。
// クライアントからの送信は想定していないので小さく抑える。
const wsReadLimit = 512

// ServerConfig はServerの設定。
type ServerConfig struct {
	// Port はリッスンポート。
	Port string
	// JWTSecret はストリーム接続のトークンを検証する鍵。
	JWTSecret string
	// InternalToken は内部APIの共有トークン。
	InternalToken string
	// HeartbeatInterval はハートビート間隔。
	HeartbeatInterval time.Duration
	// SessionBuffer はセッションごとの送信キューのサイズ。
	SessionBuffer int
	// VAPIDPublicKey はブラウザに渡すVAPID公開鍵。空ならプッシュ購読を受け付けない。
	VAPIDPublicKey string
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。
	AllowedOrigins []string
	// RelayHealthy はRelayの接続状態を返す。nilならヘルスチェックで確認しない。
	RelayHealthy func() bool
	// Logger はログ出力先。
	Logger *slog.Logger
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はRunで起動するHTTPサーバー。
	httpServer *http.Server
	cfg        ServerConfig
	logger     *slog.Logger

	// broadcaster はストリームのリスナーを管理する。
	broadcaster *Broadcaster
	// service は通知の発行口。
	service *Service
	// subscriptions はプッシュ購読の保存先。nilならプッシュ購読APIは503を返す。
	subscriptions push.Repository
	// tracker は開いているストリームを保持する。
	tracker  *Tracker
	upgrader websocket.Upgrader
}

// NewServer は新しい通知サーバーを生成する。subscriptionsはnilでもよい。
func NewServer(cfg ServerConfig, b *Broadcaster, svc *Service, subscriptions push.Repository) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:        router,
		cfg:           cfg,
		logger:        cfg.Logger,
		broadcaster:   b,
		service:       svc,
		subscriptions: subscriptions,
		tracker:       NewTracker(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdownは処理中のリクエストの完了を待つので、先にストリームを閉じて戻らせる。
	s.httpServer.RegisterOnShutdown(s.tracker.CloseAll)
	return s
}

// Handler はトレースを付与したHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "notification",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/health"
		}),
	)
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	s.logger.Info("通知サーバーを起動します", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	}
	return nil
}

// Shutdown は新しい接続の受け付けを止め、全ストリームを閉じてから実行中のプッシュ配信を待つ。
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	// ハイジャック済みのWebSocketはShutdownの対象外なので改めて閉じる。
	s.tracker.CloseAll()
	if s.service != nil {
		err = errors.Join(err, s.service.Shutdown(ctx))
	}
	if err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		if s.cfg.RelayHealthy != nil && !s.cfg.RelayHealthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "service": "notification", "relay": "disconnected"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	// バックグラウンドワーカーのスクリプト
	s.router.GET("/sw.js", s.handleServiceWorker())
	s.router.GET("/api/v1/push/vapid-public-key", s.handleVAPIDPublicKey())

	api := s.router.Group("/api/v1")
	api.Use(middleware.SubjectAuth(s.cfg.JWTSecret))
	{
		notifications := api.Group("/notifications")
		{
			// SSEストリーム
			notifications.GET("/stream", s.handleStream())
			// WebSocketストリーム
			notifications.GET("/ws", s.handleWebSocket())
		}

		subscriptions := api.Group("/push/subscriptions")
		{
			// プッシュ購読の登録
			subscriptions.POST("", s.handleSubscribe())
			// プッシュ購読の解除
			subscriptions.DELETE("", s.handleUnsubscribe())
		}
	}

	// 通知の発行（内部API - 業務サービスから呼び出される）
	internal := s.router.Group("/internal")
	internal.Use(middleware.InternalAuth(s.cfg.InternalToken))
	{
		internal.POST("/notify", s.handleNotify())
		internal.GET("/stats", s.handleStats())
	}
}

// sessionConfig はトランスポートごとのセッション設定を返す。
func (s *Server) sessionConfig(ctx context.Context, transport string) SessionConfig {
	return SessionConfig{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		QueueSize:         s.cfg.SessionBuffer,
		Transport:         transport,
		Logger:            logger.From(ctx),
	}
}

// handleStream は認証済みの通知先にSSEでイベントを配信するハンドラ。
// クライアントが切断するか、書き込みに失敗するか、サーバーが停止するまで戻らない。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := middleware.GetRecipient(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "通知先が取得できません"})
			return
		}

		ctx := c.Request.Context()
		sess := NewSession(s.broadcaster, r, NewSSEWriter(c.Writer), s.sessionConfig(ctx, "sse"))
		s.tracker.Add(sess)
		defer s.tracker.Remove(sess)
		defer sess.Close()

		if err := sess.Open(); err != nil {
			s.logger.Info("ストリームを開始できませんでした", "recipient", r.String(), "error", err)
			return
		}
		if err := sess.Run(ctx); err != nil {
			s.logger.Debug("ストリームが書き込みエラーで終了しました", "session_id", sess.ID(), "error", err)
		}
	}
}

// handleWebSocket は認証済みの通知先にWebSocketでイベントを配信するハンドラ。
// フレームの形式はSSEと同じJSONで、1イベントを1メッセージとして送る。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := middleware.GetRecipient(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "通知先が取得できません"})
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgraderがエラーレスポンスを書き込み済み。
			s.logger.Info("WebSocketへのアップグレードに失敗", "recipient", r.String(), "error", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		sess := NewSession(s.broadcaster, r, NewWebSocketWriter(conn), s.sessionConfig(ctx, "websocket"))
		s.tracker.Add(sess)
		defer s.tracker.Remove(sess)
		defer sess.Close()

		// 切断を検知するために読み続ける。クライアントからのメッセージは使わない。
		conn.SetReadLimit(wsReadLimit)
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		if err := sess.Open(); err != nil {
			s.logger.Info("ストリームを開始できませんでした", "recipient", r.String(), "error", err)
			return
		}
		if err := sess.Run(ctx); err != nil {
			s.logger.Debug("ストリームが書き込みエラーで終了しました", "session_id", sess.ID(), "error", err)
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
	}
}

// originChecker はWebSocketのOriginを検証する関数を返す。
// 許可リストが空の場合は同一オリジンのみ許可する。
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// handleServiceWorker はバックグラウンドワーカーのスクリプトを返すハンドラ。
func (s *Server) handleServiceWorker() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache")
		c.Header("Service-Worker-Allowed", "/")
		c.Data(http.StatusOK, "application/javascript; charset=utf-8", web.ServiceWorker)
	}
}

// handleVAPIDPublicKey はプッシュ購読に必要なVAPID公開鍵を返すハンドラ。
func (s *Server) handleVAPIDPublicKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.VAPIDPublicKey == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "プッシュ通知は無効です"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"public_key": s.cfg.VAPIDPublicKey})
	}
}

// subscribeRequest はプッシュ購読の登録リクエストのJSON構造。
// ブラウザのPushSubscription.toJSON()の形式に合わせている。
type subscribeRequest struct {
	// Endpoint はプッシュサービスのエンドポイントURL。
	Endpoint string `json:"endpoint" binding:"required,url"`
	// Keys はペイロード暗号化に使う鍵。
	Keys struct {
		// P256dh はクライアントの公開鍵。
		P256dh string `json:"p256dh" binding:"required"`
		// Auth はクライアントの認証シークレット。
		Auth string `json:"auth" binding:"required"`
	} `json:"keys"`
}

// unsubscribeRequest はプッシュ購読の解除リクエストのJSON構造。
type unsubscribeRequest struct {
	// Endpoint は解除するエンドポイントURL。
	Endpoint string `json:"endpoint" binding:"required"`
}

// pushEnabled はプッシュ購読を受け付けられるかを確認し、受け付けられなければ503を返す。
func (s *Server) pushEnabled(c *gin.Context) bool {
	if s.subscriptions == nil || s.cfg.VAPIDPublicKey == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "プッシュ通知は無効です"})
		return false
	}
	return true
}

// handleSubscribe は認証済みの通知先にプッシュ購読を登録するハンドラ。
func (s *Server) handleSubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := middleware.GetRecipient(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "通知先が取得できません"})
			return
		}
		if !s.pushEnabled(c) {
			return
		}

		var req subscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		sub, err := s.subscriptions.Save(c.Request.Context(), push.Subscription{
			SubjectType: r.Type,
			SubjectID:   r.ID,
			Endpoint:    req.Endpoint,
			P256dh:      req.Keys.P256dh,
			Auth:        req.Keys.Auth,
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プッシュ購読の登録に失敗しました"})
			logger.From(c.Request.Context()).Error("プッシュ購読登録エラー", "recipient", r.String(), "error", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      sub.ID,
			"message": "プッシュ購読を登録しました",
		})
	}
}

// handleUnsubscribe は認証済みの通知先のプッシュ購読を解除するハンドラ。
// 他の通知先が所有するエンドポイントは解除できない。
func (s *Server) handleUnsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := middleware.GetRecipient(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "通知先が取得できません"})
			return
		}
		if !s.pushEnabled(c) {
			return
		}

		var req unsubscribeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.subscriptions.Deactivate(c.Request.Context(), r, req.Endpoint); err != nil {
			if errors.Is(err, push.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "プッシュ購読が見つかりません"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プッシュ購読の解除に失敗しました"})
			logger.From(c.Request.Context()).Error("プッシュ購読解除エラー", "recipient", r.String(), "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "プッシュ購読を解除しました"})
	}
}

// notifyRequest は通知発行リクエストのJSON構造。
type notifyRequest struct {
	// SubjectType は通知先の主体種別。
	SubjectType string `json:"subject_type" binding:"required"`
	// SubjectID は通知先の主体ID。
	SubjectID int64 `json:"subject_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required"`
	// Category は通知の分類。
	Category string `json:"category"`
	// SenderID は送信者のID。
	SenderID *int64 `json:"sender_id"`
	// SenderName は送信者の表示名。
	SenderName string `json:"sender_name"`
	// URL は通知クリック時の遷移先。
	URL string `json:"url"`
}

// handleNotify は通知を発行するハンドラ。
// ライブ配信できた数を返し、プッシュ配信の完了は待たない。
func (s *Server) handleNotify() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req notifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		r, err := event.NewRecipient(req.SubjectType, req.SubjectID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		n, delivered := s.service.Notify(c.Request.Context(), r, event.Notification{
			Title:      req.Title,
			Message:    req.Message,
			Category:   req.Category,
			SenderID:   req.SenderID,
			SenderName: req.SenderName,
			URL:        req.URL,
		})

		c.JSON(http.StatusCreated, gin.H{
			"notification": n,
			"recipient":    r.String(),
			"delivered":    delivered,
		})
	}
}

// handleStats は接続状況を返すハンドラ。
// recipientクエリ（"user:7" 形式）を指定するとその通知先のリスナー数も返す。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{
			"active_listeners": s.broadcaster.ActiveCount(),
			"recipients":       s.broadcaster.RecipientCount(),
			"sessions":         s.tracker.Len(),
		}
		if q := c.Query("recipient"); q != "" {
			r, err := event.ParseRecipient(q)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			resp["recipient"] = r.String()
			resp["listeners"] = s.broadcaster.ListenerCount(r)
		}
		c.JSON(http.StatusOK, resp)
	}
}
