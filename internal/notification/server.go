package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nao1215/tabelist/internal/realtime"
	"github.com/nao1215/tabelist/pkg/middleware"
)

// ServerConfig は通知サーバーの設定。
type ServerConfig struct {
	// Addr はリッスンアドレス（例: ":8085"）。
	Addr string
	// JWTSecret はJWT検証に使用するシークレット。
	JWTSecret string
	// AllowedOrigins はCORSとWebSocketで許可するオリジン。
	AllowedOrigins []string
	// KeepAlive はSSEストリームのpingの間隔。0ならデフォルト値。
	KeepAlive time.Duration
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// engine はリアルタイム通知の構成要素。
	engine *Engine
	// cfg はサーバー設定。
	cfg ServerConfig
	// upgrader はWebSocketへのアップグレードを行う。
	upgrader websocket.Upgrader
	// logger はログ出力先。
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(engine *Engine, cfg ServerConfig, logger *slog.Logger) *Server {
	return newServer(engine, cfg, logger, middleware.JWTAuth(cfg.JWTSecret))
}

// newServer は認証ミドルウェアを指定してサーバーを生成する。
func newServer(engine *Engine, cfg ServerConfig, logger *slog.Logger, auth gin.HandlerFunc) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}

	s := &Server{
		router: router,
		engine: engine,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true
				}
				if _, ok := origins["*"]; ok {
					return true
				}
				_, ok := origins[strings.TrimRight(origin, "/")]
				return ok
			},
		},
		logger: logger,
	}
	s.setupRoutes(auth)
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルに停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "通知サーバーを起動しました", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	// ストリーム接続はShutdownでは終了しないため先にチャネルを閉じる
	s.engine.Registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	s.logger.InfoContext(ctx, "通知サーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleList())
			notifications.GET("/unread-count", s.handleUnreadCount())
			notifications.PUT("/read", s.handleMarkAsRead())
			notifications.PUT("/:id/read", s.handleMarkOneAsRead())
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
			// リアルタイム配信
			notifications.GET("/stream", s.handleStream())
			notifications.GET("/ws", s.handleWebSocket())
		}

		// 内部API（他サービスから呼び出される）
		internal := api.Group("/internal")
		{
			internal.POST("/send", s.handleSend())
			internal.POST("/announcements", s.handleAnnounce())
			internal.POST("/triggers/:event", s.handleTrigger())
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/health/channels", func(c *gin.Context) {
		counts := s.engine.Registry.CountActive()
		c.JSON(http.StatusOK, gin.H{"push": counts.Push, "stream": counts.Stream, "total": counts.Total})
	})
}

// requireUser は認証済みユーザーIDを返す。取得できなければ401を返してfalseを返す。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// writeError はサービスのエラーをHTTPステータスに変換して返す。
func (s *Server) writeError(c *gin.Context, msg string, err error) {
	switch {
	case errors.Is(err, ErrInvalidSpec), errors.Is(err, ErrMissingUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.logger.ErrorContext(c.Request.Context(), msg, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// queryInt は整数のクエリパラメータを読み取る。未指定ならdefを返す。
func queryInt(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%sは0以上の整数で指定してください", key)
	}
	return n, nil
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		offset, err := queryInt(c, "offset", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		s.engine.Service.Touch(ctx, userID)

		notifications, err := s.engine.Service.List(ctx, userID, ListOptions{
			UnreadOnly: c.Query("unread") == "true",
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			s.writeError(c, "通知一覧の取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleUnreadCount は未読件数を返すハンドラ。同じ値をユーザーの全チャネルにも配信する。
func (s *Server) handleUnreadCount() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		count, err := s.engine.Service.GetUnreadCount(c.Request.Context(), userID)
		if err != nil {
			s.writeError(c, "未読件数の取得に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": count})
	}
}

// markReadRequest は複数通知の既読リクエストのJSON構造。
type markReadRequest struct {
	// IDs は既読にする通知のID。
	IDs []string `json:"ids" binding:"required"`
}

// handleMarkAsRead は指定された複数の通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req markReadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		updated, err := s.engine.Service.MarkAsRead(c.Request.Context(), req.IDs, userID)
		if err != nil {
			s.writeError(c, "通知の既読処理に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleMarkOneAsRead は指定された通知を既読にするハンドラ。
// 他人の通知や既読済みの通知を指定した場合は更新件数0を返す。
func (s *Server) handleMarkOneAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		updated, err := s.engine.Service.MarkAsRead(c.Request.Context(), []string{c.Param("id")}, userID)
		if err != nil {
			s.writeError(c, "通知の既読処理に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		updated, err := s.engine.Service.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			s.writeError(c, "全通知の既読処理に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"updated": updated})
	}
}

// handleStream はServer-Sent Eventsでストリームチャネルを開くハンドラ。
// 接続直後に現在の未読件数を送る。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		ch := realtime.NewSSEChannel(s.cfg.KeepAlive)
		if err := s.engine.Registry.Register(userID, ch, realtime.ChannelStream); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ストリームを開始できません"})
			return
		}
		defer func() { _ = ch.Close() }()

		ctx := c.Request.Context()
		s.engine.Service.Touch(ctx, userID)
		if _, err := s.engine.Service.GetUnreadCount(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "接続時の未読件数の送信に失敗", "user_id", userID, "error", err)
		}

		ch.Serve(c)
	}
}

// clientMessage はWebSocketクライアントから受け取るメッセージ。
type clientMessage struct {
	// Type はメッセージの種類。get_unread_count または mark_read。
	Type string `json:"type"`
	// IDs はmark_readで既読にする通知のID。
	IDs []string `json:"ids,omitempty"`
}

// handleWebSocket はWebSocketでプッシュチャネルを開くハンドラ。
func (s *Server) handleWebSocket() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.logger.WarnContext(c.Request.Context(), "WebSocketへのアップグレードに失敗", "user_id", userID, "error", err)
			return
		}

		// リクエストのコンテキストはハンドラの終了で無効になるため、受信処理では使用しない
		ctx := context.WithoutCancel(c.Request.Context())
		ch := realtime.NewWSChannel(conn, func(data []byte) {
			s.handleClientMessage(ctx, userID, data)
		}, s.logger)

		if err := s.engine.Registry.Register(userID, ch, realtime.ChannelPush); err != nil {
			_ = ch.Close()
			return
		}
		s.engine.Service.Touch(ctx, userID)
		ch.Serve()
	}
}

// handleClientMessage はWebSocketクライアントからのメッセージを処理する。
func (s *Server) handleClientMessage(ctx context.Context, userID string, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.DebugContext(ctx, "不正なクライアントメッセージを無視しました", "user_id", userID, "error", err)
		return
	}

	switch msg.Type {
	case "get_unread_count":
		if _, err := s.engine.Service.GetUnreadCount(ctx, userID); err != nil {
			s.logger.WarnContext(ctx, "未読件数の取得に失敗", "user_id", userID, "error", err)
		}
	case "mark_read":
		if _, err := s.engine.Service.MarkAsRead(ctx, msg.IDs, userID); err != nil {
			s.logger.WarnContext(ctx, "既読処理に失敗", "user_id", userID, "error", err)
		}
	default:
		s.logger.DebugContext(ctx, "未対応のクライアントメッセージ", "user_id", userID, "type", msg.Type)
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	RecipientID       string         `json:"recipient_id" binding:"required"`
	SenderID          string         `json:"sender_id"`
	Type              Type           `json:"notification_type" binding:"required"`
	RelatedEntityType EntityType     `json:"related_entity_type"`
	RelatedEntityID   string         `json:"related_entity_id"`
	Title             string         `json:"title" binding:"required"`
	Message           string         `json:"message" binding:"required"`
	ActionURL         string         `json:"action_url"`
	GroupKey          string         `json:"group_key"`
	Metadata          map[string]any `json:"metadata"`
	ExpiresAt         *time.Time     `json:"expires_at"`
}

// handleSend は通知を作成して配信するハンドラ。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		n, err := s.engine.Service.CreateAndDeliver(c.Request.Context(), CreateParams{
			RecipientID:       req.RecipientID,
			SenderID:          req.SenderID,
			Type:              req.Type,
			RelatedEntityType: req.RelatedEntityType,
			RelatedEntityID:   req.RelatedEntityID,
			Title:             req.Title,
			Message:           req.Message,
			ActionURL:         req.ActionURL,
			GroupKey:          req.GroupKey,
			Metadata:          req.Metadata,
			ExpiresAt:         req.ExpiresAt,
		})
		if err != nil {
			s.writeError(c, "通知の作成に失敗しました", err)
			return
		}
		c.JSON(http.StatusCreated, n)
	}
}

// announceRequest はお知らせ送信リクエストのJSON構造。
type announceRequest struct {
	Title        string     `json:"title" binding:"required"`
	Message      string     `json:"message" binding:"required"`
	ActionURL    string     `json:"action_url"`
	RecipientIDs []string   `json:"recipient_ids"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// batchResponse は一斉送信の結果のJSON構造。
type batchResponse struct {
	Created int               `json:"created"`
	Skipped int               `json:"skipped"`
	Failed  []batchFailure `json:"failed"`
}

// batchFailure は失敗した1要素のJSON構造。
type batchFailure struct {
	Index int    `json:"index"`
	Key   string `json:"key"`
	Error string `json:"error"`
}

func toBatchResponse(r BatchResult) batchResponse {
	failed := make([]batchFailure, 0, len(r.Failed))
	for _, f := range r.Failed {
		failed = append(failed, batchFailure{Index: f.Index, Key: f.Key, Error: f.Err.Error()})
	}
	return batchResponse{Created: len(r.Created), Skipped: r.Skipped, Failed: failed}
}

// handleAnnounce は運営からのお知らせを送信するハンドラ。一部の宛先の失敗は結果に含めて返す。
func (s *Server) handleAnnounce() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req announceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		res, err := s.engine.Handlers.SendSystemAnnouncement(c.Request.Context(), Announcement{
			Title:        req.Title,
			Message:      req.Message,
			ActionURL:    req.ActionURL,
			RecipientIDs: req.RecipientIDs,
			ExpiresAt:    req.ExpiresAt,
		})
		if err != nil {
			s.writeError(c, "お知らせの送信に失敗しました", err)
			return
		}
		c.JSON(http.StatusOK, toBatchResponse(res))
	}
}

// triggerRequest は通知トリガーのJSON構造。イベントごとに使用する項目が異なる。
type triggerRequest struct {
	ListID       string `json:"list_id"`
	ActorID      string `json:"actor_id"`
	ActorName    string `json:"actor_name"`
	TargetUserID string `json:"target_user_id"`
	DishID       string `json:"dish_id"`
	DishName     string `json:"dish_name"`
	RestaurantID string `json:"restaurant_id"`
	SubmissionID string `json:"submission_id"`
	SubjectName  string `json:"subject_name"`
	Reason       string `json:"reason"`
}

// handleTrigger は他サービスの業務イベントを通知トリガーに渡すハンドラ。
// トリガーの成否は応答に影響せず、受け付けた時点で202を返す。
func (s *Server) handleTrigger() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		ctx := c.Request.Context()
		t := s.engine.Triggers
		switch event := c.Param("event"); event {
		case "list_liked":
			t.OnListLiked(ctx, req.ListID, req.ActorID, req.ActorName)
		case "user_followed":
			t.OnUserFollowed(ctx, req.ActorID, req.TargetUserID, req.ActorName)
		case "user_unfollowed":
			t.OnUserUnfollowed(ctx, req.ActorID, req.TargetUserID, req.ActorName)
		case "list_item_added":
			t.OnListItemAdded(ctx, req.ListID, req.ActorID, req.ActorName, req.DishID, req.DishName)
		case "list_shared":
			t.OnListShared(ctx, req.ListID, req.ActorID, req.TargetUserID)
		case "submission_approved":
			t.OnSubmissionApproved(ctx, req.SubmissionID, req.TargetUserID, req.ActorID, req.SubjectName)
		case "submission_rejected":
			t.OnSubmissionRejected(ctx, req.SubmissionID, req.TargetUserID, req.ActorID, req.SubjectName, req.Reason)
		case "dish_added":
			t.OnDishAddedToRestaurant(ctx, req.DishID, req.DishName, req.RestaurantID, req.ActorID)
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("不明なイベントです: %s", event)})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}
