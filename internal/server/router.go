package server

import (
	"net/http"
	"time"

	"chatbridge/internal/auth"
	"chatbridge/internal/config"
	"chatbridge/internal/metrics"
	"chatbridge/internal/mw"
	"chatbridge/internal/service"
	"chatbridge/internal/session"
	"chatbridge/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// Deps 是路由依赖的长生命周期组件，由 main 构造。
type Deps struct {
	DB     *gorm.DB
	Issuer *auth.Issuer
	Hub    *ws.Hub
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 stop 用于停服时停止限速器的后台 goroutine。
func SetupRouter(cfg config.Config, d Deps) (*gin.Engine, func()) {
	blocks := service.NewBlockService(d.DB)
	rooms := service.NewRoomService(d.DB, d.Hub)
	messages := service.NewMessageService(d.DB, rooms)
	dispatcher := service.NewDispatcher(d.DB, rooms, blocks, d.Hub)
	h := NewHandler(
		service.NewUserService(d.DB, d.Issuer),
		rooms,
		messages,
		dispatcher,
		blocks,
		service.NewFriendService(d.DB, blocks),
	)
	policy := mw.NewOriginPolicy(cfg.Env, cfg.AllowedOrigins)
	wsServer := ws.NewServer(d.Hub, session.NewAuthenticator(d.Issuer), rooms, dispatcher, policy.CheckOrigin)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(policy))
	// 控制单个 IP+路由的速率。
	ipLimit, ipRL := mw.RateLimit(rate.Every(time.Second/20), 40)
	r.Use(ipLimit)

	r.GET("/healthz", func(c *gin.Context) {
		sqlDB, err := d.DB.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			log.Warn().Err(err).Msg("healthz db ping")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/auth/refresh", h.RefreshToken)

	// 需要 Bearer Token 的业务接口，按用户限速。
	userLimit := mw.NewRateLimiter(rate.Every(time.Second/10), 30, 2*time.Minute).Start()
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(d.Issuer, d.DB), userLimit.Middleware(auth.GetUserID))

	authed.POST("/auth/logout", h.Logout)
	authed.DELETE("/users/me", h.DeleteMe)

	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/direct", h.CreateDirect)
	authed.POST("/rooms/group", h.CreateGroup)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages", h.PostMessage)
	authed.POST("/rooms/:id/read", h.MarkRead)

	authed.GET("/friends", h.ListFriends)
	authed.POST("/friends", h.AddFriend)

	authed.GET("/blocks", h.ListBlocks)
	authed.POST("/blocks", h.CreateBlock)
	authed.PATCH("/blocks/:userId", h.UpdateBlock)

	r.GET("/ws", wsServer.Serve())

	stop := func() {
		ipRL.Stop()
		userLimit.Stop()
	}
	return r, stop
}
