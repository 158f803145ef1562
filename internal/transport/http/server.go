package http

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docgate/internal/bootstrap"
	"docgate/internal/metrics"
	"docgate/internal/transport/http/handler"
	"docgate/internal/transport/http/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth     *handler.AuthHandler
	Document *handler.DocumentHandler
	Chat     *handler.ChatHandler
	Health   *handler.HealthHandler
}

// publicRoutes are reachable without a token, keyed by route template.
var publicRoutes = map[string]bool{
	"/healthz":              true,
	"/metrics":              true,
	"/api/v1/auth/register": true,
	"/api/v1/auth/login":    true,
}

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)

	healthHandler := handler.NewHealthHandler(app.Config.App.Name, app.Config.App.Env, app.StartedAt,
		handler.DependencyCheck{Name: "mysql", Check: func(ctx context.Context) error {
			sqlDB, err := app.MySQL.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}},
		handler.DependencyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return app.Redis.Ping(ctx).Err()
		}},
		handler.DependencyCheck{Name: "rabbitmq", Check: func(ctx context.Context) error {
			if app.MQConn == nil || app.MQConn.IsClosed() {
				return errors.New("connection closed")
			}
			return nil
		}},
		handler.DependencyCheck{Name: "rag", Check: app.RAG.Ping},
	)

	return NewEngine(app.Logger, app.Config.Auth.JWTSecret, Handlers{
		Auth:     handler.NewAuthHandler(app.AuthService),
		Document: handler.NewDocumentHandler(app.DocumentService, app.Config.Upload.MaxBytes),
		Chat:     handler.NewChatHandler(app.ChatService, app.Logger.Named("chat")),
		Health:   healthHandler,
	})
}

func NewEngine(logger *zap.Logger, jwtSecret string, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.RequestID(),
		middleware.RequestLogger(logger),
		middleware.Recovery(logger),
		metrics.GinMiddleware(),
		middleware.AuthJWT(jwtSecret, publicRoutes),
	)

	router.GET("/healthz", h.Health.Check)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", h.Auth.Register)
	authGroup.POST("/login", h.Auth.Login)
	authGroup.GET("/me", h.Auth.Me)

	documentGroup := v1.Group("/documents")
	documentGroup.POST("/upload", h.Document.Upload)
	documentGroup.GET("", h.Document.List)
	documentGroup.GET("/:id", h.Document.Get)
	documentGroup.GET("/:id/status", h.Document.Status)
	documentGroup.POST("/:id/sync", h.Document.Sync)
	documentGroup.DELETE("/:id", h.Document.Delete)

	chatGroup := v1.Group("/chat")
	chatGroup.POST("", h.Chat.Stream)
	chatGroup.GET("/history/:documentId", h.Chat.GetHistory)
	chatGroup.DELETE("/history/:documentId", h.Chat.ClearHistory)

	return router
}
