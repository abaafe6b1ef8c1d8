package handler

import (
	"log/slog"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由，mode 为 gin 的运行模式
func SetupRouter(h *Handler, mode string, log *slog.Logger) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	{
		api.POST("/users", h.CreateUser)

		// 公开的信息流
		api.GET("/posts", h.ListPosts)
		api.GET("/posts/:id", h.GetPost)

		auth := api.Group("")
		auth.Use(h.AuthMiddleware())
		{
			auth.POST("/posts", h.Publish)
			auth.PUT("/posts/:id", h.UpdatePost)
			auth.PATCH("/posts/:id/status", h.UpdatePostStatus)
			auth.DELETE("/posts/:id", h.DeletePost)
			auth.POST("/posts/:id/contact", h.ViewContact)
			auth.POST("/posts/:id/deal", h.MarkDeal)
			auth.GET("/posts/:id/views", h.ListPostViews)

			me := auth.Group("/me")
			{
				me.GET("", h.GetMe)
				me.GET("/points", h.GetBalance)
				me.GET("/transactions", h.ListMyTransactions)
				me.GET("/posts", h.ListMyPosts)
				me.GET("/views", h.ListMyViews)
			}
		}

		admin := api.Group("/admin")
		admin.Use(h.AuthMiddleware(), RequireAdmin())
		{
			admin.GET("/users/:id", h.AdminGetUser)
			admin.PATCH("/users/:id/status", h.AdminUpdateUserStatus)
			admin.POST("/users/:id/adjust", h.AdminAdjustPoints)
			admin.POST("/users/:id/recharge", h.AdminRecharge)
			admin.GET("/users/:id/transactions", h.AdminListTransactions)
			admin.GET("/users/:id/ledger", h.AdminVerifyLedger)
			admin.PATCH("/posts/:id/status", h.UpdatePostStatus)
			admin.DELETE("/posts/:id", h.DeletePost)
			admin.GET("/outbox/failed", h.AdminListFailedEvents)
			admin.POST("/outbox/:id/requeue", h.AdminRequeueEvent)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
