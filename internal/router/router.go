package router

import (
	"github.com/gin-gonic/gin"

	"cafe24_ops_v1/internal/controller"
	"cafe24_ops_v1/internal/middleware"
)

// InitRoutes 注册所有路由
func InitRoutes(r *gin.Engine,
	authCtrl *controller.AuthController,
	batchCtrl *controller.BatchController,
	productCtrl *controller.ProductController) {

	// 健康检查，不走鉴权
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		// auth 鉴权组
		auth := api.Group("/auth")
		{
			// POST /api/auth/login 操作员换取运维 JWT，唯一的开放接口
			auth.POST("/login", authCtrl.Login)

			protected := auth.Group("", middleware.JWTAuth())
			{
				protected.GET("/status", authCtrl.Status)
				protected.GET("/me", authCtrl.Me)
				protected.POST("/refresh", authCtrl.Refresh)
				protected.POST("/credential", authCtrl.InstallCredential)
				protected.DELETE("/credential", authCtrl.RemoveCredential)
			}
		}

		// 批量编辑组
		batches := api.Group("/batches", middleware.JWTAuth())
		{
			batches.POST("", batchCtrl.Submit)
			batches.GET("", batchCtrl.List)
			batches.GET("/:id", batchCtrl.GetDetail)
		}

		// 商品只读组
		products := api.Group("/products", middleware.JWTAuth())
		{
			products.GET("", productCtrl.GetProducts)
			products.GET("/:product_no", productCtrl.GetProduct)
		}
	}
}
