package router

import (
	"net/http"

	"homegate/internal/admin/api"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 配置 Gin 路由
func SetupRouter(s *api.Service) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// 配置 CORS
	config := cors.DefaultConfig()
	config.AllowOrigins = []string{"*"}
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	r.Use(cors.New(config))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/ws/values", s.StreamValues)

	apiV1 := r.Group("/api/v1")
	{
		apiV1.GET("/status", s.GetStatus)
		apiV1.GET("/plugins", s.ListPlugins)
		apiV1.GET("/protocols", s.ListProtocols)

		// :id 对设备子资源也接受设备名称
		devices := apiV1.Group("/devices")
		{
			devices.GET("", s.ListDevices)             // GET /api/v1/devices
			devices.POST("", s.CreateDevice)           // POST /api/v1/devices
			devices.PUT("/:id", s.UpdateDevice)        // PUT /api/v1/devices/:id
			devices.DELETE("/:id", s.DeleteDevice)     // DELETE /api/v1/devices/:id
			devices.GET("/:id/form", s.GetDeviceForm)  // loadform
			devices.PUT("/:id/form", s.SaveDeviceForm) // saveform
			devices.GET("/:id/values", s.ReadDevice)   // read
			devices.PUT("/:id/values", s.WriteDevice)  // write
		}

		controllers := apiV1.Group("/controllers")
		{
			controllers.GET("", s.ListControllers)
			controllers.POST("", s.CreateController)
			controllers.PUT("/:id", s.UpdateController)
			controllers.DELETE("/:id", s.DeleteController)
		}

		apiV1.GET("/scripts", s.ListScripts)
		apiV1.GET("/rules", s.ListRules)
		apiV1.POST("/rules/reload", s.ReloadRules)
		apiV1.GET("/rules/:id", s.GetRule)
		apiV1.POST("/rules/:id/run", s.RunRule)
		apiV1.GET("/advanced", s.GetAdvanced)
		apiV1.PUT("/advanced", s.UpdateAdvanced)
		apiV1.GET("/values", s.ListValues)
	}

	return r
}
