package api

import "github.com/gin-gonic/gin"

// RegisterRoutes 挂载读写器控制API
func RegisterRoutes(r gin.IRouter, h *Handler) {
	g := r.Group("/api")

	g.GET("/ports", h.ListPorts)
	g.GET("/status", h.GetStatus)
	g.POST("/connect", h.Connect)
	g.POST("/disconnect", h.Disconnect)

	g.POST("/read", h.ReadOnce)
	g.POST("/scan/start", h.StartScan)
	g.POST("/scan/stop", h.StopScan)
	g.GET("/tags", h.RecentTags)

	g.GET("/power", h.GetPower)
	g.POST("/power", h.SetPower)

	g.GET("/select", h.GetSelect)
	g.POST("/select", h.SetSelect)
	g.DELETE("/select", h.ClearSelect)

	g.POST("/write/epc", h.WriteEPC)
	g.POST("/write/user", h.WriteUser)
	g.POST("/memory/read", h.ReadMemory)
}
