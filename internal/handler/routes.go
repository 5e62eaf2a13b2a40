package handler

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// Routes groups the handlers served by the API.
type Routes struct {
	Evidence *EvidenceHandler
	System   *SystemHandler
	// Auth guards every evidence endpoint.
	Auth gin.HandlerFunc
	// MetricsPath is left unregistered when empty.
	MetricsPath string
}

// Register mounts the system endpoints at the root and the evidence
// endpoints under prefix.
func Register(r gin.IRouter, prefix string, routes Routes) {
	if routes.System != nil {
		r.GET("/health", routes.System.Health)
		r.GET("/ready", routes.System.Ready)
		if routes.MetricsPath != "" {
			r.GET(routes.MetricsPath, routes.System.Prometheus)
		}
	}
	if routes.Evidence == nil {
		return
	}

	group := r.Group(strings.TrimRight(prefix, "/"))
	if routes.Auth != nil {
		group.Use(routes.Auth)
	}
	evidence := group.Group("/evidence")
	evidence.POST("", routes.Evidence.Upload)
	evidence.GET("", routes.Evidence.List)
	evidence.GET("/export", routes.Evidence.Export)
	evidence.GET("/:id", routes.Evidence.Get)
	evidence.PUT("/:id", routes.Evidence.Update)
	evidence.DELETE("/:id", routes.Evidence.Delete)
	evidence.GET("/:id/download", routes.Evidence.Download)
}
