package bind

import (
	"github.com/labstack/echo/v4"

	"github.com/bitten-ci/bitten/api/rest/controller/build"
)

// Builds binds the slave protocol routes to the /builds group.
func Builds(g *echo.Group, ctl *build.Controller) {
	g.POST("", ctl.Create)

	// builds
	{
		g.GET("/:id", ctl.Get)
		g.DELETE("/:id", ctl.Delete)
		g.POST("/:id/keepalive", ctl.Keepalive)
		g.GET("/:id/snapshot", ctl.Snapshot)
	}

	// steps
	{
		g.POST("/:id/steps", ctl.PostStep)
		g.POST("/:id/steps/", ctl.PostStep)
	}
}
