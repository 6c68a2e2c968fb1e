// Package api exposes the coordinator and dispatcher over REST.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/state"
)

// Coordinator is the read and service side the API needs.
type Coordinator interface {
	Devices() ([]state.Device, error)
	Device(id int) (state.Device, error)
	Groups() ([]state.Group, error)
	Group(id int) (state.Group, error)
	Ready() bool
	Stats() coordinator.Stats
	Refresh(ctx context.Context) error
	ScanDevices(ctx context.Context, newInstallation bool) (*gateway.ScanStatus, error)
	ScanStatus(ctx context.Context) (*gateway.ScanStatus, error)
	ScanRunning() bool
	UpdateDeviceGroups(ctx context.Context, deviceID int, groups []int) error
	AddToGroup(ctx context.Context, deviceID, groupID int) error
	RemoveFromGroup(ctx context.Context, deviceID, groupID int) error
}

// Dispatcher sends commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, key state.Key, change dispatch.Change) (dispatch.Result, error)
	SetFadeTime(ctx context.Context, deviceID int, seconds float64) (dispatch.Result, error)
	SetGroupFadeTime(ctx context.Context, groupID int, seconds float64) (dispatch.Result, error)
}

// History reads the ledger. Nil disables the events endpoint.
type History interface {
	Recent(limit int) ([]*ledger.Entry, error)
	GetByTarget(target string, limit int) ([]*ledger.Entry, error)
	GetByType(eventType ledger.EventType, limit int) ([]*ledger.Entry, error)
}

// Router holds the Gin engine and dependencies
type Router struct {
	engine  *gin.Engine
	coord   Coordinator
	disp    Dispatcher
	history History
}

// NewRouter creates a new API router
func NewRouter(coord Coordinator, disp Dispatcher, history History, corsOrigins []string) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	SetupMiddleware(engine, corsOrigins)

	r := &Router{
		engine:  engine,
		coord:   coord,
		disp:    disp,
		history: history,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", r.health)
	r.engine.GET("/ready", r.ready)

	v1 := r.engine.Group("/api/v1")
	{
		v1.GET("/status", r.status)
		v1.POST("/refresh", r.refresh)

		devices := v1.Group("/devices")
		{
			devices.GET("", r.listDevices)
			devices.GET("/:id", r.getDevice)
			devices.POST("/:id/state", r.setDeviceState)
			devices.PUT("/:id/fade_time", r.setDeviceFadeTime)
			devices.PUT("/:id/groups", r.setDeviceGroups)
			devices.POST("/:id/groups/:group", r.addToGroup)
			devices.DELETE("/:id/groups/:group", r.removeFromGroup)
		}

		groups := v1.Group("/groups")
		{
			groups.GET("", r.listGroups)
			groups.GET("/:id", r.getGroup)
			groups.POST("/:id/state", r.setGroupState)
			groups.PUT("/:id/fade_time", r.setGroupFadeTime)
		}

		v1.POST("/scan", r.startScan)
		v1.GET("/scan", r.scanStatus)

		v1.GET("/events", r.events)
	}
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}
