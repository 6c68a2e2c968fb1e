package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dokzlo13/dalid/internal/coordinator"
	"github.com/dokzlo13/dalid/internal/dispatch"
	"github.com/dokzlo13/dalid/internal/gateway"
	"github.com/dokzlo13/dalid/internal/ledger"
	"github.com/dokzlo13/dalid/internal/state"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StateRequest is the body of POST .../state.
type StateRequest struct {
	On         *bool      `json:"on"`
	Brightness *int       `json:"brightness"` // 0-254
	ColorTemp  *int       `json:"color_temp"` // kelvin
	RGB        *state.RGB `json:"rgb_color"`
	FadeTime   *float64   `json:"fade_time"`  // bus fade setting, seconds
	Transition *float64   `json:"transition"` // per-command fade, seconds
}

// Change converts the request into a dispatch change.
func (r StateRequest) Change() (dispatch.Change, error) {
	change := dispatch.Change{Source: "api"}
	change.Power = r.On
	change.ColorTemp = r.ColorTemp
	change.RGB = r.RGB
	change.FadeTime = r.FadeTime

	if r.Brightness != nil {
		if *r.Brightness < 0 || *r.Brightness > state.MaxBrightness {
			return change, errors.Join(state.ErrInvalidArgument, errors.New("brightness must be in 0-254"))
		}
		change.Brightness = state.Uint8(uint8(*r.Brightness))
	}
	if r.Transition != nil {
		if *r.Transition < 0 {
			return change, errors.Join(state.ErrInvalidArgument, errors.New("transition must not be negative"))
		}
		d := time.Duration(*r.Transition * float64(time.Second))
		change.Transition = &d
	}
	return change, nil
}

type fadeRequest struct {
	Seconds *float64 `json:"seconds" binding:"required"`
}

type groupsRequest struct {
	Groups []int `json:"groups"`
}

type scanRequest struct {
	NewInstallation bool `json:"new_installation"`
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, state.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, state.ErrUnknownTarget):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, state.ErrNotReady):
		status, code = http.StatusServiceUnavailable, "not_ready"
	case errors.Is(err, coordinator.ErrScanInProgress):
		status, code = http.StatusConflict, "scan_in_progress"
	case errors.Is(err, gateway.ErrCommunication):
		status, code = http.StatusBadGateway, "gateway_error"
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: msg})
}

func intParam(c *gin.Context, name string) (int, bool) {
	v, err := strconv.Atoi(c.Param(name))
	if err != nil {
		badRequest(c, name+" must be an integer")
		return 0, false
	}
	return v, true
}

func (r *Router) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (r *Router) ready(c *gin.Context) {
	if !r.coord.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (r *Router) status(c *gin.Context) {
	c.JSON(http.StatusOK, r.coord.Stats())
}

func (r *Router) refresh(c *gin.Context) {
	if err := r.coord.Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.coord.Stats())
}

func (r *Router) listDevices(c *gin.Context) {
	devices, err := r.coord.Devices()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (r *Router) getDevice(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	d, err := r.coord.Device(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (r *Router) listGroups(c *gin.Context) {
	groups, err := r.coord.Groups()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (r *Router) getGroup(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	g, err := r.coord.Group(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (r *Router) setDeviceState(c *gin.Context) {
	r.setState(c, state.KindDevice)
}

func (r *Router) setGroupState(c *gin.Context) {
	r.setState(c, state.KindGroup)
}

func (r *Router) setState(c *gin.Context, kind state.Kind) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}

	var req StateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	change, err := req.Change()
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := r.disp.Dispatch(c.Request.Context(), state.Key{Kind: kind, ID: id}, change)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) setDeviceFadeTime(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req fadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := r.disp.SetFadeTime(c.Request.Context(), id, *req.Seconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) setGroupFadeTime(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req fadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := r.disp.SetGroupFadeTime(c.Request.Context(), id, *req.Seconds)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) setDeviceGroups(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var req groupsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := r.coord.UpdateDeviceGroups(c.Request.Context(), id, req.Groups); err != nil {
		writeError(c, err)
		return
	}
	r.getDevice(c)
}

func (r *Router) addToGroup(c *gin.Context) {
	r.editMembership(c, r.coord.AddToGroup)
}

func (r *Router) removeFromGroup(c *gin.Context) {
	r.editMembership(c, r.coord.RemoveFromGroup)
}

func (r *Router) editMembership(c *gin.Context, edit func(ctx context.Context, deviceID, groupID int) error) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	group, ok := intParam(c, "group")
	if !ok {
		return
	}
	if err := edit(c.Request.Context(), id, group); err != nil {
		writeError(c, err)
		return
	}
	r.getDevice(c)
}

func (r *Router) startScan(c *gin.Context) {
	var req scanRequest
	// An empty body means a normal scan.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	status, err := r.coord.ScanDevices(c.Request.Context(), req.NewInstallation)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (r *Router) scanStatus(c *gin.Context) {
	status, err := r.coord.ScanStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"gateway":  status,
		"watching": r.coord.ScanRunning(),
	})
}

func (r *Router) events(c *gin.Context) {
	if r.history == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "event history disabled"})
		return
	}

	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			badRequest(c, "limit must be in 1-1000")
			return
		}
		limit = n
	}

	var (
		entries []*ledger.Entry
		err     error
	)
	switch {
	case c.Query("target") != "":
		entries, err = r.history.GetByTarget(c.Query("target"), limit)
	case c.Query("type") != "":
		entries, err = r.history.GetByType(ledger.EventType(c.Query("type")), limit)
	default:
		entries, err = r.history.Recent(limit)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}
