package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/dkeye/Stage/internal/adapters/media"
	"github.com/dkeye/Stage/internal/app/devices"
	"github.com/dkeye/Stage/internal/app/filters"
	"github.com/dkeye/Stage/internal/app/notify"
	"github.com/dkeye/Stage/internal/app/orch"
	"github.com/dkeye/Stage/internal/core"
	"github.com/dkeye/Stage/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	o *orch.Orchestrator
}

type toggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

type gainRequest struct {
	Gain *float64 `json:"gain" binding:"required"`
}

type deviceRequest struct {
	DeviceID string `json:"deviceId" binding:"required"`
}

type selectedDevices struct {
	Audio string `json:"audio"`
	Video string `json:"video"`
}

type devicesResponse struct {
	Audio       []domain.Device `json:"audio"`
	Video       []domain.Device `json:"video"`
	Selected    selectedDevices `json:"selected"`
	Permissions bool            `json:"permissions"`
}

type stateResponse struct {
	State    string               `json:"state"`
	Joined   bool                 `json:"joined"`
	Filters  filters.FilterStatus `json:"filters"`
	Selected selectedDevices      `json:"selected"`
	Muted    map[string]bool      `json:"muted"`
	Stats    StatsView            `json:"stats"`
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) selected() selectedDevices {
	a, v := h.o.Devices.Selected()
	return selectedDevices{Audio: a, Video: v}
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, stateResponse{
		State:    h.o.Stage.State().String(),
		Joined:   h.o.Stage.Joined(),
		Filters:  h.o.Filters.Status(),
		Selected: h.selected(),
		Muted: map[string]bool{
			string(domain.KindAudio): h.o.Devices.Muted(domain.KindAudio),
			string(domain.KindVideo): h.o.Devices.Muted(domain.KindVideo),
		},
		Stats: statsView(h.o, time.Now()),
	})
}

func (h *handlers) participants(c *gin.Context) {
	c.JSON(http.StatusOK, rosterView(h.o.Stage.Roster(), h.o.RoundTrips()))
}

func (h *handlers) join(c *gin.Context) {
	if err := h.o.Join(c.Request.Context()); err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("join failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "state": h.o.Stage.State().String()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": h.o.Stage.State().String()})
}

func (h *handlers) leave(c *gin.Context) {
	h.o.Leave()
	c.Status(http.StatusNoContent)
}

func (h *handlers) filterStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Filters.Status())
}

func (h *handlers) toggleVoiceFocus(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.o.ToggleVoiceFocus(c.Request.Context(), *req.Enabled) {
		c.JSON(http.StatusConflict, gin.H{"error": "voice focus is not supported", "filters": h.o.Filters.Status()})
		return
	}
	c.JSON(http.StatusOK, h.o.Filters.Status())
}

func (h *handlers) toggleNormalize(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.o.ToggleNormalizeOutput(c.Request.Context(), *req.Enabled)
	c.JSON(http.StatusOK, h.o.Filters.Status())
}

func (h *handlers) toggleMonitoring(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !h.o.ToggleMonitoring(*req.Enabled) {
		c.JSON(http.StatusConflict, gin.H{"error": "no local audio track", "filters": h.o.Filters.Status()})
		return
	}
	c.JSON(http.StatusOK, h.o.Filters.Status())
}

func (h *handlers) monitoringGain(c *gin.Context) {
	var req gainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.o.Filters.SetMonitoringGain(*req.Gain)
	c.Status(http.StatusNoContent)
}

func (h *handlers) chains(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Engine.DebugInfo())
}

func (h *handlers) updateChain(c *gin.Context) {
	var req filters.OutputSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := core.ParticipantID(c.Param("id"))
	if !h.o.Engine.UpdateOutputSettings(id, req) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no output chain for participant"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) notices(c *gin.Context) {
	c.JSON(http.StatusOK, h.o.Notices.Active())
}

func (h *handlers) dismissNotice(c *gin.Context) {
	switch err := h.o.Notices.DismissByUser(c.Param("id")); {
	case errors.Is(err, notify.ErrPersistent):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, notify.ErrUnknownNotice):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.Status(http.StatusNoContent)
	}
}

func (h *handlers) devices(c *gin.Context) {
	audio, video := h.o.Devices.Devices()
	c.JSON(http.StatusOK, devicesResponse{
		Audio:       audio,
		Video:       video,
		Selected:    h.selected(),
		Permissions: h.o.Devices.Permissions(),
	})
}

func (h *handlers) refreshDevices(c *gin.Context) {
	audio, video, err := h.o.RefreshDevices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, devicesResponse{
		Audio:       audio,
		Video:       video,
		Selected:    h.selected(),
		Permissions: h.o.Devices.Permissions(),
	})
}

func deviceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, media.ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, media.ErrPermissionDenied), errors.Is(err, devices.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handlers) setAudioDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.o.SetAudioDevice(c.Request.Context(), req.DeviceID); err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.selected())
}

func (h *handlers) setVideoDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.o.SetVideoDevice(c.Request.Context(), req.DeviceID); err != nil {
		deviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.selected())
}

// setCatalog swaps the headless device catalog, which the device manager
// sees as a device change.
func (h *handlers) setCatalog(c *gin.Context) {
	if h.o.Catalog == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "device catalog is not configurable"})
		return
	}
	var req []domain.Device
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.o.Catalog.SetCatalog(req)
	c.Status(http.StatusAccepted)
}

func (h *handlers) toggleMute(c *gin.Context) {
	kind := domain.MediaKind(c.Param("kind"))
	if kind != domain.KindAudio && kind != domain.KindVideo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be audio or video"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind, "muted": h.o.ToggleMute(kind)})
}
