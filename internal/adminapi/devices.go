package adminapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/devicelink/internal/domain"
	"github.com/talkincode/devicelink/internal/session"
	"github.com/talkincode/devicelink/internal/webserver"
)

// DeviceLister pages through persisted devices.
type DeviceLister interface {
	List(ctx context.Context, ownerID string, page, pageSize int) ([]*domain.Device, int64, error)
}

type connectPayload struct {
	UserID     string `json:"userId" validate:"required,uuid"`
	DeviceName string `json:"deviceName" validate:"required,min=1,max=191"`
}

type sendPayload struct {
	Recipient string `json:"recipient" validate:"required,max=128"`
	Text      string `json:"text" validate:"required,max=4096"`
}

type deviceAPI struct {
	mgr     *session.Manager
	devices DeviceLister
}

// Init registers the device routes on the package-level admin server.
func Init(mgr *session.Manager, devices DeviceLister) {
	registerDeviceRoutes(&deviceAPI{mgr: mgr, devices: devices})
	registerMetricRoutes()
}

func registerDeviceRoutes(api *deviceAPI) {
	webserver.ApiGET("/devices", api.listDevices)
	webserver.ApiPOST("/devices/connect", api.connectDevice)
	webserver.ApiPOST("/devices/disconnect/:deviceId", api.disconnectDevice)
	webserver.ApiPOST("/devices/connect/:deviceId/:userId", api.checkConnection)
	webserver.ApiPOST("/devices/:deviceId/send", api.sendMessage)
	webserver.ApiGET("/devices/sessions", api.listSessions)
	webserver.ApiGET("/devices/:deviceId/session", api.getSession)
	webserver.ApiGET("/devices/:deviceId/qr", api.getPairingCode)
	webserver.ApiDELETE("/devices/:deviceId", api.removeDevice)
}

func (api *deviceAPI) listDevices(c echo.Context) error {
	page, pageSize := parsePagination(c)
	owner := strings.TrimSpace(c.QueryParam("userId"))
	devices, total, err := api.devices.List(c.Request().Context(), owner, page, pageSize)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	return paged(c, devices, total, page, pageSize)
}

func (api *deviceAPI) connectDevice(c echo.Context) error {
	var payload connectPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse connect parameters", nil)
	}
	payload.DeviceName = strings.TrimSpace(payload.DeviceName)
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	device, err := api.mgr.ConnectDevice(c.Request().Context(), payload.UserID, payload.DeviceName)
	if err != nil {
		return handleSessionError(c, err, "connect device")
	}
	zap.L().Info("adminapi: device connected",
		zap.String("device_id", device.DeviceID),
		zap.String("caller", webserver.Subject(c)))
	return ok(c, device)
}

func (api *deviceAPI) disconnectDevice(c echo.Context) error {
	device, err := api.mgr.DisconnectDevice(c.Request().Context(), c.Param("deviceId"))
	if err != nil {
		return handleSessionError(c, err, "disconnect device")
	}
	return ok(c, device)
}

func (api *deviceAPI) checkConnection(c echo.Context) error {
	userID := c.Param("userId")
	if _, err := uuid.Parse(userID); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_USER_ID", "userId must be a UUID", nil)
	}
	connected, err := api.mgr.Dispatcher().CheckConnection(c.Request().Context(), c.Param("deviceId"), userID)
	if err != nil {
		return handleSessionError(c, err, "check device connection")
	}
	return ok(c, map[string]bool{"isConnected": connected})
}

func (api *deviceAPI) sendMessage(c echo.Context) error {
	var payload sendPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse message parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	deviceID := c.Param("deviceId")
	if err := api.mgr.Dispatcher().SendMessage(c.Request().Context(), deviceID, payload.Recipient, payload.Text); err != nil {
		return handleSessionError(c, err, "send message")
	}
	return ok(c, map[string]interface{}{"sent": true, "deviceId": deviceID})
}

func (api *deviceAPI) listSessions(c echo.Context) error {
	sessions := api.mgr.Sessions()
	if sessions == nil {
		sessions = []session.SessionInfo{}
	}
	return ok(c, sessions)
}

func (api *deviceAPI) getSession(c echo.Context) error {
	info, found := api.mgr.Session(c.Param("deviceId"))
	if !found {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "No session state for device", nil)
	}
	return ok(c, info)
}

func (api *deviceAPI) getPairingCode(c echo.Context) error {
	code, found := api.mgr.PairingCode(c.Param("deviceId"))
	return ok(c, map[string]interface{}{"code": code, "hasQr": found})
}

func (api *deviceAPI) removeDevice(c echo.Context) error {
	deviceID := c.Param("deviceId")
	if err := api.mgr.RemoveDevice(c.Request().Context(), deviceID); err != nil {
		return handleSessionError(c, err, "remove device")
	}
	return ok(c, map[string]interface{}{"removed": true, "deviceId": deviceID})
}
