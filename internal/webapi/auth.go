package webapi

import (
	"encoding/base64"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spokecrm/spoke/internal/session"
	"go.uber.org/zap"
)

// getAuth starts (or reuses) the tenant's session and blocks until a pairing
// code is available, the session is already paired, or the wait expires.
// With ?format=image the pairing code is additionally rendered as a PNG.
func (h *Handler) getAuth(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}

	result, err := h.sessions.AwaitPairingOrReady(c.Request().Context(), tenantID, h.cfg.Messaging.PairingWait())
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPairingTimeout):
			return fail(c, http.StatusRequestTimeout, "PAIRING_TIMEOUT", "no pairing code became available in time", nil)
		case errors.Is(err, session.ErrAuthFailed):
			return fail(c, http.StatusUnauthorized, "AUTH_FAILED", "provider rejected the session", err.Error())
		default:
			return fail(c, http.StatusBadGateway, "CONNECTION_FAILED", "provider connection failed", err.Error())
		}
	}

	resp := map[string]interface{}{
		"status": result.Status,
	}
	if result.PairingCode != "" {
		resp["pairingCode"] = result.PairingCode
		if c.QueryParam("format") == "image" {
			png, err := qrcode.Encode(result.PairingCode, qrcode.Medium, 256)
			if err != nil {
				return fail(c, http.StatusInternalServerError, "QR_RENDER_FAILED", "unable to render pairing code", err.Error())
			}
			resp["qrImage"] = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		}
	}
	return ok(c, resp)
}

// deleteAuth tears the tenant's session down and deletes its credentials,
// forcing a fresh pairing on the next auth call.
func (h *Handler) deleteAuth(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}
	if err := h.sessions.Reset(tenantID); err != nil {
		zap.L().Error("webapi: session reset failed", zap.String("tenant", tenantID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "RESET_FAILED", "unable to reset session", err.Error())
	}
	return ok(c, map[string]interface{}{"status": "reset"})
}

// getStatus is the non-blocking poll counterpart of getAuth.
func (h *Handler) getStatus(c echo.Context) error {
	tenantID := c.Param("tenantId")
	if tenantID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_TENANT", "tenantId is required", nil)
	}
	return ok(c, h.sessions.GetStatus(tenantID))
}

// listSessions reports every tracked session.
func (h *Handler) listSessions(c echo.Context) error {
	return ok(c, map[string]interface{}{"sessions": h.sessions.List()})
}
