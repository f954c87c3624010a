package webapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/spokecrm/spoke/config"
	"github.com/spokecrm/spoke/internal/dispatch"
	"github.com/spokecrm/spoke/internal/session"
)

// Handler exposes the session and dispatch subsystems over REST.
type Handler struct {
	sessions *session.Manager
	engine   *dispatch.Engine
	registry *dispatch.Registry
	cfg      *config.AppConfig
}

func NewHandler(sessions *session.Manager, engine *dispatch.Engine, registry *dispatch.Registry, cfg *config.AppConfig) *Handler {
	return &Handler{
		sessions: sessions,
		engine:   engine,
		registry: registry,
		cfg:      cfg,
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/auth/:tenantId", h.getAuth)
	e.DELETE("/auth/:tenantId", h.deleteAuth)
	e.GET("/status/:tenantId", h.getStatus)
	e.GET("/sessions", h.listSessions)
	e.POST("/send-message/:tenantId", h.postSendMessage)
	e.GET("/send-message-status/:jobId", h.getJobStatus)
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func fail(c echo.Context, status int, code string, message string, detail interface{}) error {
	body := map[string]interface{}{
		"code":    code,
		"message": message,
	}
	if detail != nil {
		body["detail"] = detail
	}
	return c.JSON(status, body)
}
