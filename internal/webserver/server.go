package webserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spokecrm/spoke/config"
	"go.uber.org/zap"
)

// Server wraps the echo engine. Route registration happens through Echo()
// before Start.
type Server struct {
	cfg  config.WebConfig
	root *echo.Echo
}

func NewServer(cfg config.WebConfig) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(echoprometheus.NewMiddleware("spoke"))
	e.GET("/metrics", echoprometheus.NewHandler())
	e.HTTPErrorHandler = errorHandler
	return &Server{cfg: cfg, root: e}
}

func (s *Server) Echo() *echo.Echo {
	return s.root
}

// Start blocks until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	zap.L().Info("webserver: listening", zap.String("addr", addr))
	err := s.root.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.root.Shutdown(ctx)
}

// errorHandler keeps unexpected errors in the same envelope as handler
// failures instead of echo's default shape.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "internal error"
	if he, ok := err.(*echo.HTTPError); ok {
		status = he.Code
		message = fmt.Sprintf("%v", he.Message)
	}
	zap.L().Error("webserver: request failed",
		zap.String("path", c.Request().URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	_ = c.JSON(status, map[string]interface{}{
		"code":    status,
		"message": message,
	})
}
