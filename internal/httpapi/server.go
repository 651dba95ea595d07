// Package httpapi is a read-only debug HTTP surface over a running
// callmanager.Manager and ring.Coordinator: a health check and a state
// dump a developer (or an ops dashboard) can poll without driving any
// call itself.
package httpapi

import (
	"context"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/signalapp/callcore/internal/call"
	"github.com/signalapp/callcore/internal/callmanager"
	"github.com/signalapp/callcore/internal/ring"
)

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	manager *callmanager.Manager
	rings   *ring.Coordinator
}

// New constructs an Echo app exposing /health, /api/calls and
// /api/rings. rings may
// be nil if the host doesn't run group-ring coordination.
func New(manager *callmanager.Manager, rings *ring.Coordinator) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, manager: manager, rings: rings}
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via slog.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			path := req.URL.Path

			// Skip noisy endpoints at debug level.
			if path == "/health" {
				slog.Debug("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
				)
			} else {
				slog.Info("http request",
					"method", req.Method,
					"path", path,
					"status", c.Response().Status,
					"duration_ms", time.Since(start).Milliseconds(),
					"remote", c.RealIP(),
				)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/calls", s.handleCalls)
	s.echo.GET("/api/rings", s.handleRings)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("http server stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Calls  int    `json:"calls"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Calls:  len(s.manager.Calls()),
	})
}

type callSummary struct {
	CallID    uint64 `json:"call_id"`
	PeerID    string `json:"peer_id"`
	Direction string `json:"direction"`
	State     string `json:"state"`
}

type callsResponse struct {
	Calls []callSummary `json:"calls"`
}

func (s *Server) handleCalls(c echo.Context) error {
	calls := s.manager.Calls()
	summaries := make([]callSummary, 0, len(calls))
	for _, cl := range calls {
		summaries = append(summaries, summarizeCall(cl))
	}
	return c.JSON(http.StatusOK, callsResponse{Calls: summaries})
}

func summarizeCall(c *call.Call) callSummary {
	return callSummary{
		CallID:    uint64(c.CallID),
		PeerID:    c.PeerID,
		Direction: c.Direction.String(),
		State:     c.State().String(),
	}
}

type ringSummary struct {
	GroupID string `json:"group_id"`
	RingID  int64  `json:"ring_id"`
	Sender  string `json:"sender"`
}

type ringsResponse struct {
	Rings []ringSummary `json:"rings"`
}

func (s *Server) handleRings(c echo.Context) error {
	if s.rings == nil {
		return c.JSON(http.StatusOK, ringsResponse{Rings: []ringSummary{}})
	}
	active := s.rings.Active()
	summaries := make([]ringSummary, 0, len(active))
	for _, r := range active {
		summaries = append(summaries, ringSummary{
			GroupID: hex.EncodeToString(r.GroupID),
			RingID:  r.RingID,
			Sender:  r.Sender,
		})
	}
	return c.JSON(http.StatusOK, ringsResponse{Rings: summaries})
}
