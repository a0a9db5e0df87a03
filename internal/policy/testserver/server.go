// Package testserver implements a minimal in-memory policy bundle
// server for exercising a policy.Client against real HTTP without a
// production policy control plane.
package testserver

import (
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/thrashr888/agentkernel/internal/policy"
)

// Server serves GET/PUT /v1/policy/bundle backed by an in-memory
// bundle that PushBundle (via PUT) replaces wholesale.
type Server struct {
	echo *echo.Echo

	mu     sync.RWMutex
	bundle policy.PolicyBundle
}

// New creates a Server seeded with bundle as its initial state.
func New(bundle policy.PolicyBundle) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, bundle: bundle}

	e.GET("/v1/policy/bundle", s.getBundle)
	e.PUT("/v1/policy/bundle", s.putBundle)

	return s
}

func (s *Server) getBundle(c echo.Context) error {
	s.mu.RLock()
	bundle := s.bundle
	s.mu.RUnlock()
	return c.JSON(http.StatusOK, bundle)
}

func (s *Server) putBundle(c echo.Context) error {
	var bundle policy.PolicyBundle
	if err := c.Bind(&bundle); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	s.mu.Lock()
	s.bundle = bundle
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

// Start starts the HTTP server on addr, blocking until it stops.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Close gracefully shuts down the server.
func (s *Server) Close() error {
	return s.echo.Close()
}

// Echo returns the underlying echo.Echo, useful for httptest.NewServer
// via echo's http.Handler interface.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
