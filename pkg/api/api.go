/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/telekom/mail-dispatch/pkg/config"
	"github.com/telekom/mail-dispatch/pkg/metrics"
	"github.com/telekom/mail-dispatch/pkg/system"
	"github.com/telekom/mail-dispatch/pkg/version"
)

const (
	readHeaderTimeout = 10 * time.Second
	checkTimeout      = 2 * time.Second
)

// Check is one readiness condition. A nil error means ready.
type Check struct {
	Name  string
	Check func(ctx context.Context) error
}

type Server struct {
	engine   *gin.Engine
	http     *http.Server
	log      *zap.SugaredLogger
	checks   []Check
	draining atomic.Bool
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type readiness struct {
	Status  string        `json:"status"`
	Version string        `json:"version"`
	Checks  []checkResult `json:"checks"`
}

func NewServer(log *zap.Logger, cfg config.Server, debug bool, checks ...Check) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	probes := []string{"/healthz", "/readyz", "/metrics"}
	engine := gin.New()
	engine.Use(
		ginzap.GinzapWithConfig(log, &ginzap.Config{TimeFormat: time.RFC3339, UTC: true, SkipPaths: probes}),
		ginzap.RecoveryWithZap(log, true),
		system.RequestLogger(log.Sugar()),
	)

	s := &Server{
		engine: engine,
		log:    log.Sugar(),
		checks: checks,
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/readyz", s.readyz)
	engine.GET("/metrics", gin.WrapH(metrics.MetricsHandler()))

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Listen serves on the configured address until Shutdown.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Infow("Ops server listening", "address", ln.Addr().String())
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// SetDraining makes /readyz fail so the instance is taken out of rotation
// while it drains.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	log := system.GetReqLogger(c, s.log)
	ctx, cancel := context.WithTimeout(c.Request.Context(), checkTimeout)
	defer cancel()

	resp := readiness{Status: "ready", Version: version.Version}
	if s.draining.Load() {
		resp.Status = "draining"
	}
	for _, check := range s.checks {
		res := checkResult{Name: check.Name, Status: "ok"}
		if err := check.Check(ctx); err != nil {
			res.Status = "failed"
			res.Error = err.Error()
			resp.Status = "not ready"
			log.Debugw("Readiness check failed", "check", check.Name, "error", err.Error())
		}
		resp.Checks = append(resp.Checks, res)
	}

	code := http.StatusOK
	if resp.Status != "ready" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
