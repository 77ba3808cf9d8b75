/*
 * Copyright 2025 ESSL Cloud Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package api serves the agent's local status and administration
// endpoints. It is bound to a local interface; the cloud never calls
// in, the agent only calls out.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/esslcloud/agent/pkg/device"
	"github.com/esslcloud/agent/pkg/logger"
	"github.com/esslcloud/agent/pkg/models"
	"github.com/esslcloud/agent/pkg/queue"
	"github.com/esslcloud/agent/pkg/state"
	agentsync "github.com/esslcloud/agent/pkg/sync"
	"github.com/esslcloud/agent/pkg/uploader"
	"github.com/esslcloud/agent/pkg/version"
)

const deadLetterPageSize = 100

// Server is the local HTTP API. It implements lifecycle.Service.
type Server struct {
	agentID    string
	macAddress string

	state     *state.Store
	queue     *queue.Store
	manager   *device.ConnectionManager
	scheduler *agentsync.Scheduler
	uploader  *uploader.Uploader
	logger    logger.Logger

	httpSrv *http.Server
}

// NewServer builds the API server listening on addr.
func NewServer(addr, agentID, macAddress string, st *state.Store, q *queue.Store,
	manager *device.ConnectionManager, scheduler *agentsync.Scheduler,
	up *uploader.Uploader, log logger.Logger) *Server {
	s := &Server{
		agentID:    agentID,
		macAddress: macAddress,
		state:      st,
		queue:      q,
		manager:    manager,
		scheduler:  scheduler,
		uploader:   up,
		logger:     log,
	}

	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.loggingMiddleware())

	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/api/v1")
	v1.GET("/devices", s.handleListDevices)
	v1.POST("/devices", s.handleAddDevice)
	v1.GET("/devices/:id", s.handleGetDevice)
	v1.DELETE("/devices/:id", s.handleRemoveDevice)
	v1.GET("/devices/:id/users", s.handleDeviceUsers)
	v1.GET("/queue", s.handleQueue)

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Start serves HTTP until ctx ends or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Starting status API")

	errCh := make(chan error, 1)

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("API request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx := c.Request.Context()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	dead, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.AgentHealth{
		AgentID:     s.agentID,
		MACAddress:  s.macAddress,
		Version:     version.GetVersion(),
		Terminals:   s.manager.Health(),
		QueueDepth:  depth,
		DeadLetters: dead,
		Timestamp:   time.Now().UTC(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.state.Terminals()})
}

func (s *Server) handleAddDevice(c *gin.Context) {
	var terminal models.Terminal
	if err := c.ShouldBindJSON(&terminal); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if terminal.ID == "" || terminal.Address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and address are required"})
		return
	}

	if err := s.scheduler.AddTerminal(terminal); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	terminal.Normalize()
	c.JSON(http.StatusCreated, terminal)
}

func (s *Server) handleGetDevice(c *gin.Context) {
	id := c.Param("id")

	terminal, ok := s.state.Terminal(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	resp := gin.H{"device": terminal}

	if cursor, ok := s.state.Cursor(id); ok {
		resp["cursor"] = cursor
	}

	for _, h := range s.manager.Health() {
		if h.TerminalID == id {
			resp["health"] = h
			break
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRemoveDevice(c *gin.Context) {
	id := c.Param("id")

	if !s.scheduler.RemoveTerminal(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeviceUsers(c *gin.Context) {
	id := c.Param("id")

	if _, ok := s.state.Terminal(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "device not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"users": s.state.Users(id)})
}

func (s *Server) handleQueue(c *gin.Context) {
	ctx := c.Request.Context()

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	dead, err := s.queue.DeadLetterCount(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	letters, err := s.queue.DeadLetters(ctx, deadLetterPageSize)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"depth":        depth,
		"dead_letters": dead,
		"dead":         letters,
	}

	if s.uploader != nil {
		resp["upload_circuit"] = s.uploader.Breaker().State().String()
	}

	c.JSON(http.StatusOK, resp)
}
