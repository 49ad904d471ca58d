package controlserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

const defaultWait = 90 * time.Second

type runScriptRequest struct {
	ScriptName  string `json:"script_name"`
	Script      string `json:"script" binding:"required"`
	WaitSeconds int    `json:"wait_seconds"`
}

func (s *Server) registerRoutes() {
	s.engine.GET("/ws", s.handleWebSocket)

	devices := s.engine.Group("/devices", bearerAuth(s.opts.APIToken))
	devices.GET("", s.handleListDevices)
	devices.GET("/:id", s.handleGetDevice)
	devices.GET("/:id/messages", s.handleGetMessages)
	devices.POST("/:id/scripts", s.handleRunScript)
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.Devices()})
}

func (s *Server) handleGetDevice(c *gin.Context) {
	d, err := s.Device(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleGetMessages(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.Device(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.Messages(id)})
}

func (s *Server) handleRunScript(c *gin.Context) {
	var req runScriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}
	if req.ScriptName == "" {
		req.ScriptName = "script.py"
	}
	wait := defaultWait
	if req.WaitSeconds > 0 {
		wait = time.Duration(req.WaitSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	res, err := s.RunScript(ctx, c.Param("id"), req.ScriptName, req.Script)
	switch errors.Cause(err) {
	case nil:
		c.JSON(http.StatusOK, res)
	case ErrDeviceNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case ErrResultTimeout:
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
