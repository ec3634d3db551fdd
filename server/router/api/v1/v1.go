// Package v1 wires the versioned HTTP API.
package v1

import (
	"github.com/labstack/echo/v4"

	"github.com/convopipe/convopipe/internal/profile"
	"github.com/convopipe/convopipe/pipeline/orchestrator"
)

// APIV1Service groups the v1 route handlers.
type APIV1Service struct {
	ChatService *ChatService
	Profile     *profile.Profile
}

// NewAPIV1Service creates the v1 service.
func NewAPIV1Service(p *profile.Profile, orch *orchestrator.Orchestrator) *APIV1Service {
	return &APIV1Service{
		ChatService: &ChatService{Orchestrator: orch},
		Profile:     p,
	}
}

// RegisterRoutes mounts the v1 routes on the echo instance.
func (s *APIV1Service) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.POST("/chat", s.ChatService.Chat)
	g.POST("/chat/stream", s.ChatService.ChatStream)
}
