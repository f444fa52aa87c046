package server

import (
	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	v1 "github.com/gosuda/rewind/internal/api/v1"
	"github.com/gosuda/rewind/internal/api/ws"
)

func registerSessionRoutes(api huma.API, orchestrator v1.SessionOrchestrator) {
	v1.RegisterSessionRoutes(api, orchestrator)
}

func registerViewerRoutes(api huma.API, orchestrator v1.SessionOrchestrator) {
	v1.RegisterRestartRoutes(api, orchestrator)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/sessions/{recordingID}", hub.ServeSession)
	r.Get("/protocol/{recordingID}", hub.ServeProtocol)
}
