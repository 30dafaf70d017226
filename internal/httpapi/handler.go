package httpapi

import (
	"github.com/crueladdict/ori/apps/ori-runner/internal/service"
)

// Handler wires HTTP requests to domain services.
type Handler struct {
	catalog  *service.ResourceCatalogService
	sessions *service.SessionService
	scripts  *service.ScriptService
}

func NewHandler(catalog *service.ResourceCatalogService, sessions *service.SessionService, scripts *service.ScriptService) *Handler {
	return &Handler{
		catalog:  catalog,
		sessions: sessions,
		scripts:  scripts,
	}
}
