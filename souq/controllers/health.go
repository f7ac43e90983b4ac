package controllers

import (
	"net/http"

	httputils "souq/souq/utils/http"
)

type HealthController struct {
	gatewayConfigured bool
}

func NewHealthController(gatewayConfigured bool) *HealthController {
	return &HealthController{gatewayConfigured: gatewayConfigured}
}

func (h *HealthController) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputils.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"gateway": h.gatewayConfigured,
	})
}
