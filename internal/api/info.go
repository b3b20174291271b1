package api

import (
	"encoding/json"
	"net/http"
)

type serviceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
	Notes     []string          `json:"notes"`
}

func writeInfo(w http.ResponseWriter, cfg ServerConfig) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(serviceInfo{
		Service: cfg.ServiceName,
		Version: cfg.Version,
		Status:  "running",
		Endpoints: map[string]string{
			"metrics": "/metrics",
			"health":  "/health",
			"ready":   "/ready",
			"live":    "/live",
		},
		Notes: []string{BackfillNote},
	})
}
