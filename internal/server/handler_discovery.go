package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "provsched API",
		Version:     "v1",
		Description: "Provisioning job scheduler: run reports and schedule validation",
		Endpoints: []endpointInfo{
			{"/api/v1/runs", []string{"GET"}, "List run reports. Filters: status, name, limit, offset"},
			{"/api/v1/runs/{id}", []string{"GET", "DELETE"}, "Single run report with per-job detail"},
			{"/api/v1/schedules/validate", []string{"POST"}, "Validate a YAML schedule and return its dependency order"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
