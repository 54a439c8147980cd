package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/me/provsched/pkg/model"
)

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
	Uptime    string `json:"uptime"`
	Store     string `json:"store"`
	Runs      int    `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	resp := healthResponse{
		Status:    "healthy",
		Version:   Version,
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Store:     "ok",
	}
	opts := model.DefaultListOptions()
	opts.Limit = 1
	if _, total, err := s.store.ListRuns(r.Context(), opts); err != nil {
		s.logger.Warn("health: store unavailable", "error", err)
		resp.Status = "degraded"
		resp.Store = "unavailable"
	} else {
		resp.Runs = total
	}
	respondOK(w, reqID, resp)
}
