package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/me/provsched/pkg/model"
)

// listOptions parses pagination and filters from the query string.
func listOptions(r *http.Request) (model.ListOptions, *model.APIError) {
	opts := model.DefaultListOptions()
	q := r.URL.Query()

	var details []model.FieldError
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, model.FieldError{Field: "limit", Message: "must be an integer"})
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, model.FieldError{Field: "offset", Message: "must be an integer"})
		}
		opts.Offset = n
	}
	if v := q.Get("status"); v != "" {
		switch model.RunStatus(v) {
		case model.RunStatusRunning, model.RunStatusCompleted, model.RunStatusFailed, model.RunStatusCancelled:
			opts.Status = v
		default:
			details = append(details, model.FieldError{Field: "status", Message: "unknown run status " + strconv.Quote(v)})
		}
	}
	opts.Name = q.Get("name")

	if len(details) > 0 {
		return opts, model.NewValidationError("Invalid query parameters", details...)
	}
	opts.Clamp()
	return opts, nil
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	opts, apiErr := listOptions(r)
	if apiErr != nil {
		respondError(w, reqID, http.StatusBadRequest, apiErr)
		return
	}

	runs, total, err := s.store.ListRuns(r.Context(), opts)
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	if runs == nil {
		runs = []*model.Report{}
	}

	respondList(w, reqID, runs, model.NewPagination(total, opts))
}

// runDetail is a run report plus its job summary, jobs in registration order.
type runDetail struct {
	*model.Report
	Jobs    []*model.JobReport `json:"jobs"`
	Summary model.JobSummary   `json:"summary"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("Run", id))
		return
	}
	respondOK(w, reqID, runDetail{Report: run, Jobs: run.Ordered(), Summary: run.Summary()})
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	if run == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("Run", id))
		return
	}
	if run.Status == model.RunStatusRunning {
		respondError(w, reqID, http.StatusConflict, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Run '" + id + "' is still running",
		})
		return
	}
	if err := s.store.DeleteRun(r.Context(), id); err != nil {
		s.respondInternal(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]string{"id": id, "deleted": "true"})
}
