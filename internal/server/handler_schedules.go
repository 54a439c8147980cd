package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/me/provsched/pkg/model"
)

const maxScheduleBytes = 1 << 20

type validateResponse struct {
	Valid       bool     `json:"valid"`
	Name        string   `json:"name"`
	Entry       []string `json:"entry"`
	Order       []string `json:"order"`
	Jobs        int      `json:"jobs"`
	MaxDuration string   `json:"max_duration"`
}

// handleValidateSchedule parses a YAML schedule from the request body and
// reports its dependency order, or the structural error as field details.
// Nothing is executed.
func (s *Server) handleValidateSchedule(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScheduleBytes))
	if err != nil {
		respondError(w, reqID, http.StatusBadRequest, &model.APIError{
			Code:    model.ErrValidation,
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	plan, err := s.loader.Load(body)
	if err != nil {
		respondError(w, reqID, http.StatusUnprocessableEntity,
			model.NewValidationError("Invalid schedule", fieldErrorFor(err)))
		return
	}

	respondOK(w, reqID, validateResponse{
		Valid:       true,
		Name:        plan.Name,
		Entry:       plan.Entry,
		Order:       plan.Table.Order(),
		Jobs:        plan.Registry.Len(),
		MaxDuration: plan.Table.MaxDuration().String(),
	})
}

// fieldErrorFor maps a schedule error to the field it concerns.
func fieldErrorFor(err error) model.FieldError {
	var (
		dup  *model.DuplicateJobError
		unk  *model.UnknownJobError
		dang *model.DanglingReferenceError
		cyc  *model.CyclicDependencyError
		inv  *model.InvalidEntryError
	)
	switch {
	case errors.As(err, &dang):
		return model.FieldError{Field: dang.Field, Path: fmt.Sprintf("jobs.%s.%s", dang.Job, dang.Field), Message: err.Error()}
	case errors.As(err, &cyc):
		return model.FieldError{Field: "dependencies", Message: err.Error()}
	case errors.As(err, &inv):
		return model.FieldError{Field: inv.Field, Path: fmt.Sprintf("jobs.%s.%s", inv.Job, inv.Field), Message: err.Error()}
	case errors.As(err, &dup):
		return model.FieldError{Field: "name", Path: fmt.Sprintf("jobs.%s", dup.Job), Message: err.Error()}
	case errors.As(err, &unk):
		return model.FieldError{Field: "entry", Message: err.Error()}
	default:
		return model.FieldError{Message: err.Error()}
	}
}
