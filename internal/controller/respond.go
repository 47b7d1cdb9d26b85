package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/rallymail-backend/internal/errors"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

type staffKey struct{}

// WithStaffID records the authenticated operator on the request context.
func WithStaffID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, staffKey{}, id)
}

// StaffID returns the operator set by WithStaffID, or nil.
func StaffID(ctx context.Context) *int {
	id, ok := ctx.Value(staffKey{}).(int)
	if !ok {
		return nil
	}
	return &id
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeError maps service errors onto status codes. Anything unrecognised is
// logged and answered with a generic 500.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	switch {
	case appErrors.IsNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case appErrors.IsValidation(err):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case appErrors.IsConflict(err):
		writeMessage(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("❌ request failed")
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}

// pathID parses the {id} URL parameter.
func pathID(w http.ResponseWriter, r *http.Request, what string) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid "+what+" id")
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}
