// Package handlers provides HTTP request handlers for the scanfleet controller
// and dispatcher services. This file contains the response, parsing and
// error mapping helpers shared by all handlers.
package handlers

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/anstrom/scanfleet/internal/api/middleware"
	"github.com/anstrom/scanfleet/internal/controller"
	"github.com/anstrom/scanfleet/internal/errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

// PaginationParams holds skip/limit query parameters.
type PaginationParams struct {
	Skip  int `json:"skip"`
	Limit int `json:"limit"`
}

// getPaginationParams reads skip and limit. Bounds are checked by the
// controller.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	skip, err := getQueryParamInt(r, "skip", 0)
	if err != nil {
		return PaginationParams{}, errors.ErrValidation("skip must be an integer")
	}
	limit, err := getQueryParamInt(r, "limit", controller.DefaultLimit)
	if err != nil {
		return PaginationParams{}, errors.ErrValidation("limit must be an integer")
	}
	return PaginationParams{Skip: skip, Limit: limit}, nil
}

func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := strings.TrimSpace(r.URL.Query().Get(key)); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response",
			"request_id", middleware.GetRequestID(r),
			"error", err)
	}
}

// writeError writes {detail} with statusCode.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, detail string) {
	writeJSON(w, r, statusCode, ErrorResponse{
		Detail:    detail,
		RequestID: middleware.GetRequestID(r),
	})
}

// handleServiceError maps a coded error to an HTTP status and detail.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, operation string, logger *slog.Logger) {
	status, detail := statusFor(err)

	if status >= http.StatusInternalServerError {
		logger.Error("Failed to "+operation,
			"request_id", middleware.GetRequestID(r),
			"error", err)
	} else {
		logger.Debug("Rejected request",
			"request_id", middleware.GetRequestID(r),
			"operation", operation,
			"status", status,
			"detail", detail)
	}
	writeError(w, r, status, detail)
}

func statusFor(err error) (status int, detail string) {
	var jobErr *errors.JobError
	hasJobErr := stderrors.As(err, &jobErr)

	switch code := errors.GetCode(err); code {
	case errors.CodeToolNotFound, errors.CodeNotFound:
		if hasJobErr {
			return http.StatusNotFound, jobErr.Message
		}
		return http.StatusNotFound, "Not found"
	case errors.CodeValidation:
		if hasJobErr {
			return http.StatusBadRequest, jobErr.Message
		}
		return http.StatusBadRequest, err.Error()
	case errors.CodeConflict:
		return http.StatusConflict, err.Error()
	case errors.CodeDispatchFailed:
		cause := err.Error()
		if hasJobErr && jobErr.Cause != nil {
			cause = jobErr.Cause.Error()
		}
		return http.StatusInternalServerError, fmt.Sprintf("Failed to submit scan to scanner node: %s", cause)
	default:
		var dbErr *errors.DatabaseError
		if stderrors.As(err, &dbErr) {
			return http.StatusInternalServerError, dbErr.Message
		}
		return http.StatusInternalServerError, "Internal server error"
	}
}

// parseJSON decodes the request body into dest. Unknown fields are accepted.
func parseJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.ErrValidation("request body is empty")
	}

	// Free-form option and metadata values keep their literal numbers.
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(dest); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return errors.ErrValidation(fmt.Sprintf("request body too large (max %d bytes)", maxErr.Limit))
		}
		return errors.ErrValidation(fmt.Sprintf("invalid JSON: %v", err))
	}
	return nil
}
