package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Client-facing messages.
const (
	msgUnauthorized    = "Unauthorized"
	msgNotFound        = "Not found"
	msgInternal        = "Internal server error"
	msgAlreadyExist    = "Already exist"
	msgMissingEmail    = "Missing email"
	msgMissingPassword = "Missing password"
	msgMissingName     = "Missing name"
	msgMissingType     = "Missing type"
	msgMissingData     = "Missing data"
	msgInvalidData     = "Invalid data"
	msgParentNotFound  = "Parent not found"
	msgParentNotFolder = "Parent is not a folder"
	msgFolderNoContent = "A folder doesn't have content"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// WriteMessage writes {"error": message} with status.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	writeMessage(w, status, message)
}

// writeInternalError logs err and answers with a generic 500 so backend
// details never reach the client.
func writeInternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	if logger != nil {
		logger.Error(msg, "error", err)
	}
	writeMessage(w, http.StatusInternalServerError, msgInternal)
}

type bodyError struct {
	status int
	err    error
}

func (e *bodyError) Error() string {
	return e.err.Error()
}

func (e *bodyError) Unwrap() error {
	return e.err
}

func decodeJSON(r *http.Request, dest interface{}) error {
	if r.Body == nil {
		return &bodyError{status: http.StatusBadRequest, err: errors.New("request body is required")}
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &bodyError{status: http.StatusRequestEntityTooLarge, err: fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)}
		}
		return &bodyError{status: http.StatusBadRequest, err: fmt.Errorf("invalid JSON body: %w", err)}
	}
	return nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	var be *bodyError
	if errors.As(err, &be) {
		writeError(w, be.status, be.err)
		return
	}
	writeError(w, http.StatusBadRequest, err)
}
