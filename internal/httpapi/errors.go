package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"warden.dev/internal/audit"
	"warden.dev/internal/auth"
)

var errBadID = errors.New("invalid id")

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"message": msg})
}

// handleError maps service errors to responses. Details of unexpected errors
// are logged and never returned.
func (a *API) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case auth.IsUnauthenticated(err):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, auth.ErrConflict):
		writeError(w, http.StatusBadRequest, "already exists")
	case errors.Is(err, auth.ErrNotFound), errors.Is(err, errBadID):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, clientMessage(err))
	default:
		a.logger.Error("request failed",
			zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// clientMessage strips the sentinel prefix from validation errors.
func clientMessage(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, auth.ErrInvalidInput.Error()+": "); i >= 0 {
		msg = msg[i+len(auth.ErrInvalidInput.Error())+2:]
	}
	if msg == "" {
		return "invalid input"
	}
	return msg
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeBody decodes the request into dst and answers 422 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}
