package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/john/streamhub/internal/errs"
)

const maxBodyBytes = 1 << 20

type apiError struct {
	Status  int
	Message string
}

type apiHandler func(http.ResponseWriter, *http.Request) *apiError

type envelope struct {
	Data any `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func (s *Server) handle(next apiHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := next(w, r); err != nil {
			if err.Status >= http.StatusInternalServerError {
				s.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err.Message)
			}
			writeJSON(w, err.Status, errorResponse{Error: err.Message})
		}
	}
}

func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	want := []byte("Bearer " + s.opts.Token)
	return func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 && r.URL.Query().Get("token") != s.opts.Token {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

// fromError maps the error taxonomy onto HTTP statuses.
func fromError(err error) *apiError {
	if err == nil {
		return nil
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrDuplicateSession):
		status = http.StatusConflict
	case errors.Is(err, errs.ErrNoTargetsConfigured), errors.Is(err, errs.ErrNoRelaysStarted):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrSendUnsupported), errors.Is(err, errs.ErrNotChattable):
		status = http.StatusNotImplemented
	case errors.Is(err, errs.ErrNotConnected), errors.Is(err, errs.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	default:
		switch errs.KindOf(err) {
		case errs.KindConfiguration:
			status = http.StatusBadRequest
		case errs.KindConnection, errs.KindProtocol:
			status = http.StatusBadGateway
		}
	}
	return &apiError{Status: status, Message: err.Error()}
}

func badRequest(format string, args ...any) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// decodeBody reads a JSON body, or a form when the client posts one.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, formFields map[string]*string) *apiError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return badRequest("invalid form: %v", err)
		}
		for field, target := range formFields {
			if v := r.PostForm.Get(field); v != "" && *target == "" {
				*target = v
			}
		}
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid JSON body: %v", err)
	}
	return nil
}
