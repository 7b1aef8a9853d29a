/*
MiniMailGun - minimal SMTP relay service.
Copyright © 2026 MiniMailGun contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package api is the JSON/HTTP front-end: mail submission, status polling
// and the metrics endpoint. It is a thin shell over the submit adapter and
// the status aggregator; everything durable happens behind the store proxy.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minimailgun/minimailgun/framework/log"
	"github.com/minimailgun/minimailgun/internal/status"
	"github.com/minimailgun/minimailgun/internal/store"
	"github.com/minimailgun/minimailgun/internal/submit"
)

// StatusReader is the subset of the store proxy used by /status.
type StatusReader interface {
	StatusOf(ctx context.Context, clientID, submissionID string) ([]store.StatusRow, error)
}

type Server struct {
	Submit  *submit.Adapter
	Status  StatusReader
	Clients ClientSet

	Log log.Logger
}

type sendRequest struct {
	ClientID   string   `json:"client_id"`
	Sender     string   `json:"sender"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
}

type statusRequest struct {
	ClientID     string `json:"client_id"`
	SubmissionID string `json:"submission_id"`
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Post("/send", s.handleSend)
	r.Post("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"result": "error", "message": "not found",
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
			"result": "error", "message": "method not allowed",
		})
	})

	return r
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.authenticate(w, req.ClientID) {
		return
	}

	submissionID, err := s.Submit.Submit(r.Context(), &submit.Submission{
		ClientID:   req.ClientID,
		Sender:     req.Sender,
		Recipients: req.Recipients,
		Subject:    req.Subject,
		Body:       req.Body,
	})
	if err != nil {
		if isValidationErr(err) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"result": "error", "message": err.Error(),
			})
			return
		}
		s.Log.Error("submission failed", err, "client_id", req.ClientID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"result": "error", "message": "internal error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"result":        "queued",
		"submission_id": submissionID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if !s.authenticate(w, req.ClientID) {
		return
	}

	rows, err := s.Status.StatusOf(r.Context(), req.ClientID, req.SubmissionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]string{
				"result":  "error",
				"message": "unknown submission id " + req.SubmissionID,
			})
			return
		}
		s.Log.Error("status query failed", err, "client_id", req.ClientID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"result": "error", "message": "internal error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"result": "success",
		"status": strings.ToLower(string(status.Aggregate(rows))),
	})
}

// decodeBody enforces the JSON content type and parses the body. It writes
// the error response itself and returns false if the request is unusable.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{
			"result": "error", "message": "expected application/json",
		})
		return false
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"result": "error", "message": "malformed request body",
		})
		return false
	}
	return true
}

func (s *Server) authenticate(w http.ResponseWriter, clientID string) bool {
	if !s.Clients.Valid(clientID) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"result": "error", "message": "unknown client id",
		})
		return false
	}
	return true
}

func isValidationErr(err error) bool {
	switch {
	case errors.Is(err, submit.ErrNoClientID),
		errors.Is(err, submit.ErrNoSender),
		errors.Is(err, submit.ErrNoRecipients),
		errors.Is(err, submit.ErrNoSubject),
		errors.Is(err, submit.ErrNoBody),
		errors.Is(err, submit.ErrBadRecipient):
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
