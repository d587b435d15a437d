// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package status serves a read-only HTTP view of the current run.
package status

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/OpenPSG/pulselab/session"
	"github.com/OpenPSG/pulselab/store"
)

// Handler serves the tracker snapshot and the run metadata document.
type Handler struct {
	Tracker *session.Tracker
	Logger  *slog.Logger
}

// RegisterRoutes mounts the status routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/run", h.handleRun)
	r.Get("/run/metadata", h.handleMetadata)
}

// Router returns a router with the status routes and the usual middleware.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRun(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Tracker.Snapshot())
}

func (h *Handler) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	st := h.Tracker.Snapshot()
	if st.MetadataPath == "" {
		writeError(w, http.StatusNotFound, "no run")
		return
	}

	meta, err := store.ReadMetadata(st.MetadataPath)
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "metadata not written yet")
		return
	}
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("error reading metadata", slog.String("error", err.Error()))
		}
		writeError(w, http.StatusInternalServerError, "error reading metadata")
		return
	}

	writeJSON(w, http.StatusOK, meta)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
