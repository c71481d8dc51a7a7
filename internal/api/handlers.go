package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/draftsync/internal/hub"
	"github.com/starford/draftsync/internal/models"
	"github.com/starford/draftsync/internal/noteservice"
)

const maxNoteBody = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	svc *noteservice.Service
	hub *hub.Hub
}

// NewHandler creates a new Handler.
func NewHandler(svc *noteservice.Service, h *hub.Hub) *Handler {
	return &Handler{svc: svc, hub: h}
}

// idParam parses a positive integer URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// NotesByStep handles GET /api/notes/by_step?project_id=&step_name=.
func (h *Handler) NotesByStep(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID, err := strconv.ParseInt(q.Get("project_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("project_id must be an integer"))
		return
	}
	notes, err := h.svc.NotesByStep(r.Context(), models.Scope{ProjectID: projectID, StepName: q.Get("step_name")})
	if err != nil {
		writeError(w, "notes by step", err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// SaveNote handles POST /api/notes/. Blank content deletes the note and
// answers 204.
func (h *Handler) SaveNote(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertNoteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxNoteBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	res, err := h.svc.SaveNote(r.Context(), req)
	if err != nil {
		writeError(w, "save note", err)
		return
	}
	if res.Deleted {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, res.Note)
}

// NotesForVersion handles GET /api/notes/{version_id}.
func (h *Handler) NotesForVersion(w http.ResponseWriter, r *http.Request) {
	versionID, ok := idParam(r, "version_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid version_id"))
		return
	}
	notes, err := h.svc.NotesForVersion(r.Context(), versionID)
	if err != nil {
		writeError(w, "notes for version", err)
		return
	}
	writeJSON(w, http.StatusOK, notes)
}

// ownerKind reads the owner_kind query parameter, defaulting to a human reviewer.
func ownerKind(r *http.Request) string {
	if k := r.URL.Query().Get("owner_kind"); k != "" {
		return k
	}
	return models.OwnerKindHuman
}

// GetNote handles GET /api/notes/{version_id}/{owner_id}?owner_kind=.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	versionID, ok := idParam(r, "version_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid version_id"))
		return
	}
	ownerID, ok := idParam(r, "owner_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid owner_id"))
		return
	}
	n, err := h.svc.GetNote(r.Context(), versionID, models.Owner{Kind: ownerKind(r), ID: ownerID})
	if err != nil {
		writeError(w, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// Channel handles GET /api/notes/ws/{version_id}.
func (h *Handler) Channel(w http.ResponseWriter, r *http.Request) {
	versionID, ok := idParam(r, "version_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid version_id"))
		return
	}
	h.hub.ServeWS(w, r, versionID)
}
