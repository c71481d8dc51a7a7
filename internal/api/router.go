package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/draftsync/internal/hub"
	"github.com/starford/draftsync/internal/noteservice"
)

// NewRouter creates a chi router with all API routes mounted, including the
// websocket channel. authEnabled controls whether Bearer token auth is enforced.
func NewRouter(svc *noteservice.Service, h *hub.Hub, authEnabled bool, token string) chi.Router {
	hd := NewHandler(svc, h)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	r.Get("/notes/by_step", hd.NotesByStep)
	r.Post("/notes/", hd.SaveNote)
	r.Post("/notes", hd.SaveNote)
	r.Get("/notes/ws/{version_id}", hd.Channel)
	r.Get("/notes/{version_id}", hd.NotesForVersion)
	r.Get("/notes/{version_id}/{owner_id}", hd.GetNote)
	r.Post("/notes/{version_id}/attachments", hd.UploadAttachments)

	r.Delete("/attachments/{attachment_id}", hd.DeleteAttachment)
	r.Get("/attachments/{attachment_id}/download", hd.DownloadAttachment)

	return r
}

// Health registers the unauthenticated liveness and readiness probes.
func Health(r chi.Router, ready func() error) {
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if err := ready(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
