package api

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/starford/draftsync/internal/models"
)

const maxUploadBytes = 50 << 20 // 50 MB

// UploadAttachments handles POST /api/notes/{version_id}/attachments
// (multipart/form-data: owner_id, owner_kind, repeated files, repeated urls).
func (h *Handler) UploadAttachments(w http.ResponseWriter, r *http.Request) {
	versionID, ok := idParam(r, "version_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid version_id"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("file too large or invalid multipart"))
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	ownerID, err := strconv.ParseInt(r.FormValue("owner_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("owner_id must be an integer"))
		return
	}
	owner := models.Owner{Kind: r.FormValue("owner_kind"), ID: ownerID}
	if owner.Kind == "" {
		owner.Kind = models.OwnerKindHuman
	}

	files, closeAll, err := openParts(r.MultipartForm.File["files"])
	defer closeAll()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}

	n, err := h.svc.AddAttachments(r.Context(), versionID, owner, files, r.MultipartForm.Value["urls"])
	if err != nil {
		writeError(w, "upload attachments", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func openParts(headers []*multipart.FileHeader) ([]models.FileUpload, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	files := make([]models.FileUpload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("cannot read %s", fh.Filename)
		}
		opened = append(opened, f)
		files = append(files, models.FileUpload{Name: fh.Filename, Body: f})
	}
	return files, closeAll, nil
}

// DeleteAttachment handles DELETE /api/attachments/{attachment_id}?owner_id=&owner_kind=.
func (h *Handler) DeleteAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "attachment_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid attachment_id"))
		return
	}
	ownerID, err := strconv.ParseInt(r.URL.Query().Get("owner_id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("owner_id must be an integer"))
		return
	}
	n, err := h.svc.DeleteAttachment(r.Context(), id, models.Owner{Kind: ownerKind(r), ID: ownerID})
	if err != nil {
		writeError(w, "delete attachment", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// DownloadAttachment handles GET /api/attachments/{attachment_id}/download.
// Link attachments redirect to their target.
func (h *Handler) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(r, "attachment_id")
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid attachment_id"))
		return
	}
	a, f, err := h.svc.OpenAttachment(r.Context(), id)
	if err != nil {
		writeError(w, "download attachment", err)
		return
	}
	if f == nil {
		http.Redirect(w, r, a.Locator, http.StatusFound)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, "download attachment", err)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.DisplayName))
	http.ServeContent(w, r, a.DisplayName, info.ModTime(), f)
}
