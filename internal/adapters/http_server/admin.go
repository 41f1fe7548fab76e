package httpserver

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"gallery/internal/domain"
)

const multipartMemory = 32 << 20

func pathInt64(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		writeProblem(w, http.StatusBadRequest, "Invalid ID", name+" must be a positive integer", nil)
		return 0, false
	}
	return v, true
}

func pathInt(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	v, ok := pathInt64(w, r, name)
	return int(v), ok
}

// ---- places ----

func (h *Handlers) createPlace(w http.ResponseWriter, r *http.Request) {
	var in domain.PlaceInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.Places.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/places/"+p.Slug)
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) updatePlace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var in domain.PlaceInput
	if !decodeJSON(w, r, &in) {
		return
	}
	p, err := h.Places.Update(r.Context(), id, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) deletePlace(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	if err := h.Places.Delete(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) sortPlaces(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Order []int64 `json:"order"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Places.SetSortOrder(r.Context(), req.Order); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- photos ----

func (h *Handlers) uploadPhotos(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	files, err := h.readUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.Photos.Upload(r.Context(), id, files)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"uploaded": n})
}

// readUpload collects the "files" parts of a multipart body. Each part is read
// one byte past the limit so the validator can reject oversize files.
func (h *Handlers) readUpload(w http.ResponseWriter, r *http.Request) ([]domain.UploadFile, error) {
	per := h.MaxUploadBytes
	if per <= 0 {
		per = 20 << 20
	}
	maxFiles := h.MaxBatchFiles
	if maxFiles <= 0 {
		maxFiles = 50
	}
	r.Body = http.MaxBytesReader(w, r.Body, per*int64(maxFiles)+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, domain.Validation("upload too large", map[string]string{"files": fmt.Sprintf("batch exceeds %d bytes", mbe.Limit)})
		}
		return nil, domain.Validation("expected a multipart/form-data body", nil)
	}
	defer r.MultipartForm.RemoveAll()

	var out []domain.UploadFile
	for _, fh := range r.MultipartForm.File["files"] {
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(io.LimitReader(f, per+1))
		f.Close()
		if err != nil {
			return nil, err
		}
		out = append(out, domain.UploadFile{Name: fh.Filename, Data: data})
	}
	return out, nil
}

func (h *Handlers) deletePhoto(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	num, ok := pathInt(w, r, "num")
	if !ok {
		return
	}
	deleted, err := h.Photos.Delete(r.Context(), id, num)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !deleted {
		writeProblem(w, http.StatusNotFound, "Not Found", "photo not found", nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) reorderPhotos(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Order []int `json:"order"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Photos.Reorder(r.Context(), id, req.Order); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) setFavorite(w http.ResponseWriter, r *http.Request) {
	id, ok := pathInt64(w, r, "id")
	if !ok {
		return
	}
	num, ok := pathInt(w, r, "num")
	if !ok {
		return
	}
	var req struct {
		IsFavorite *bool `json:"is_favorite"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.IsFavorite == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "is_favorite is required", map[string]string{"is_favorite": "required"})
		return
	}
	if err := h.Photos.SetFavorite(r.Context(), id, num, *req.IsFavorite); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- two-factor ----

func (h *Handlers) enableTotp(w http.ResponseWriter, r *http.Request) {
	enr, err := h.Auth.EnableTotp(r.Context(), AdminFrom(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enr)
}

func (h *Handlers) verifyTotp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Auth.VerifyTotp(r.Context(), AdminFrom(r.Context()), req.Code); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) disableTotp(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.DisableTotp(r.Context(), AdminFrom(r.Context())); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- admin users ----

func (h *Handlers) listUsers(w http.ResponseWriter, r *http.Request) {
	us, err := h.Auth.ListUsers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": us})
}

func (h *Handlers) createUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.Auth.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handlers) deleteUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "username")
	if name == AdminFrom(r.Context()) {
		writeProblem(w, http.StatusConflict, "Conflict", "cannot delete the signed-in user", nil)
		return
	}
	if err := h.Auth.DeleteUser(r.Context(), name); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) changePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.Auth.ChangePassword(r.Context(), AdminFrom(r.Context()), req.Current, req.New); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
