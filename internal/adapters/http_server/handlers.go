package httpserver

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gallery/internal/domain"
)

type PlaceAPI interface {
	GetAll(ctx context.Context) ([]domain.Place, error)
	GetBySlug(ctx context.Context, slug string) (domain.PlaceView, error)
	Create(ctx context.Context, in domain.PlaceInput) (domain.Place, error)
	Update(ctx context.Context, id int64, in domain.PlaceInput) (domain.Place, error)
	Delete(ctx context.Context, id int64) error
	SetSortOrder(ctx context.Context, ids []int64) error
}

type PhotoAPI interface {
	Upload(ctx context.Context, placeID int64, files []domain.UploadFile) (int, error)
	Delete(ctx context.Context, placeID int64, photoNum int) (bool, error)
	Reorder(ctx context.Context, placeID int64, newOrder []int) error
	SetFavorite(ctx context.Context, placeID int64, photoNum int, isFavorite bool) error
}

type AuthAPI interface {
	Authenticate(ctx context.Context, username, password, totpCode string) (domain.AdminUser, error)
	EnableTotp(ctx context.Context, username string) (domain.TotpEnrollment, error)
	VerifyTotp(ctx context.Context, username, code string) error
	DisableTotp(ctx context.Context, username string) error
	CreateUser(ctx context.Context, username, password string) (domain.AdminUser, error)
	ChangePassword(ctx context.Context, username, current, next string) error
	DeleteUser(ctx context.Context, username string) error
	ListUsers(ctx context.Context) ([]domain.AdminUser, error)
}

type Handlers struct {
	Places  PlaceAPI
	Photos  PhotoAPI
	Auth    AuthAPI
	Tokens  *Tokens
	Limiter RateLimiter // login throttle; nil disables it

	PhotoRoot      string // served under /photos; empty disables it
	MaxUploadBytes int64  // per file
	MaxBatchFiles  int
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })

	s.mux.Get("/v1/places", h.listPlaces)
	s.mux.Get("/v1/places/{slug}", h.getPlace)
	if h.PhotoRoot != "" {
		s.mux.Handle("/photos/*", http.StripPrefix("/photos", photoFiles(h.PhotoRoot)))
	}

	s.mux.With(RateLimit(h.Limiter)).Post("/v1/auth/login", h.login)

	s.mux.Route("/v1/admin", func(r chi.Router) {
		r.Use(RequireAdmin(h.Tokens))

		r.Post("/places", h.createPlace)
		r.Put("/places/order", h.sortPlaces)
		r.Put("/places/{id}", h.updatePlace)
		r.Delete("/places/{id}", h.deletePlace)

		r.Post("/places/{id}/photos", h.uploadPhotos)
		r.Put("/places/{id}/photos/order", h.reorderPhotos)
		r.Delete("/places/{id}/photos/{num}", h.deletePhoto)
		r.Put("/places/{id}/photos/{num}/favorite", h.setFavorite)

		r.Post("/totp", h.enableTotp)
		r.Post("/totp/verify", h.verifyTotp)
		r.Delete("/totp", h.disableTotp)

		r.Get("/users", h.listUsers)
		r.Post("/users", h.createUser)
		r.Delete("/users/{username}", h.deleteUser)
		r.Put("/password", h.changePassword)
	})
}

// ---- public ----

func (h *Handlers) listPlaces(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Places.GetAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCached(w, r, map[string]any{"items": ps})
}

func (h *Handlers) getPlace(w http.ResponseWriter, r *http.Request) {
	pv, err := h.Places.GetBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeCached(w, r, pv)
}

// photoFiles serves originals and variants. Dot paths (.trash, temp uploads)
// and directory listings are hidden.
func photoFiles(root string) http.Handler {
	fs := http.FileServer(http.Dir(root))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := path.Clean("/" + r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/") || strings.Contains(p, "/.") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=86400")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		fs.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TotpCode string `json:"totp_code"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	u, err := h.Auth.Authenticate(r.Context(), req.Username, req.Password, req.TotpCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tok, exp, err := h.Tokens.Issue(u.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: tok, ExpiresAt: exp})
}
