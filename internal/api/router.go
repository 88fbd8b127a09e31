package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/gebo/internal/notestore"
	"github.com/starford/gebo/internal/share"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *notestore.Service, coord *share.Coordinator, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc, coord)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Notes CRUD.
	r.Get("/notes", h.ListNotes)
	r.Post("/notes", h.CreateNote)
	r.Get("/notes/{id}", h.GetNote)
	r.Put("/notes/{id}", h.UpdateNote)
	r.Delete("/notes/{id}", h.DeleteNote)

	// Search.
	r.Get("/search", h.Search)

	// LAN sharing.
	r.Post("/peers/discover", h.DiscoverPeers)
	r.Post("/share/send", h.StartSend)
	r.Post("/share/receive", h.StartReceive)
	r.Post("/share/decide", h.Decide)
	r.Get("/share/sessions", h.Sessions)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
