package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/starford/gebo/internal/apperr"
	"github.com/starford/gebo/internal/notestore"
	"github.com/starford/gebo/internal/share"
)

// Handler holds API route handlers.
type Handler struct {
	svc   *notestore.Service
	coord *share.Coordinator
}

// NewHandler creates a new Handler.
func NewHandler(svc *notestore.Service, coord *share.Coordinator) *Handler {
	return &Handler{svc: svc, coord: coord}
}

// ListNotes handles GET /api/notes.
func (h *Handler) ListNotes(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.ListSummaries()
	if err != nil {
		slog.Error("list notes failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, NoteListResponse{Notes: items, Total: len(items)})
}

// GetNote handles GET /api/notes/{id}.
func (h *Handler) GetNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	note, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("get note failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// CreateNote handles POST /api/notes.
func (h *Handler) CreateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	var req CreateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Body == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body is required"))
		return
	}
	note, err := h.svc.Create(r.Context(), req.ID, req.Title, req.Body)
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyExists) {
			writeJSON(w, http.StatusConflict, errorBody("note already exists"))
		} else {
			slog.Error("create note failed", slog.String("id", req.ID), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

// UpdateNote handles PUT /api/notes/{id}.
func (h *Handler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 16<<20)
	id := chi.URLParam(r, "id")
	var req UpdateNoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Body == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("body is required"))
		return
	}
	note, err := h.svc.Update(r.Context(), id, req.Title, req.Body)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("not found"))
		} else {
			slog.Error("update note failed", slog.String("id", id), slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		}
		return
	}
	writeJSON(w, http.StatusOK, note)
}

// DeleteNote handles DELETE /api/notes/{id}.
func (h *Handler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		slog.Error("delete note failed", slog.String("id", id), slog.String("error", err.Error()))
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Search handles GET /api/search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		slog.Error("search failed", slog.String("query", q), slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
	})
}

// DiscoverPeers handles POST /api/peers/discover. The scan is synchronous
// and bounded by the requested wait.
func (h *Handler) DiscoverPeers(w http.ResponseWriter, r *http.Request) {
	var req DiscoverRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	wait := time.Duration(req.WaitMS) * time.Millisecond
	if wait < 0 || wait > 30*time.Second {
		writeJSON(w, http.StatusBadRequest, errorBody("wait_ms must be between 0 and 30000"))
		return
	}
	peers, err := h.coord.DiscoverPeers(r.Context(), wait)
	if err != nil {
		slog.Error("peer discovery failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	if peers == nil {
		peers = []share.PeerRecord{}
	}
	writeJSON(w, http.StatusOK, PeerListResponse{Peers: peers})
}

// StartSend handles POST /api/share/send. The transfer runs in the
// background; progress is reported over SSE.
func (h *Handler) StartSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.Address == "" || req.Port <= 0 || req.Port > 65535 {
		writeJSON(w, http.StatusBadRequest, errorBody("address and port are required"))
		return
	}

	// The session outlives this request; net/http cancels r.Context() as
	// soon as the handler returns, which would abort the async dial.
	ctx := context.WithoutCancel(r.Context())

	var err error
	switch share.TransferKind(req.Kind) {
	case share.KindAllNotes:
		err = h.coord.SendAllNotesTo(ctx, req.Address, req.Port)
	case share.KindSingleNote:
		if req.NoteID == "" {
			writeJSON(w, http.StatusBadRequest, errorBody("note_id is required for single-note transfers"))
			return
		}
		err = h.coord.SendNoteTo(ctx, req.NoteID, req.Address, req.Port)
	default:
		writeJSON(w, http.StatusBadRequest, errorBody("kind must be all-notes or single-note"))
		return
	}
	if err != nil {
		if errors.Is(err, share.ErrSessionBusy) {
			writeJSON(w, http.StatusConflict, errorBody("a send session is already active"))
			return
		}
		slog.Error("start send failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// StartReceive handles POST /api/share/receive.
func (h *Handler) StartReceive(w http.ResponseWriter, r *http.Request) {
	var req ReceiveRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	if err := h.coord.StartReceive(time.Duration(req.WindowSecs) * time.Second); err != nil {
		if errors.Is(err, share.ErrSessionBusy) {
			writeJSON(w, http.StatusConflict, errorBody("a receive session is already active"))
			return
		}
		slog.Error("start receive failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "listening"})
}

// Decide handles POST /api/share/decide.
func (h *Handler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if req.OfferID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("offer_id is required"))
		return
	}
	if err := h.coord.Decide(req.OfferID, req.Accept); err != nil {
		if errors.Is(err, share.ErrUnknownOffer) {
			writeJSON(w, http.StatusNotFound, errorBody("no such pending offer"))
			return
		}
		slog.Error("decide failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Sessions handles GET /api/share/sessions.
func (h *Handler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.coord.Sessions()
	if sessions == nil {
		sessions = []share.SessionStatus{}
	}
	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: sessions})
}
