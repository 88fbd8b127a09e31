package api

import (
	"github.com/starford/gebo/internal/models"
	"github.com/starford/gebo/internal/share"
)

// CreateNoteRequest is the request body for creating a note. ID and Title
// are optional; missing values are derived server-side.
type CreateNoteRequest struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// UpdateNoteRequest is the request body for updating a note.
type UpdateNoteRequest struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body"`
}

// NoteListResponse wraps note listings.
type NoteListResponse struct {
	Notes []models.NoteSummary `json:"notes"`
	Total int                  `json:"total"`
}

// DiscoverRequest is the request body for a peer scan.
type DiscoverRequest struct {
	WaitMS int `json:"wait_ms,omitempty"`
}

// PeerListResponse wraps discovered peers.
type PeerListResponse struct {
	Peers []share.PeerRecord `json:"peers"`
}

// SendRequest is the request body for starting an outbound transfer.
type SendRequest struct {
	Kind    string `json:"kind"`
	NoteID  string `json:"note_id,omitempty"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

// ReceiveRequest is the request body for opening a receive window.
type ReceiveRequest struct {
	WindowSecs int `json:"window_secs,omitempty"`
}

// DecideRequest is the request body for resolving a pending offer.
type DecideRequest struct {
	OfferID string `json:"offer_id"`
	Accept  bool   `json:"accept"`
}

// SessionListResponse wraps active session snapshots.
type SessionListResponse struct {
	Sessions []share.SessionStatus `json:"sessions"`
}
