// Package share implements the LAN note-sharing subsystem: UDP peer
// discovery, the TCP offer/accept/stream transfer protocol, and the merge
// logic that reconciles a received note collection with the local vault.
package share

import (
	"sync"
	"time"

	"github.com/starford/gebo/internal/models"
)

// TransferKind identifies what an offer covers.
type TransferKind string

const (
	KindAllNotes   TransferKind = "all-notes"
	KindSingleNote TransferKind = "single-note"
)

// Role identifies which end of a transfer a session drives.
type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// State is the transfer session state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOfferSent
	StateOfferReceived
	StateAwaitingDecision
	StateAccepted
	StateStreaming
	StateFinalizing
	StateCompleted
	StateRejected
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:             "idle",
	StateConnecting:       "connecting",
	StateOfferSent:        "offer-sent",
	StateOfferReceived:    "offer-received",
	StateAwaitingDecision: "awaiting-decision",
	StateAccepted:         "accepted",
	StateStreaming:        "streaming",
	StateFinalizing:       "finalizing",
	StateCompleted:        "completed",
	StateRejected:         "rejected",
	StateFailed:           "failed",
}

func (s State) String() string { return stateNames[s] }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// ManifestEntry describes one note covered by an offer.
type ManifestEntry struct {
	NoteID    string    `json:"note_id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
	SizeBytes uint64    `json:"size_bytes"`
}

// Manifest is the ordered list of notes an offer covers. It is a snapshot
// taken at session start; local edits during an in-flight transfer are not
// reflected.
type Manifest struct {
	Kind    TransferKind    `json:"kind"`
	Entries []ManifestEntry `json:"entries"`
}

// TotalBytes sums the declared entry sizes.
func (m Manifest) TotalBytes() uint64 {
	var total uint64
	for _, e := range m.Entries {
		total += e.SizeBytes
	}
	return total
}

// Offer is the sender's declaration of what it intends to transfer. It is
// the unit of consent: created once at session start, immutable thereafter,
// and the receiver must accept or reject it before any payload bytes flow.
type Offer struct {
	OfferID    string   `json:"offer_id"`
	SenderName string   `json:"sender_name"`
	Manifest   Manifest `json:"manifest"`
	TotalBytes uint64   `json:"total_bytes"`
}

// NoteStore is the storage collaborator contract consumed by this package.
// The merge engine is the only code path that mutates durable state through
// it, and only after a session reaches finalization.
type NoteStore interface {
	ListSummaries() ([]models.NoteSummary, error)
	LoadBody(id string) ([]byte, error)
	Upsert(id, title string, body []byte, updatedAt time.Time) error
}

// Limits bound what a receiver is willing to accept from a peer.
type Limits struct {
	MaxNoteBytes  uint64
	MaxTotalBytes uint64
}

// DefaultLimits are applied when a limit is left zero.
var DefaultLimits = Limits{
	MaxNoteBytes:  16 << 20,  // 16 MiB per note
	MaxTotalBytes: 256 << 20, // 256 MiB per offer
}

// Session is the mutable run-time record of one transfer attempt. It is
// owned by the Coordinator, never persisted, and destroyed once a terminal
// state has been reported.
type Session struct {
	ID          string
	Role        Role
	PeerAddress string

	mu               sync.Mutex
	state            State
	offer            *Offer
	bytesTransferred uint64
	totalBytes       uint64
}

// NewSession creates an idle session.
func NewSession(id string, role Role, peerAddress string) *Session {
	return &Session{ID: id, Role: role, PeerAddress: peerAddress, state: StateIdle}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// setState transitions the session. Transitions out of a terminal state are
// ignored.
func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = st
}

// setOffer records the session's single offer and its byte total.
func (s *Session) setOffer(o *Offer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offer = o
	s.totalBytes = o.TotalBytes
}

// Offer returns the session's offer, or nil before one exists.
func (s *Session) Offer() *Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offer
}

// addBytes advances the transferred byte count. The count is monotonically
// non-decreasing and never exceeds the session total.
func (s *Session) addBytes(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesTransferred += n
	if s.bytesTransferred > s.totalBytes {
		s.bytesTransferred = s.totalBytes
	}
}

// Progress returns (transferred, total) bytes.
func (s *Session) Progress() (uint64, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesTransferred, s.totalBytes
}
