package share

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

// buildManifest snapshots the local collection for an offer. The snapshot
// is authoritative for the whole session; later local edits are not
// reflected.
func buildManifest(store NoteStore, kind TransferKind, noteID string) (Manifest, error) {
	summaries, err := store.ListSummaries()
	if err != nil {
		return Manifest{}, fmt.Errorf("build manifest: %w", err)
	}

	m := Manifest{Kind: kind}
	switch kind {
	case KindAllNotes:
		for _, s := range summaries {
			m.Entries = append(m.Entries, ManifestEntry{
				NoteID:    s.ID,
				Title:     s.Title,
				UpdatedAt: s.UpdatedAt,
				SizeBytes: uint64(s.SizeBytes),
			})
		}
		if len(m.Entries) == 0 {
			return Manifest{}, fmt.Errorf("build manifest: no notes to send")
		}
	case KindSingleNote:
		for _, s := range summaries {
			if s.ID != noteID {
				continue
			}
			m.Entries = []ManifestEntry{{
				NoteID:    s.ID,
				Title:     s.Title,
				UpdatedAt: s.UpdatedAt,
				SizeBytes: uint64(s.SizeBytes),
			}}
			break
		}
		if len(m.Entries) != 1 {
			return Manifest{}, fmt.Errorf("build manifest: note %q not found", noteID)
		}
	default:
		return Manifest{}, fmt.Errorf("build manifest: unknown kind %q", kind)
	}
	return m, nil
}

// sender drives the outbound half of one transfer session over an
// established connection.
type sender struct {
	sess            *Session
	store           NoteStore
	notify          Notifier
	logger          *slog.Logger
	decisionTimeout time.Duration
	ackTimeout      time.Duration
	writeTimeout    time.Duration
}

// run sends the offer, awaits the peer's decision, streams note bodies,
// and finalizes. The session offer must already be set. On return the
// session is in a terminal state.
func (s *sender) run(conn net.Conn) error {
	offer := s.sess.Offer()
	total := offer.TotalBytes

	s.sess.setState(StateOfferSent)
	setWriteDeadline(conn, time.Now().Add(s.writeTimeout))
	if err := WriteJSONFrame(conn, FrameOffer, offer); err != nil {
		return s.fail(fmt.Errorf("send offer: %w", err))
	}

	s.sess.setState(StateAwaitingDecision)
	s.notify.SendStatus(PhaseAwaitingAccept, 0, total)

	setReadDeadline(conn, time.Now().Add(s.decisionTimeout))
	f, err := ExpectFrame(conn, FrameDecision)
	if err != nil {
		return s.fail(fmt.Errorf("await decision: %w", err))
	}
	var dec DecisionPayload
	if err := DecodePayload(f, &dec); err != nil {
		return s.fail(err)
	}
	if !dec.Accepted {
		s.sess.setState(StateRejected)
		reason := dec.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w by %s: %s", ErrOfferRejected, s.sess.PeerAddress, reason)
	}
	setReadDeadline(conn, time.Time{})

	s.sess.setState(StateStreaming)
	for _, e := range offer.Manifest.Entries {
		body, err := s.store.LoadBody(e.NoteID)
		if err != nil {
			s.abort(conn, fmt.Sprintf("note %s unavailable", e.NoteID))
			return s.fail(fmt.Errorf("load note %s: %w", e.NoteID, err))
		}
		// The manifest snapshot is authoritative; a divergent on-disk size
		// means the note changed mid-transfer and the session fails.
		if uint64(len(body)) != e.SizeBytes {
			s.abort(conn, fmt.Sprintf("note %s changed during transfer", e.NoteID))
			return s.fail(fmt.Errorf("note %s changed during transfer: manifest %d bytes, disk %d", e.NoteID, e.SizeBytes, len(body)))
		}

		// Each write carries a fresh deadline so a peer that accepts and
		// then stops reading cannot pin the sender slot indefinitely.
		setWriteDeadline(conn, time.Now().Add(s.writeTimeout))
		if err := WriteJSONFrame(conn, FrameChunkHeader, ChunkHeaderPayload{NoteID: e.NoteID, Size: e.SizeBytes}); err != nil {
			return s.fail(err)
		}
		for off := 0; off < len(body); off += ChunkSize {
			end := off + ChunkSize
			if end > len(body) {
				end = len(body)
			}
			setWriteDeadline(conn, time.Now().Add(s.writeTimeout))
			if err := WriteFrame(conn, FrameChunkData, body[off:end]); err != nil {
				return s.fail(err)
			}
			s.sess.addBytes(uint64(end - off))
			sent, _ := s.sess.Progress()
			s.notify.SendStatus(PhaseSending, sent, total)
		}
		setWriteDeadline(conn, time.Now().Add(s.writeTimeout))
		if err := WriteJSONFrame(conn, FrameNoteDone, NoteDonePayload{NoteID: e.NoteID}); err != nil {
			return s.fail(err)
		}
	}

	s.sess.setState(StateFinalizing)
	setWriteDeadline(conn, time.Now().Add(s.writeTimeout))
	if err := WriteFrame(conn, FrameComplete, nil); err != nil {
		return s.fail(err)
	}
	setReadDeadline(conn, time.Now().Add(s.ackTimeout))
	if _, err := ExpectFrame(conn, FrameComplete); err != nil {
		return s.fail(fmt.Errorf("await completion ack: %w", err))
	}

	s.sess.setState(StateCompleted)
	return nil
}

// abort makes a best-effort attempt to tell the peer why the transfer died.
func (s *sender) abort(conn net.Conn, msg string) {
	if err := WriteJSONFrame(conn, FrameError, ErrorPayload{Message: msg}); err != nil {
		s.logger.Debug("send abort frame failed", slog.String("error", err.Error()))
	}
}

func (s *sender) fail(err error) error {
	s.sess.setState(StateFailed)
	return err
}
