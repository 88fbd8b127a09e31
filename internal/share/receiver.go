package share

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"
)

// receiver drives the inbound half of one transfer session over an accepted
// connection. awaitDecision blocks until the operator accepts or rejects
// the pending offer; the coordinator wires it to its decision gate.
type receiver struct {
	sess          *Session
	store         NoteStore
	notify        Notifier
	logger        *slog.Logger
	limits        Limits
	offerTimeout  time.Duration
	idleTimeout   time.Duration
	awaitDecision func(ctx context.Context, offerID string) (bool, error)
}

// run reads the offer, gates on the operator decision, stages the payload
// stream, and merges it into the local store. The context bounds the whole
// session; its expiry counts as a rejection before acceptance and a failure
// after. On return the session is in a terminal state.
func (r *receiver) run(ctx context.Context, conn net.Conn) (MergeResult, error) {
	setReadDeadline(conn, time.Now().Add(r.offerTimeout))
	f, err := ExpectFrame(conn, FrameOffer)
	if err != nil {
		return MergeResult{}, r.fail(fmt.Errorf("read offer: %w", err))
	}
	var offer Offer
	if err := DecodePayload(f, &offer); err != nil {
		return MergeResult{}, r.fail(err)
	}
	if err := validateOffer(offer); err != nil {
		r.abort(conn, "malformed offer")
		return MergeResult{}, r.fail(err)
	}
	r.sess.setOffer(&offer)
	r.sess.setState(StateOfferReceived)

	// Size limits are enforced against the declared manifest before any
	// payload bytes are read.
	if reason := overLimit(offer, r.limits); reason != "" {
		r.decline(conn, reason)
		r.sess.setState(StateRejected)
		return MergeResult{}, fmt.Errorf("%w: %s", ErrSizeLimit, reason)
	}

	preview := ""
	if len(offer.Manifest.Entries) > 0 {
		preview = offer.Manifest.Entries[0].Title
	}
	r.notify.ReceiveOffer(offer.OfferID, offer.SenderName, offer.Manifest.Kind, offer.TotalBytes, preview)
	r.sess.setState(StateAwaitingDecision)

	accepted, err := r.awaitDecision(ctx, offer.OfferID)
	if err != nil {
		r.decline(conn, "receive window closed")
		r.sess.setState(StateRejected)
		return MergeResult{}, fmt.Errorf("%w: %v", ErrOfferRejected, err)
	}
	if !accepted {
		r.decline(conn, "declined by user")
		r.sess.setState(StateRejected)
		return MergeResult{}, fmt.Errorf("%w: declined by user", ErrOfferRejected)
	}
	if err := WriteJSONFrame(conn, FrameDecision, DecisionPayload{Accepted: true}); err != nil {
		return MergeResult{}, r.fail(fmt.Errorf("send decision: %w", err))
	}
	r.sess.setState(StateAccepted)

	staging, err := NewStaging()
	if err != nil {
		r.abort(conn, "receiver storage unavailable")
		return MergeResult{}, r.fail(err)
	}
	defer staging.Close()

	entryByID := make(map[string]ManifestEntry, len(offer.Manifest.Entries))
	for _, e := range offer.Manifest.Entries {
		entryByID[e.NoteID] = e
	}

	r.sess.setState(StateStreaming)
	r.notify.ReceiveStatus(PhaseReceiving)

stream:
	for {
		if err := ctx.Err(); err != nil {
			r.abort(conn, "receive window closed")
			return MergeResult{}, r.fail(fmt.Errorf("receive window closed mid-stream: %w", err))
		}
		setReadDeadline(conn, time.Now().Add(r.idleTimeout))
		f, err := ReadFrame(conn)
		if err != nil {
			return MergeResult{}, r.fail(fmt.Errorf("read stream: %w", err))
		}
		switch f.Type {
		case FrameChunkHeader:
			var hdr ChunkHeaderPayload
			if err := DecodePayload(f, &hdr); err != nil {
				return MergeResult{}, r.fail(err)
			}
			entry, ok := entryByID[hdr.NoteID]
			if !ok {
				r.abort(conn, "note not in manifest")
				return MergeResult{}, r.fail(fmt.Errorf("%w: chunk header for %q outside manifest", ErrProtocol, hdr.NoteID))
			}
			if hdr.Size != entry.SizeBytes {
				r.abort(conn, "size diverges from manifest")
				return MergeResult{}, r.fail(fmt.Errorf("%w: note %s declared %d bytes, manifest says %d", ErrProtocol, hdr.NoteID, hdr.Size, entry.SizeBytes))
			}
			if err := staging.Begin(hdr.NoteID, hdr.Size); err != nil {
				return MergeResult{}, r.fail(err)
			}
		case FrameChunkData:
			if err := staging.Append(f.Payload); err != nil {
				return MergeResult{}, r.fail(err)
			}
			r.sess.addBytes(uint64(len(f.Payload)))
		case FrameNoteDone:
			var done NoteDonePayload
			if err := DecodePayload(f, &done); err != nil {
				return MergeResult{}, r.fail(err)
			}
			if err := staging.Finish(done.NoteID); err != nil {
				return MergeResult{}, r.fail(err)
			}
		case FrameComplete:
			break stream
		case FrameError:
			var perr ErrorPayload
			if err := DecodePayload(f, &perr); err != nil {
				return MergeResult{}, r.fail(err)
			}
			return MergeResult{}, r.fail(fmt.Errorf("peer aborted: %s", perr.Message))
		default:
			return MergeResult{}, r.fail(fmt.Errorf("%w: unexpected frame %s mid-stream", ErrProtocol, f.Type))
		}
	}

	staged := staging.NoteIDs()
	if len(staged) != len(offer.Manifest.Entries) {
		r.abort(conn, "stream incomplete")
		return MergeResult{}, r.fail(fmt.Errorf("%w: stream ended with %d of %d notes", ErrProtocol, len(staged), len(offer.Manifest.Entries)))
	}

	r.sess.setState(StateFinalizing)
	if err := WriteFrame(conn, FrameComplete, nil); err != nil {
		r.logger.Debug("send completion ack failed", slog.String("error", err.Error()))
	}

	r.notify.ReceiveStatus(PhaseMerging)
	notes := make([]StagedNote, 0, len(staged))
	for _, id := range staged {
		body, err := staging.ReadBody(id)
		if err != nil {
			return MergeResult{}, r.fail(err)
		}
		entry := entryByID[id]
		notes = append(notes, StagedNote{
			NoteID:    id,
			Title:     entry.Title,
			UpdatedAt: entry.UpdatedAt,
			Body:      body,
		})
	}
	result, err := Merge(r.store, notes)
	if err != nil {
		return MergeResult{}, r.fail(err)
	}

	r.sess.setState(StateCompleted)
	return result, nil
}

// decline makes a best-effort attempt to send a rejecting decision.
func (r *receiver) decline(conn net.Conn, reason string) {
	if err := WriteJSONFrame(conn, FrameDecision, DecisionPayload{Accepted: false, Reason: reason}); err != nil {
		r.logger.Debug("send decline failed", slog.String("error", err.Error()))
	}
}

// abort makes a best-effort attempt to tell the peer why the session died.
func (r *receiver) abort(conn net.Conn, msg string) {
	if err := WriteJSONFrame(conn, FrameError, ErrorPayload{Message: msg}); err != nil {
		r.logger.Debug("send abort frame failed", slog.String("error", err.Error()))
	}
}

func (r *receiver) fail(err error) error {
	r.sess.setState(StateFailed)
	return err
}

func validateOffer(o Offer) error {
	if o.OfferID == "" {
		return fmt.Errorf("%w: offer without id", ErrProtocol)
	}
	if len(o.Manifest.Entries) == 0 {
		return fmt.Errorf("%w: offer with empty manifest", ErrProtocol)
	}
	if o.Manifest.Kind == KindSingleNote && len(o.Manifest.Entries) != 1 {
		return fmt.Errorf("%w: single-note offer with %d entries", ErrProtocol, len(o.Manifest.Entries))
	}
	if o.TotalBytes != o.Manifest.TotalBytes() {
		return fmt.Errorf("%w: offer total %d does not match manifest sum %d", ErrProtocol, o.TotalBytes, o.Manifest.TotalBytes())
	}
	seen := make(map[string]struct{}, len(o.Manifest.Entries))
	for _, e := range o.Manifest.Entries {
		if e.NoteID == "" {
			return fmt.Errorf("%w: manifest entry without note id", ErrProtocol)
		}
		if _, dup := seen[e.NoteID]; dup {
			return fmt.Errorf("%w: duplicate manifest entry %q", ErrProtocol, e.NoteID)
		}
		seen[e.NoteID] = struct{}{}
	}
	return nil
}

// overLimit returns a human-readable reason when the declared manifest
// exceeds the receiver's limits, or "" when it fits.
func overLimit(o Offer, l Limits) string {
	if l.MaxNoteBytes == 0 {
		l.MaxNoteBytes = DefaultLimits.MaxNoteBytes
	}
	if l.MaxTotalBytes == 0 {
		l.MaxTotalBytes = DefaultLimits.MaxTotalBytes
	}
	for _, e := range o.Manifest.Entries {
		if e.SizeBytes > l.MaxNoteBytes {
			return fmt.Sprintf("note %s exceeds per-note limit (%d > %d bytes)", e.NoteID, e.SizeBytes, l.MaxNoteBytes)
		}
	}
	if o.TotalBytes > l.MaxTotalBytes {
		return fmt.Sprintf("offer exceeds total limit (%d > %d bytes)", o.TotalBytes, l.MaxTotalBytes)
	}
	return ""
}
