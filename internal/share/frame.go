package share

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// FrameType tags a transfer protocol message.
type FrameType byte

const (
	FrameOffer       FrameType = 1
	FrameDecision    FrameType = 2
	FrameChunkHeader FrameType = 3
	FrameChunkData   FrameType = 4
	FrameNoteDone    FrameType = 5
	FrameComplete    FrameType = 6
	FrameError       FrameType = 7
)

var frameNames = map[FrameType]string{
	FrameOffer:       "offer",
	FrameDecision:    "decision",
	FrameChunkHeader: "chunk-header",
	FrameChunkData:   "chunk-data",
	FrameNoteDone:    "note-done",
	FrameComplete:    "complete",
	FrameError:       "error",
}

func (t FrameType) String() string {
	if n, ok := frameNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", byte(t))
}

const (
	// MaxFrameSize bounds a frame payload. A peer declaring a larger frame
	// is treated as misbehaving and the connection is aborted.
	MaxFrameSize = 1 << 20

	// ChunkSize is how much note body is carried per chunk-data frame,
	// bounding memory use on both ends.
	ChunkSize = 64 << 10
)

// Frame is one decoded message envelope.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// WriteFrame writes a length-prefixed frame: u32 BE length (type byte plus
// payload), then the type byte, then the payload.
func WriteFrame(w io.Writer, t FrameType, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("write %s frame: %w", t, ErrFrameTooLarge)
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr, uint32(1+len(payload)))
	hdr[4] = byte(t)
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("write %s frame: %w", t, err)
		}
	}
	return nil
}

// ReadFrame reads one frame. A declared length of zero or beyond
// MaxFrameSize fails immediately; the caller must abort the connection.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("%w: zero-length frame", ErrProtocol)
	}
	if n > MaxFrameSize+1 {
		return Frame{}, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}
	return Frame{Type: FrameType(body[0]), Payload: body[1:]}, nil
}

// DecisionPayload answers an offer.
type DecisionPayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// ChunkHeaderPayload opens one note's byte stream. Title and timestamp for
// the note come from the offer manifest, which is authoritative.
type ChunkHeaderPayload struct {
	NoteID string `json:"note_id"`
	Size   uint64 `json:"size"`
}

// NoteDonePayload closes one note's byte stream.
type NoteDonePayload struct {
	NoteID string `json:"note_id"`
}

// ErrorPayload aborts a transfer with a reason.
type ErrorPayload struct {
	Message string `json:"message"`
}

// WriteJSONFrame marshals v and writes it as a frame of the given type.
func WriteJSONFrame(w io.Writer, t FrameType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", t, err)
	}
	return WriteFrame(w, t, payload)
}

// DecodePayload unmarshals a frame payload, mapping JSON errors to
// protocol violations.
func DecodePayload(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrProtocol, f.Type, err)
	}
	return nil
}

// ExpectFrame reads one frame and verifies its type. An error frame from
// the peer is surfaced with its message; anything else unexpected is a
// protocol violation.
func ExpectFrame(r io.Reader, want FrameType) (Frame, error) {
	f, err := ReadFrame(r)
	if err != nil {
		return Frame{}, err
	}
	if f.Type == FrameError && want != FrameError {
		var ep ErrorPayload
		if err := DecodePayload(f, &ep); err != nil {
			return Frame{}, err
		}
		return Frame{}, fmt.Errorf("peer reported error: %s", ep.Message)
	}
	if f.Type != want {
		return Frame{}, fmt.Errorf("%w: expected %s frame, got %s", ErrProtocol, want, f.Type)
	}
	return f, nil
}

// readDeadline is a narrow view of net.Conn used to bound blocking reads.
type readDeadline interface {
	SetReadDeadline(t time.Time) error
}

// setReadDeadline applies a deadline when the reader supports one.
func setReadDeadline(r io.Reader, t time.Time) {
	if c, ok := r.(readDeadline); ok {
		_ = c.SetReadDeadline(t)
	}
}

// writeDeadline is a narrow view of net.Conn used to bound blocking writes.
type writeDeadline interface {
	SetWriteDeadline(t time.Time) error
}

// setWriteDeadline applies a deadline when the writer supports one.
func setWriteDeadline(w io.Writer, t time.Time) {
	if c, ok := w.(writeDeadline); ok {
		_ = c.SetWriteDeadline(t)
	}
}
