package share

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runPipeSession wires a sender and a receiver over net.Pipe and runs both
// to completion, returning their errors and the receiver's merge result.
func runPipeSession(t *testing.T, snd *sender, rcv *receiver) (error, error, MergeResult) {
	t.Helper()
	sendConn, recvConn := net.Pipe()
	defer sendConn.Close()
	defer recvConn.Close()

	sendErr := make(chan error, 1)
	go func() { sendErr <- snd.run(sendConn) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, recvRunErr := rcv.run(ctx, recvConn)

	select {
	case err := <-sendErr:
		return err, recvRunErr, result
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not finish")
		return nil, nil, MergeResult{}
	}
}

func newTestSender(store NoteStore, sess *Session) *sender {
	return &sender{
		sess:            sess,
		store:           store,
		notify:          NopNotifier{},
		logger:          testLogger(),
		decisionTimeout: 5 * time.Second,
		ackTimeout:      5 * time.Second,
		writeTimeout:    5 * time.Second,
	}
}

func newTestReceiver(store NoteStore, sess *Session, decide func(ctx context.Context, offerID string) (bool, error)) *receiver {
	return &receiver{
		sess:          sess,
		store:         store,
		notify:        NopNotifier{},
		logger:        testLogger(),
		limits:        DefaultLimits,
		offerTimeout:  5 * time.Second,
		idleTimeout:   5 * time.Second,
		awaitDecision: decide,
	}
}

func accept(context.Context, string) (bool, error) { return true, nil }
func reject(context.Context, string) (bool, error) { return false, nil }

func TestSessionSingleNoteAccepted(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Plan", UpdatedAt: now, Body: bytes.Repeat([]byte("x"), 120)}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "pipe")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "pipe")

	sndErr, rcvErr, result := runPipeSession(t,
		newTestSender(src, sendSess),
		newTestReceiver(dst, recvSess, accept))

	if sndErr != nil {
		t.Fatalf("sender: %v", sndErr)
	}
	if rcvErr != nil {
		t.Fatalf("receiver: %v", rcvErr)
	}
	if result.Added != 1 {
		t.Errorf("merge result = %+v", result)
	}
	got, ok := dst.notes["n1"]
	if !ok || len(got.Body) != 120 || got.Title != "Plan" || !got.UpdatedAt.Equal(now) {
		t.Errorf("received note = %+v", got)
	}
	if sendSess.State() != StateCompleted || recvSess.State() != StateCompleted {
		t.Errorf("states = %s / %s", sendSess.State(), recvSess.State())
	}
	sent, total := sendSess.Progress()
	if sent != 120 || total != 120 {
		t.Errorf("sender progress = %d/%d", sent, total)
	}
}

func TestSessionAllNotesMultiChunk(t *testing.T) {
	now := time.Now().UTC()
	src := newMemStore()
	src.notes["big"] = StagedNote{NoteID: "big", Title: "Big", UpdatedAt: now, Body: bytes.Repeat([]byte("b"), ChunkSize+4096)}
	src.notes["empty"] = StagedNote{NoteID: "empty", Title: "Empty", UpdatedAt: now, Body: nil}
	src.notes["small"] = StagedNote{NoteID: "small", Title: "Small", UpdatedAt: now, Body: []byte("tiny")}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindAllNotes, "")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "pipe")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "pipe")

	sndErr, rcvErr, result := runPipeSession(t,
		newTestSender(src, sendSess),
		newTestReceiver(dst, recvSess, accept))

	if sndErr != nil || rcvErr != nil {
		t.Fatalf("sender: %v, receiver: %v", sndErr, rcvErr)
	}
	if result.Added != 3 {
		t.Errorf("merge result = %+v", result)
	}
	if len(dst.notes["big"].Body) != ChunkSize+4096 {
		t.Errorf("big note truncated: %d bytes", len(dst.notes["big"].Body))
	}
	if len(dst.notes["empty"].Body) != 0 {
		t.Error("empty note gained bytes")
	}
	sent, total := recvSess.Progress()
	if sent != total || total != manifest.TotalBytes() {
		t.Errorf("receiver progress = %d/%d, want %d", sent, total, manifest.TotalBytes())
	}
}

func TestSessionRejected(t *testing.T) {
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Secret", UpdatedAt: time.Now(), Body: []byte("payload")}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "peer")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "peer")

	sndErr, rcvErr, _ := runPipeSession(t,
		newTestSender(src, sendSess),
		newTestReceiver(dst, recvSess, reject))

	if !errors.Is(sndErr, ErrOfferRejected) {
		t.Fatalf("sender err = %v, want ErrOfferRejected", sndErr)
	}
	if !strings.Contains(sndErr.Error(), "rejected") {
		t.Errorf("sender err %q should mention rejection", sndErr)
	}
	if !errors.Is(rcvErr, ErrOfferRejected) {
		t.Fatalf("receiver err = %v, want ErrOfferRejected", rcvErr)
	}
	if len(dst.notes) != 0 {
		t.Error("rejected transfer wrote notes")
	}
	if sendSess.State() != StateRejected || recvSess.State() != StateRejected {
		t.Errorf("states = %s / %s", sendSess.State(), recvSess.State())
	}
	sent, _ := sendSess.Progress()
	if sent != 0 {
		t.Errorf("rejected session transferred %d bytes", sent)
	}
}

func TestSessionSizeLimitAutoRejects(t *testing.T) {
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Huge", UpdatedAt: time.Now(), Body: bytes.Repeat([]byte("h"), 1024)}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "peer")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "peer")

	rcv := newTestReceiver(dst, recvSess, func(context.Context, string) (bool, error) {
		t.Error("decision gate reached despite size limit")
		return false, nil
	})
	rcv.limits = Limits{MaxNoteBytes: 100, MaxTotalBytes: 100}

	sndErr, rcvErr, _ := runPipeSession(t, newTestSender(src, sendSess), rcv)

	if !errors.Is(rcvErr, ErrSizeLimit) {
		t.Fatalf("receiver err = %v, want ErrSizeLimit", rcvErr)
	}
	if !errors.Is(sndErr, ErrOfferRejected) {
		t.Fatalf("sender err = %v, want ErrOfferRejected", sndErr)
	}
	if len(dst.notes) != 0 {
		t.Error("over-limit transfer wrote notes")
	}
}

func TestSessionFailsWhenNoteChangesMidTransfer(t *testing.T) {
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Note", UpdatedAt: time.Now(), Body: []byte("original body")}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	// Mutate the note after the manifest snapshot; the sizes now diverge.
	n := src.notes["n1"]
	n.Body = []byte("shorter")
	src.notes["n1"] = n

	sendSess := NewSession("s1", RoleSender, "peer")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "peer")

	sndErr, rcvErr, _ := runPipeSession(t,
		newTestSender(src, sendSess),
		newTestReceiver(dst, recvSess, accept))

	if sndErr == nil || !strings.Contains(sndErr.Error(), "changed during transfer") {
		t.Fatalf("sender err = %v", sndErr)
	}
	if rcvErr == nil {
		t.Fatal("receiver succeeded despite aborted stream")
	}
	if sendSess.State() != StateFailed || recvSess.State() != StateFailed {
		t.Errorf("states = %s / %s", sendSess.State(), recvSess.State())
	}
	if len(dst.notes) != 0 {
		t.Error("aborted transfer wrote notes")
	}
}

func TestSessionDecisionTimeout(t *testing.T) {
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Note", UpdatedAt: time.Now(), Body: []byte("body")}
	dst := newMemStore()

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "peer")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})
	recvSess := NewSession("r1", RoleReceiver, "peer")

	snd := newTestSender(src, sendSess)
	snd.decisionTimeout = 50 * time.Millisecond
	rcv := newTestReceiver(dst, recvSess, func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})

	sendConn, recvConn := net.Pipe()
	defer sendConn.Close()
	defer recvConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		_, _ = rcv.run(ctx, recvConn)
	}()

	if err := snd.run(sendConn); err == nil {
		t.Fatal("sender succeeded without a decision")
	}
	if sendSess.State() != StateFailed {
		t.Errorf("sender state = %s", sendSess.State())
	}
}

func TestSessionStalledReaderFailsSender(t *testing.T) {
	src := newMemStore()
	src.notes["n1"] = StagedNote{NoteID: "n1", Title: "Note", UpdatedAt: time.Now(), Body: bytes.Repeat([]byte("y"), 4096)}

	manifest, err := buildManifest(src, KindSingleNote, "n1")
	if err != nil {
		t.Fatalf("buildManifest: %v", err)
	}
	sendSess := NewSession("s1", RoleSender, "peer")
	sendSess.setOffer(&Offer{OfferID: "o1", SenderName: "alice", Manifest: manifest, TotalBytes: manifest.TotalBytes()})

	snd := newTestSender(src, sendSess)
	snd.writeTimeout = 100 * time.Millisecond

	sendConn, recvConn := net.Pipe()
	defer sendConn.Close()
	defer recvConn.Close()

	// A peer that accepts the offer and then never reads another byte.
	go func() {
		if _, err := ExpectFrame(recvConn, FrameOffer); err != nil {
			return
		}
		_ = WriteJSONFrame(recvConn, FrameDecision, DecisionPayload{Accepted: true})
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- snd.run(sendConn) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("sender succeeded against a stalled reader")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sender did not give up on the stalled reader")
	}
	if sendSess.State() != StateFailed {
		t.Errorf("sender state = %s", sendSess.State())
	}
}
