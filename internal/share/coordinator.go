package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultDecisionTimeout bounds how long a sender waits for the peer
	// to accept or reject an offer.
	DefaultDecisionTimeout = 90 * time.Second

	// DefaultReceiveWindow bounds how long a receiver announces itself and
	// waits for an inbound transfer.
	DefaultReceiveWindow = 120 * time.Second

	defaultDialTimeout  = 10 * time.Second
	defaultAckTimeout   = 15 * time.Second
	defaultOfferTimeout = 30 * time.Second
	defaultIdleTimeout  = 30 * time.Second
)

// Config carries the coordinator's tunables. Zero values fall back to the
// package defaults.
type Config struct {
	DisplayName     string
	DiscoveryPort   int
	TransferPort    int
	BeaconInterval  time.Duration
	DecisionTimeout time.Duration
	ReceiveWindow   time.Duration
	DialTimeout     time.Duration
	Limits          Limits
}

func (c Config) withDefaults() Config {
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = DefaultDiscoveryPort
	}
	if c.TransferPort == 0 {
		c.TransferPort = DefaultTransferPort
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.DecisionTimeout == 0 {
		c.DecisionTimeout = DefaultDecisionTimeout
	}
	if c.ReceiveWindow == 0 {
		c.ReceiveWindow = DefaultReceiveWindow
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.Limits.MaxNoteBytes == 0 {
		c.Limits.MaxNoteBytes = DefaultLimits.MaxNoteBytes
	}
	if c.Limits.MaxTotalBytes == 0 {
		c.Limits.MaxTotalBytes = DefaultLimits.MaxTotalBytes
	}
	return c
}

// SessionStatus is a point-in-time snapshot of an active session.
type SessionStatus struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	State       string `json:"state"`
	PeerAddress string `json:"peer_address,omitempty"`
	SentBytes   uint64 `json:"sent_bytes"`
	TotalBytes  uint64 `json:"total_bytes"`
}

// Coordinator owns all sharing sessions. It enforces the one-sender,
// one-receiver concurrency model, gates inbound offers on operator
// decisions, and translates session outcomes into notifications.
type Coordinator struct {
	cfg    Config
	store  NoteStore
	notify Notifier
	disc   *Discovery
	logger *slog.Logger

	mu           sync.Mutex
	sending      *Session
	receiving    *Session
	pendingOffer string
	decisionCh   chan bool
}

// NewCoordinator creates a coordinator around a note store and a discovery
// instance. A nil notifier discards events.
func NewCoordinator(cfg Config, store NoteStore, disc *Discovery, notify Notifier, logger *slog.Logger) *Coordinator {
	if notify == nil {
		notify = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg.withDefaults(),
		store:  store,
		notify: notify,
		disc:   disc,
		logger: logger,
	}
}

// DiscoverPeers listens for beacons for the given wait duration and returns
// the peers heard, ranked by first appearance. A zero wait uses three beacon
// intervals.
func (c *Coordinator) DiscoverPeers(ctx context.Context, wait time.Duration) ([]PeerRecord, error) {
	if wait == 0 {
		wait = 3 * c.cfg.BeaconInterval
	}
	c.notify.SendStatus(PhaseSearching, 0, 0)
	return c.disc.Scan(ctx, wait)
}

// SendAllNotesTo starts an asynchronous session offering the whole local
// collection to the peer at address:port. Returns ErrSessionBusy when a
// send session is already active.
func (c *Coordinator) SendAllNotesTo(ctx context.Context, address string, port int) error {
	return c.startSend(ctx, KindAllNotes, "", address, port)
}

// SendNoteTo starts an asynchronous session offering a single note.
func (c *Coordinator) SendNoteTo(ctx context.Context, noteID, address string, port int) error {
	return c.startSend(ctx, KindSingleNote, noteID, address, port)
}

func (c *Coordinator) startSend(ctx context.Context, kind TransferKind, noteID, address string, port int) error {
	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))

	c.mu.Lock()
	if c.sending != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: a send session is already active", ErrSessionBusy)
	}
	sess := NewSession(uuid.NewString(), RoleSender, target)
	c.sending = sess
	c.mu.Unlock()

	go c.runSend(ctx, sess, kind, noteID, target)
	return nil
}

func (c *Coordinator) runSend(ctx context.Context, sess *Session, kind TransferKind, noteID, target string) {
	err := func() error {
		manifest, err := buildManifest(c.store, kind, noteID)
		if err != nil {
			sess.setState(StateFailed)
			return err
		}
		offer := Offer{
			OfferID:    uuid.NewString(),
			SenderName: c.cfg.DisplayName,
			Manifest:   manifest,
			TotalBytes: manifest.TotalBytes(),
		}
		sess.setOffer(&offer)

		sess.setState(StateConnecting)
		c.notify.SendStatus(PhaseConnecting, 0, offer.TotalBytes)
		dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			sess.setState(StateFailed)
			return fmt.Errorf("connect to %s: %w", target, err)
		}
		defer conn.Close()

		snd := &sender{
			sess:            sess,
			store:           c.store,
			notify:          c.notify,
			logger:          c.logger,
			decisionTimeout: c.cfg.DecisionTimeout,
			ackTimeout:      defaultAckTimeout,
			writeTimeout:    defaultIdleTimeout,
		}
		return snd.run(conn)
	}()

	// Release the slot before reporting so a caller reacting to the done
	// notification can start the next session immediately.
	c.mu.Lock()
	c.sending = nil
	c.mu.Unlock()

	c.finishSend(sess, err)
}

func (c *Coordinator) finishSend(sess *Session, err error) {
	sent, total := sess.Progress()
	switch {
	case err == nil:
		n := len(sess.Offer().Manifest.Entries)
		c.notify.SendStatus(PhaseDone, sent, total)
		c.notify.SendDone(true, fmt.Sprintf("sent %d notes (%d bytes) to %s", n, sent, sess.PeerAddress))
	case errors.Is(err, ErrOfferRejected):
		c.logger.Info("offer rejected", slog.String("session", sess.ID), slog.String("peer", sess.PeerAddress))
		c.notify.SendStatus(PhaseRejected, sent, total)
		c.notify.SendDone(false, err.Error())
	default:
		c.logger.Warn("send session failed",
			slog.String("session", sess.ID),
			slog.String("peer", sess.PeerAddress),
			slog.String("error", err.Error()))
		c.notify.SendStatus(PhaseFailed, sent, total)
		c.notify.SendDone(false, err.Error())
	}
}

// StartReceive opens the transfer port, announces this instance over UDP
// for the duration of the window, and handles at most one inbound session.
// A non-positive window uses the configured default. Returns ErrSessionBusy
// when a receive session is already active.
func (c *Coordinator) StartReceive(window time.Duration) error {
	if window <= 0 {
		window = c.cfg.ReceiveWindow
	}

	c.mu.Lock()
	if c.receiving != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: a receive session is already active", ErrSessionBusy)
	}
	sess := NewSession(uuid.NewString(), RoleReceiver, "")
	c.receiving = sess
	c.mu.Unlock()

	go c.runReceive(sess, window)
	return nil
}

func (c *Coordinator) runReceive(sess *Session, window time.Duration) {
	result, err := c.receiveOnce(sess, window)

	// Release the slot before reporting so a caller reacting to the done
	// notification can open the next window immediately.
	c.mu.Lock()
	c.receiving = nil
	c.pendingOffer = ""
	c.decisionCh = nil
	c.mu.Unlock()

	switch {
	case err == nil:
		c.notify.ReceiveStatus(PhaseDone)
		c.notify.ReceiveDone(true, result.String())
	case errors.Is(err, errReceiveTimeout):
		c.logger.Info("receive window expired", slog.String("session", sess.ID))
		c.notify.ReceiveDone(false, err.Error())
	case errors.Is(err, ErrOfferRejected), errors.Is(err, ErrSizeLimit):
		c.logger.Info("inbound offer rejected", slog.String("session", sess.ID), slog.String("peer", sess.PeerAddress))
		c.notify.ReceiveStatus(PhaseRejected)
		c.notify.ReceiveDone(false, err.Error())
	default:
		c.logger.Warn("receive session failed",
			slog.String("session", sess.ID),
			slog.String("peer", sess.PeerAddress),
			slog.String("error", err.Error()))
		c.notify.ReceiveStatus(PhaseFailed)
		c.notify.ReceiveDone(false, err.Error())
	}
}

var errReceiveTimeout = errors.New("timed out waiting for a sender")

// receiveOnce opens the transfer port, announces until the window closes,
// and drives at most one inbound session.
func (c *Coordinator) receiveOnce(sess *Session, window time.Duration) (MergeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.TransferPort))
	if err != nil {
		sess.setState(StateFailed)
		return MergeResult{}, fmt.Errorf("listen on transfer port: %w", err)
	}
	defer ln.Close()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		if err := c.disc.Announce(ctx, uint16(c.cfg.TransferPort)); err != nil {
			c.logger.Warn("beacon announce stopped", slog.String("error", err.Error()))
		}
	}()

	c.notify.ReceiveStatus(PhaseSearching)
	conn, err := ln.Accept()
	if err != nil {
		sess.setState(StateFailed)
		if ctx.Err() != nil {
			return MergeResult{}, errReceiveTimeout
		}
		return MergeResult{}, fmt.Errorf("accept: %w", err)
	}
	defer conn.Close()
	sess.PeerAddress = conn.RemoteAddr().String()

	rcv := &receiver{
		sess:          sess,
		store:         c.store,
		notify:        c.notify,
		logger:        c.logger,
		limits:        c.cfg.Limits,
		offerTimeout:  defaultOfferTimeout,
		idleTimeout:   defaultIdleTimeout,
		awaitDecision: c.awaitDecision,
	}
	return rcv.run(ctx, conn)
}

// awaitDecision arms the decision gate for offerID and blocks until Decide
// resolves it or the context expires.
func (c *Coordinator) awaitDecision(ctx context.Context, offerID string) (bool, error) {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.pendingOffer = offerID
	c.decisionCh = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pendingOffer = ""
		c.decisionCh = nil
		c.mu.Unlock()
	}()

	select {
	case accepted := <-ch:
		return accepted, nil
	case <-ctx.Done():
		return false, errors.New("no decision before window closed")
	}
}

// Decide resolves the pending inbound offer. Returns ErrUnknownOffer when
// offerID does not match the offer currently awaiting a decision.
func (c *Coordinator) Decide(offerID string, accept bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pendingOffer == "" || c.pendingOffer != offerID {
		return fmt.Errorf("%w: %q", ErrUnknownOffer, offerID)
	}
	c.pendingOffer = ""
	select {
	case c.decisionCh <- accept:
	default:
	}
	c.decisionCh = nil
	return nil
}

// Sessions returns snapshots of the active sessions, sender first.
func (c *Coordinator) Sessions() []SessionStatus {
	c.mu.Lock()
	active := []*Session{c.sending, c.receiving}
	c.mu.Unlock()

	var out []SessionStatus
	for _, s := range active {
		if s == nil {
			continue
		}
		sent, total := s.Progress()
		out = append(out, SessionStatus{
			ID:          s.ID,
			Role:        s.Role,
			State:       s.State().String(),
			PeerAddress: s.PeerAddress,
			SentBytes:   sent,
			TotalBytes:  total,
		})
	}
	return out
}
