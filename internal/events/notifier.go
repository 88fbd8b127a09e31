package events

import (
	"sync"
	"time"

	"github.com/starford/gebo/internal/share"
)

// progressMinInterval throttles streaming progress events. Phase changes
// and final totals always go through.
const progressMinInterval = 200 * time.Millisecond

// ShareNotifier forwards sharing session lifecycle events to the SSE
// broker. All methods are non-blocking; the broker drops rather than
// stalls when a client falls behind.
type ShareNotifier struct {
	broker *Broker

	mu        sync.Mutex
	lastPhase share.Phase
	lastEmit  time.Time
}

// NewShareNotifier creates a notifier publishing to broker.
func NewShareNotifier(broker *Broker) *ShareNotifier {
	return &ShareNotifier{broker: broker}
}

var _ share.Notifier = (*ShareNotifier)(nil)

func (n *ShareNotifier) SendStatus(phase share.Phase, sent, total uint64) {
	if !n.shouldEmit(phase, sent, total) {
		return
	}
	n.broker.Publish(Event{Type: "share.send.status", Data: map[string]interface{}{
		"phase":       string(phase),
		"sent_bytes":  sent,
		"total_bytes": total,
	}})
}

func (n *ShareNotifier) SendDone(ok bool, message string) {
	n.resetThrottle()
	n.broker.Publish(Event{Type: "share.send.done", Data: map[string]interface{}{
		"ok":      ok,
		"message": message,
	}})
}

func (n *ShareNotifier) ReceiveOffer(offerID, peerName string, kind share.TransferKind, totalBytes uint64, previewName string) {
	n.broker.Publish(Event{Type: "share.receive.offer", Data: map[string]interface{}{
		"offer_id":     offerID,
		"peer_name":    peerName,
		"kind":         string(kind),
		"total_bytes":  totalBytes,
		"preview_name": previewName,
	}})
}

func (n *ShareNotifier) ReceiveStatus(phase share.Phase) {
	n.broker.Publish(Event{Type: "share.receive.status", Data: map[string]interface{}{
		"phase": string(phase),
	}})
}

func (n *ShareNotifier) ReceiveDone(ok bool, message string) {
	n.resetThrottle()
	n.broker.Publish(Event{Type: "share.receive.done", Data: map[string]interface{}{
		"ok":      ok,
		"message": message,
	}})
}

// shouldEmit applies the progress throttle. A chunked transfer reports
// after every chunk; clients only need a few updates per second.
func (n *ShareNotifier) shouldEmit(phase share.Phase, sent, total uint64) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if phase != n.lastPhase || (total > 0 && sent == total) || now.Sub(n.lastEmit) >= progressMinInterval {
		n.lastPhase = phase
		n.lastEmit = now
		return true
	}
	return false
}

func (n *ShareNotifier) resetThrottle() {
	n.mu.Lock()
	n.lastPhase = ""
	n.lastEmit = time.Time{}
	n.mu.Unlock()
}
