package share

// Phase is the vocabulary the coordinator reports to the notification sink.
type Phase string

const (
	PhaseSearching      Phase = "searching"
	PhaseConnecting     Phase = "connecting"
	PhaseSending        Phase = "sending"
	PhaseAwaitingAccept Phase = "awaiting-accept"
	PhaseReceiving      Phase = "receiving"
	PhaseMerging        Phase = "merging"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
	PhaseRejected       Phase = "rejected"
)

// Notifier is the session lifecycle event sink consumed by the UI layer.
// All methods must be non-blocking; implementations drop rather than stall.
type Notifier interface {
	SendStatus(phase Phase, sent, total uint64)
	SendDone(ok bool, message string)
	ReceiveOffer(offerID, peerName string, kind TransferKind, totalBytes uint64, previewName string)
	ReceiveStatus(phase Phase)
	ReceiveDone(ok bool, message string)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) SendStatus(Phase, uint64, uint64)                             {}
func (NopNotifier) SendDone(bool, string)                                        {}
func (NopNotifier) ReceiveOffer(string, string, TransferKind, uint64, string)    {}
func (NopNotifier) ReceiveStatus(Phase)                                          {}
func (NopNotifier) ReceiveDone(bool, string)                                     {}
