package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"
)

// Well-known ports and timing defaults.
const (
	DefaultDiscoveryPort  = 51515
	DefaultTransferPort   = 51516
	DefaultBeaconInterval = time.Second

	// expiryFactor: a peer not refreshed within this many beacon intervals
	// is considered gone.
	expiryFactor = 3
)

// PeerRecord is a read-only snapshot of a discovered peer. Records are
// created and refreshed from received beacons and expire when not
// refreshed within the discovery window.
type PeerRecord struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Address     net.IP    `json:"address"`
	Port        uint16    `json:"port"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// Discovery broadcasts and collects beacons. Announce and Scan are
// independent duties and may run simultaneously.
type Discovery struct {
	instanceID  string
	displayName string
	port        int
	interval    time.Duration
	logger      *slog.Logger
}

// NewDiscovery creates a discovery service identified by instanceID.
func NewDiscovery(instanceID, displayName string, port int, interval time.Duration, logger *slog.Logger) *Discovery {
	if port <= 0 {
		port = DefaultDiscoveryPort
	}
	if interval <= 0 {
		interval = DefaultBeaconInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		instanceID:  instanceID,
		displayName: displayName,
		port:        port,
		interval:    interval,
		logger:      logger,
	}
}

// Announce broadcasts this instance's beacon on every active IPv4 interface
// until ctx is cancelled, using both each interface's directed broadcast
// address and the global broadcast address. No reply is expected; discovery
// is unidirectional advertisement.
func (d *Discovery) Announce(ctx context.Context, listenPort uint16) error {
	payload, err := Beacon{
		InstanceID:  d.instanceID,
		ServiceName: ServiceName,
		DisplayName: d.displayName,
		ListenPort:  listenPort,
	}.Encode()
	if err != nil {
		return fmt.Errorf("discovery: encode beacon: %w", err)
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return fmt.Errorf("discovery: open announce socket: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("discovery: announcing",
		slog.Int("discovery_port", d.port),
		slog.Int("listen_port", int(listenPort)))

	for {
		sent := 0
		for _, ip := range broadcastAddrs() {
			addr := &net.UDPAddr{IP: ip, Port: d.port}
			if _, err := conn.WriteTo(payload, addr); err != nil {
				d.logger.Debug("discovery: broadcast failed",
					slog.String("addr", addr.String()),
					slog.String("error", err.Error()))
				continue
			}
			sent++
		}
		if sent == 0 {
			d.logger.Warn("discovery: no broadcast address reachable")
		}

		select {
		case <-ctx.Done():
			d.logger.Info("discovery: announce stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// scanEntry tracks one peer during a scan, keyed by sender address.
type scanEntry struct {
	rec  PeerRecord
	rank int // first-seen order
}

// Scan collects beacons for the given duration and returns the live peer
// list in first-seen order. It is a one-shot bounded operation: this
// goroutine exclusively owns the peer set, refreshing records on repeat
// beacons and evicting any not refreshed within the expiry window.
// Self-beacons and foreign services are filtered out. Malformed datagrams
// are dropped and logged, never fatal.
func (d *Discovery) Scan(ctx context.Context, wait time.Duration) ([]PeerRecord, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", d.port))
	if err != nil {
		return nil, fmt.Errorf("discovery: open scan socket: %w", err)
	}
	defer conn.Close()

	expiry := expiryFactor * d.interval
	deadline := time.Now().Add(wait)
	peers := make(map[string]*scanEntry)
	nextRank := 0
	buf := make([]byte, 2048)

	for {
		select {
		case <-ctx.Done():
			return snapshotPeers(peers, expiry), nil
		default:
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		slice := 250 * time.Millisecond
		if remaining < slice {
			slice = remaining
		}
		_ = conn.SetReadDeadline(time.Now().Add(slice))

		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("discovery: read: %w", err)
		}

		udpAddr, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}

		b, err := DecodeBeacon(buf[:n])
		if err != nil {
			d.logger.Debug("discovery: dropped datagram",
				slog.String("from", from.String()),
				slog.String("error", err.Error()))
			continue
		}
		if b.ServiceName != ServiceName || b.InstanceID == d.instanceID {
			continue
		}

		key := udpAddr.IP.String()
		now := time.Now()
		if e, seen := peers[key]; seen {
			// A restarted instance keeps its address but gets a fresh id.
			e.rec.ID = b.InstanceID
			e.rec.DisplayName = b.DisplayName
			e.rec.Port = b.ListenPort
			e.rec.LastSeenAt = now
			continue
		}
		peers[key] = &scanEntry{
			rec: PeerRecord{
				ID:          b.InstanceID,
				DisplayName: b.DisplayName,
				Address:     udpAddr.IP,
				Port:        b.ListenPort,
				LastSeenAt:  now,
			},
			rank: nextRank,
		}
		nextRank++
		d.logger.Debug("discovery: peer found",
			slog.String("peer", b.DisplayName),
			slog.String("addr", udpAddr.IP.String()))
	}

	return snapshotPeers(peers, expiry), nil
}

// snapshotPeers drops expired entries and returns the rest in first-seen order.
func snapshotPeers(peers map[string]*scanEntry, expiry time.Duration) []PeerRecord {
	cutoff := time.Now().Add(-expiry)
	live := make([]*scanEntry, 0, len(peers))
	for _, e := range peers {
		if e.rec.LastSeenAt.Before(cutoff) {
			continue
		}
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].rank < live[j].rank })

	out := make([]PeerRecord, len(live))
	for i, e := range live {
		out[i] = e.rec
	}
	return out
}

// broadcastAddrs returns the directed broadcast address of every active
// IPv4 interface plus the global broadcast address. Container bridge
// interfaces are skipped.
func broadcastAddrs() []net.IP {
	out := []net.IP{net.IPv4bcast}
	seen := map[string]bool{net.IPv4bcast.String(): true}

	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		if strings.HasPrefix(iface.Name, "br-") ||
			strings.HasPrefix(iface.Name, "veth") ||
			strings.HasPrefix(iface.Name, "docker") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || len(ipnet.Mask) != 4 {
				continue
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip4[i] | ^ipnet.Mask[i]
			}
			if !seen[bcast.String()] {
				seen[bcast.String()] = true
				out = append(out, bcast)
			}
		}
	}
	return out
}
