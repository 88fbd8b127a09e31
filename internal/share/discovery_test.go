package share

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

// freeUDPPort grabs an ephemeral UDP port and releases it for the test to
// rebind. A small race is possible but acceptable in tests.
func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func sendDatagram(t *testing.T, port int, payload []byte) {
	t.Helper()
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial scan port: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("send datagram: %v", err)
	}
}

func TestScanHearsAndFiltersBeacons(t *testing.T) {
	port := freeUDPPort(t)
	d := NewDiscovery("me", "Me", port, 50*time.Millisecond, testLogger())

	peerBeacon, err := Beacon{InstanceID: "peer-1", ServiceName: ServiceName, DisplayName: "Alice", ListenPort: 51516}.Encode()
	if err != nil {
		t.Fatalf("encode beacon: %v", err)
	}
	selfBeacon, err := Beacon{InstanceID: "me", ServiceName: ServiceName, DisplayName: "Me", ListenPort: 51516}.Encode()
	if err != nil {
		t.Fatalf("encode beacon: %v", err)
	}
	foreignBeacon, err := Beacon{InstanceID: "other", ServiceName: "other-service", DisplayName: "Bob", ListenPort: 9}.Encode()
	if err != nil {
		t.Fatalf("encode beacon: %v", err)
	}

	done := make(chan struct{})
	var peers []PeerRecord
	var scanErr error
	go func() {
		defer close(done)
		peers, scanErr = d.Scan(context.Background(), 600*time.Millisecond)
	}()

	// Keep sending until the scan returns so it cannot miss the startup
	// window.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if scanErr != nil {
				t.Fatalf("Scan: %v", scanErr)
			}
			if len(peers) != 1 {
				t.Fatalf("peers = %+v, want exactly Alice", peers)
			}
			p := peers[0]
			if p.ID != "peer-1" || p.DisplayName != "Alice" || p.Port != 51516 {
				t.Errorf("peer = %+v", p)
			}
			if !p.Address.IsLoopback() {
				t.Errorf("peer address = %v, want loopback", p.Address)
			}
			return
		case <-ticker.C:
			sendDatagram(t, port, peerBeacon)
			sendDatagram(t, port, selfBeacon)
			sendDatagram(t, port, foreignBeacon)
			sendDatagram(t, port, []byte("not a beacon"))
		}
	}
}

func TestScanEmptyNetwork(t *testing.T) {
	d := NewDiscovery("me", "Me", freeUDPPort(t), 50*time.Millisecond, testLogger())
	peers, err := d.Scan(context.Background(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(peers) != 0 {
		t.Errorf("peers = %+v, want none", peers)
	}
}

func TestScanRefreshAdoptsNewInstanceID(t *testing.T) {
	port := freeUDPPort(t)
	d := NewDiscovery("me", "Me", port, 50*time.Millisecond, testLogger())

	oldBeacon, err := Beacon{InstanceID: "gen-1", ServiceName: ServiceName, DisplayName: "Alice", ListenPort: 51516}.Encode()
	if err != nil {
		t.Fatalf("encode beacon: %v", err)
	}
	newBeacon, err := Beacon{InstanceID: "gen-2", ServiceName: ServiceName, DisplayName: "Alice", ListenPort: 51516}.Encode()
	if err != nil {
		t.Fatalf("encode beacon: %v", err)
	}

	done := make(chan struct{})
	var peers []PeerRecord
	var scanErr error
	go func() {
		defer close(done)
		peers, scanErr = d.Scan(context.Background(), 600*time.Millisecond)
	}()

	// The peer restarts mid-scan: same address, fresh instance id.
	start := time.Now()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if scanErr != nil {
				t.Fatalf("Scan: %v", scanErr)
			}
			if len(peers) != 1 {
				t.Fatalf("peers = %+v, want one record", peers)
			}
			if peers[0].ID != "gen-2" {
				t.Errorf("peer id = %q, want the restarted instance's id", peers[0].ID)
			}
			return
		case <-ticker.C:
			if time.Since(start) < 200*time.Millisecond {
				sendDatagram(t, port, oldBeacon)
			} else {
				sendDatagram(t, port, newBeacon)
			}
		}
	}
}

func TestScanStopsOnContextCancel(t *testing.T) {
	d := NewDiscovery("me", "Me", freeUDPPort(t), 50*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if _, err := d.Scan(ctx, 5*time.Second); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Scan ran %v after cancel", elapsed)
	}
}

func TestSnapshotPeersEvictsStale(t *testing.T) {
	now := time.Now()
	peers := map[string]*scanEntry{
		"10.0.0.2": {rec: PeerRecord{ID: "fresh", LastSeenAt: now}, rank: 1},
		"10.0.0.3": {rec: PeerRecord{ID: "stale", LastSeenAt: now.Add(-10 * time.Second)}, rank: 2},
		"10.0.0.4": {rec: PeerRecord{ID: "first", LastSeenAt: now.Add(-time.Second)}, rank: 0},
	}

	out := snapshotPeers(peers, 3*time.Second)
	if len(out) != 2 {
		t.Fatalf("live peers = %+v", out)
	}
	if out[0].ID != "first" || out[1].ID != "fresh" {
		t.Errorf("order = %s, %s, want first-seen order", out[0].ID, out[1].ID)
	}
}

func TestBroadcastAddrsIncludesGlobal(t *testing.T) {
	addrs := broadcastAddrs()
	if len(addrs) == 0 {
		t.Fatal("no broadcast addresses")
	}
	if !addrs[0].Equal(net.IPv4bcast) {
		t.Errorf("addrs[0] = %v, want 255.255.255.255", addrs[0])
	}
}
