package share

import (
	"encoding/binary"
	"fmt"
)

// Discovery wire constants.
const (
	// ProtocolVersion is the discovery beacon protocol version.
	ProtocolVersion = 1

	// ServiceName identifies this application's beacons on the wire.
	ServiceName = "gebo-notes"

	// maxBeaconField bounds each variable-length beacon field.
	maxBeaconField = 64
)

var beaconMagic = [4]byte{'G', 'E', 'B', 'O'}

// maxBeaconSize is the largest datagram a well-formed beacon can occupy.
const maxBeaconSize = 4 + 1 + 2 + 3*(1+maxBeaconField)

// Beacon is a discovery datagram advertising a receiver's presence and
// listening port. Constructed fresh per broadcast tick; never persisted.
type Beacon struct {
	InstanceID  string
	ServiceName string
	DisplayName string
	ListenPort  uint16
}

// Encode serializes the beacon into its fixed-layout datagram:
//
//	magic[4] | version u8 | listenPort u16 BE |
//	idLen u8 | id | svcLen u8 | serviceName | nameLen u8 | displayName
//
// Encoding only fails when a field exceeds the per-field bound.
func (b Beacon) Encode() ([]byte, error) {
	for _, f := range []string{b.InstanceID, b.ServiceName, b.DisplayName} {
		if len(f) > maxBeaconField {
			return nil, fmt.Errorf("beacon field too long (%d bytes)", len(f))
		}
	}

	out := make([]byte, 0, maxBeaconSize)
	out = append(out, beaconMagic[:]...)
	out = append(out, ProtocolVersion)
	out = binary.BigEndian.AppendUint16(out, b.ListenPort)
	for _, f := range []string{b.InstanceID, b.ServiceName, b.DisplayName} {
		out = append(out, byte(len(f)))
		out = append(out, f...)
	}
	return out, nil
}

// DecodeBeacon parses a discovery datagram. Any magic mismatch, unsupported
// version, truncation, or trailing garbage yields ErrMalformedBeacon;
// callers drop such datagrams silently.
func DecodeBeacon(data []byte) (Beacon, error) {
	var b Beacon
	if len(data) < 4+1+2 {
		return b, fmt.Errorf("%w: truncated header (%d bytes)", ErrMalformedBeacon, len(data))
	}
	if len(data) > maxBeaconSize {
		return b, fmt.Errorf("%w: oversized datagram (%d bytes)", ErrMalformedBeacon, len(data))
	}
	if [4]byte(data[:4]) != beaconMagic {
		return b, fmt.Errorf("%w: bad magic", ErrMalformedBeacon)
	}
	if data[4] != ProtocolVersion {
		return b, fmt.Errorf("%w: unsupported version %d", ErrMalformedBeacon, data[4])
	}
	b.ListenPort = binary.BigEndian.Uint16(data[5:7])

	rest := data[7:]
	fields := make([]string, 3)
	for i := range fields {
		if len(rest) < 1 {
			return Beacon{}, fmt.Errorf("%w: truncated field length", ErrMalformedBeacon)
		}
		n := int(rest[0])
		rest = rest[1:]
		if n > len(rest) {
			return Beacon{}, fmt.Errorf("%w: truncated field", ErrMalformedBeacon)
		}
		fields[i] = string(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Beacon{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedBeacon, len(rest))
	}

	b.InstanceID = fields[0]
	b.ServiceName = fields[1]
	b.DisplayName = fields[2]
	return b, nil
}
