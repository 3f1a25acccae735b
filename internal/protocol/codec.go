package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformed is returned by Decode when the input is shorter than
// HeaderSize. Malformed packets are the caller's problem to log and
// discard — they must never abort the pump or affect other streams.
var ErrMalformed = errors.New("protocol: malformed packet")

// Encode serializes id, typ and payload into a single contiguous byte slice
// of length HeaderSize+len(payload): 6 ASCII id bytes, one NUL, the packet
// type as a little-endian uint32, then the payload verbatim.
func Encode(id string, typ Type, payload []byte) []byte {
	if len(id) != IDLen {
		panic(fmt.Sprintf("protocol: id must be %d bytes, got %q", IDLen, id))
	}

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:IDLen], id)
	buf[IDLen] = 0x00
	binary.LittleEndian.PutUint32(buf[IDFieldLen:HeaderSize], uint32(typ))
	if len(payload) > 0 {
		copy(buf[HeaderSize:], payload)
	}
	return buf
}

// Decode parses a raw overlay message into a Packet. Any message shorter
// than HeaderSize is rejected as malformed; the NUL at offset 6 is not
// validated, only skipped, matching the legacy wire format.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrMalformed, len(data), HeaderSize)
	}

	pkt := &Packet{
		ID:   string(data[0:IDLen]),
		Type: Type(binary.LittleEndian.Uint32(data[IDFieldLen:HeaderSize])),
	}

	if len(data) > HeaderSize {
		pkt.Payload = make([]byte, len(data)-HeaderSize)
		copy(pkt.Payload, data[HeaderSize:])
	}

	return pkt, nil
}
