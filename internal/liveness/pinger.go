// Package liveness implements PING/PONG round-trip timing over the tunnel
// — spec.md §4.6. It is id-agnostic: both peers reserve a fixed 6-char id
// ("__ping") for these packets rather than the teacher's bare 4-byte "PING"
// literal, so internal/protocol's fixed 7-byte id field never has to
// special-case a short id (spec.md §9's open question, resolved as option
// (b)).
package liveness

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

// DefaultInterval is how often Pinger sends a PING when Start is used.
const DefaultInterval = 5 * time.Second

// sender is the minimal outbound capability Pinger needs from a transport —
// narrow on purpose so tests can supply a stub without pulling in WebRTC.
type sender interface {
	Send(ctx context.Context, id string, typ protocol.Type, payload []byte) error
}

// Pinger sends periodic PING probes and tracks the most recent RTT sample
// computed from PONG replies. A single Pinger is shared by the whole
// endpoint; Endpoint.dispatch feeds it PONG payloads as they arrive, and
// answers incoming PINGs with the package-level Respond.
//
// The wire payload is an opaque 8-byte sequence token, not a wall-clock
// timestamp — spec.md §4.6 and original_source's use of std::steady_clock
// both call for a monotonic RTT measurement, and a wall-clock value
// round-tripped through the peer would expose any clock adjustment on this
// side as a bogus RTT. Instead, the send time is kept locally as a
// time.Time (preserving Go's internal monotonic reading) and looked up by
// token when the matching PONG comes back, so RTT is always computed with
// time.Since against a value that never left the process.
type Pinger struct {
	tr sender

	rttNanos atomic.Int64 // time.Duration, stored as int64 nanoseconds

	mu      sync.Mutex
	seq     uint64
	pending map[uint64]time.Time
}

// NewPinger returns a Pinger that sends probes over tr.
func NewPinger(tr sender) *Pinger {
	return &Pinger{tr: tr, pending: make(map[uint64]time.Time)}
}

// Start launches the periodic PING sender. It stops when ctx is cancelled.
func (p *Pinger) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.ping(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ping sends one PING carrying an 8-byte sequence token and records the send
// time locally, keyed by that token.
func (p *Pinger) ping(ctx context.Context) {
	p.mu.Lock()
	p.seq++
	token := p.seq
	p.pending[token] = time.Now()
	p.mu.Unlock()

	_ = p.tr.Send(ctx, protocol.ReservedPingID, protocol.TypePing, encodeToken(token))
}

// ObservePong records an RTT sample from a PONG packet's echoed payload.
// Malformed (non-8-byte) payloads, and tokens this Pinger never sent (e.g.
// left over from before a process restart), are ignored — a PONG can never
// itself be malformed enough to take down the tunnel (spec.md §7: missing or
// garbled PONGs only leave the RTT stale).
func (p *Pinger) ObservePong(payload []byte) {
	if len(payload) != 8 {
		return
	}
	token := decodeToken(payload)

	p.mu.Lock()
	sent, ok := p.pending[token]
	if ok {
		delete(p.pending, token)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	rtt := time.Since(sent)
	if rtt < 0 {
		rtt = 0
	}
	p.rttNanos.Store(int64(rtt))
}

// RTT returns the most recently observed round-trip time. Zero until the
// first PONG arrives.
func (p *Pinger) RTT() time.Duration {
	return time.Duration(p.rttNanos.Load())
}

// Respond replies to an inbound PING by echoing its payload verbatim as a
// PONG — spec.md §4.5's id-agnostic PING/PONG handling.
func Respond(ctx context.Context, tr sender, pkt *protocol.Packet) {
	_ = tr.Send(ctx, pkt.ID, protocol.TypePong, pkt.Payload)
}

func encodeToken(token uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, token)
	return buf
}

func decodeToken(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}
