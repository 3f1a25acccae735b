package tunnel

import (
	"context"

	"github.com/quietbridge/p2ptunnel/internal/liveness"
	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

// dispatch is the Tunnel Pump's single routing function (spec.md §4.5),
// wired as the transport's inbound packet callback. It is invoked once per
// decoded overlay message — pion's DataChannel delivers OnMessage callbacks
// one at a time per channel, which is what makes this the single consumer
// spec.md requires for per-stream ordering.
func (ep *Endpoint) dispatch(pkt *protocol.Packet, err error) {
	if err != nil {
		ep.malformedWarn.Warnf("tunnel: malformed packet discarded: %v", err)
		return
	}

	ctx := context.Background()

	switch pkt.Type {
	case protocol.TypeData:
		ep.handleData(ctx, pkt)

	case protocol.TypeDisconnect:
		// No reply: the peer already knows the stream is gone, and a reply
		// DISCONNECT would just bounce forever. teardown's own Send call is
		// never reached here because we call table.Remove/removeWriter
		// directly — the peer-initiated half doesn't need to echo anything
		// back, but the writer goroutine still needs to be stopped.
		if ep.table.Remove(pkt.ID) {
			ep.removeWriter(pkt.ID)
			logx.Stats.RemoveConn()
		}

	case protocol.TypePing:
		liveness.Respond(ctx, ep.tr, pkt)

	case protocol.TypePong:
		ep.pinger.ObservePong(pkt.Payload)

	default:
		ep.malformedWarn.Warnf("tunnel: unknown packet type %d for id %s", pkt.Type, pkt.ID)
	}
}

// handleData implements spec.md §4.5's DATA dispatch: hand the payload to
// the existing stream's writer, lazily open one on the egress role for an
// unknown id, or log-and-drop otherwise. Handing off to the writer (rather
// than writing to the socket here) keeps this single dispatch callback from
// ever blocking on a slow or stalled destination socket — spec.md §4.5's
// "asynchronously" requirement.
func (ep *Endpoint) handleData(ctx context.Context, pkt *protocol.Packet) {
	if _, ok := ep.table.Get(pkt.ID); ok {
		if len(pkt.Payload) == 0 {
			return // zero-length DATA is legal but a no-op (spec.md §8)
		}
		if w, ok := ep.writerFor(pkt.ID); ok {
			w.enqueue(pkt.ID, pkt.Payload, ep.writeWarn)
		}
		return
	}

	if ep.role == RoleEgress && ep.targetPort > 0 {
		ep.openEgress(ctx, pkt.ID, pkt.Payload)
		return
	}

	ep.dataWarn.Warnf("tunnel: no stream for id %s", pkt.ID)
}
