package tunnel

import (
	"context"
	"fmt"
	"net"

	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

// openEgress implements spec.md §4.4: on the first DATA for an unknown id
// (egress role, target port configured), dial the local service, register
// the new stream under the peer-supplied id, start its read goroutine, and
// write the payload that triggered the dial. A dial failure drops the
// inducing packet without inserting anything — the next DATA for the same id
// retries from scratch.
func (ep *Endpoint) openEgress(ctx context.Context, id string, payload []byte) {
	addr := fmt.Sprintf("127.0.0.1:%d", ep.targetPort)
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		logx.LogWarning("tunnel: [%s] egress dial to %s failed: %v", id, addr, err)
		return
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	if err := ep.table.Insert(id, conn); err != nil {
		// Only reachable as a programming error (spec.md §4.1): the Pump
		// only calls openEgress on the "unknown id" path.
		logx.LogError("tunnel: [%s] egress insert failed: %v", id, err)
		conn.Close()
		return
	}
	ep.addWriter(id, conn)
	logx.Stats.AddConn()
	logx.LogDebug("tunnel: [%s] egress connected to %s", id, addr)

	go ep.readLoop(id, conn)

	if len(payload) > 0 {
		if w, ok := ep.writerFor(id); ok {
			w.enqueue(id, payload, ep.writeWarn)
		}
	}
}

// readLoop is the per-stream read goroutine shared by both the ingress
// accept path and the egress lazy-dial path (spec.md §4.3 steps 4–5, §4.4
// step 3): read into a reused 128 KiB buffer, emit DATA for each read, and on
// EOF/error tear the stream down. It checks the table for "still present"
// immediately before sending, so bytes read in the narrow race between a
// peer-initiated DISCONNECT and this goroutine's next read are dropped
// rather than resurrecting a removed stream (spec.md §4.3 step 4).
func (ep *Endpoint) readLoop(id string, conn net.Conn) {
	ctx := context.Background()
	buf := make([]byte, ReadBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, ok := ep.table.Get(id); ok {
				_ = ep.tr.Send(ctx, id, protocol.TypeData, buf[:n])
			}
		}
		if err != nil {
			ep.teardown(ctx, id)
			return
		}
	}
}
