package tunnel

import (
	"context"
	"net"

	"github.com/quietbridge/p2ptunnel/internal/logx"
)

// writeQueueSize bounds how many pending DATA payloads a stalled destination
// socket can accumulate before further writes are dropped, grounded on the
// teacher's adapter.go inboxBufferSize (64) and its identical non-blocking
// select/default overflow policy in deliver().
const writeQueueSize = 64

// streamWriter serializes writes to one stream's destination socket on its
// own goroutine, fed by a channel. This is what keeps a single slow or
// stalled socket from blocking the Tunnel Pump's one dispatch callback
// (spec.md §4.5: "write the payload to its socket asynchronously... the
// write buffer must be kept alive for the full write"; §5: across streams no
// ordering is guaranteed, but within one stream writes must stay ordered).
type streamWriter struct {
	inbox chan []byte
}

func newStreamWriter() *streamWriter {
	return &streamWriter{inbox: make(chan []byte, writeQueueSize)}
}

// run drains inbox and writes each payload to conn in order until inbox is
// closed or a write fails. A write failure tears the stream down exactly
// like a failed read from the opposite direction.
func (w *streamWriter) run(ep *Endpoint, id string, conn net.Conn) {
	for payload := range w.inbox {
		if _, err := conn.Write(payload); err != nil {
			ep.teardown(context.Background(), id)
			return
		}
	}
}

// enqueue hands payload to the stream's writer goroutine without blocking
// the caller — the Tunnel Pump. If the queue is already full, the
// destination socket isn't draining fast enough; the payload is dropped and
// warned about rather than backing up the pump, matching the teacher's own
// inbox-overflow policy.
func (w *streamWriter) enqueue(id string, payload []byte, warn *logx.WarnLimiter) {
	select {
	case w.inbox <- payload:
	default:
		warn.Warnf("tunnel: [%s] write queue full, dropping %d byte(s)", id, len(payload))
	}
}
