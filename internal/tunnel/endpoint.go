// Package tunnel is the routing core described by spec.md §4.3–4.5: the
// local TCP ingress (client role) that inducts new streams, the local TCP
// egress (host role) that lazily dials the configured service, and the
// Tunnel Pump that dispatches inbound overlay packets to the Stream Table.
package tunnel

import (
	"context"
	"net"
	"sync"

	"github.com/quietbridge/p2ptunnel/internal/liveness"
	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/protocol"
	"github.com/quietbridge/p2ptunnel/internal/streamtable"
)

// ReadBufferSize is the fixed, reused per-stream read buffer size from
// spec.md §3: 131072 bytes (128 KiB).
const ReadBufferSize = 131072

// maxIDAttempts bounds id-collision retries at ingress assignment — spec.md
// §7's error class 6: refuse the accept if still colliding after this many
// draws.
const maxIDAttempts = 8

// Role is which side of the tunnel this Endpoint plays, in spec.md's
// terminology (ingress/egress), mapping 1:1 to this module's host/client CLI
// roles (egress=host, ingress=client).
type Role int

const (
	// RoleIngress listens for local TCP clients and assigns fresh stream ids.
	RoleIngress Role = iota
	// RoleEgress lazily dials the configured local service for ids the peer assigned.
	RoleEgress
)

// Transport is the narrow send/receive capability Endpoint needs from the
// Overlay Adapter. *transport.Transport satisfies it directly; tests
// substitute an in-process mock without pulling in WebRTC — see
// endpoint_test.go's mockTransport, grounded on the teacher's
// tests/adapter_test.go mockTransport.
type Transport interface {
	Send(ctx context.Context, id string, typ protocol.Type, payload []byte) error
	OnPacket(fn func(*protocol.Packet, error))
	Done() <-chan struct{}
}

// Endpoint is the per-process TunnelState singleton from spec.md §3: role,
// StreamTable, transport handle, target port (egress only), and the
// liveness Pinger holding the latest RTT sample.
type Endpoint struct {
	role       Role
	targetPort int // egress (host) role only; 0 disables lazy dial

	table  *streamtable.Table
	tr     Transport
	pinger *liveness.Pinger

	// writers holds one streamWriter per live stream, so the Tunnel Pump's
	// single dispatch callback can hand off a DATA write without blocking on
	// a slow or stalled destination socket (spec.md §4.5, §9 "per-stream
	// write serialization"). Keyed the same as table, but kept separate
	// since streamtable.Table deliberately stores only net.Conn.
	writersMu sync.Mutex
	writers   map[string]*streamWriter

	dataWarn      *logx.WarnLimiter // "no stream for id" (spec.md §7 class 2)
	malformedWarn *logx.WarnLimiter // "malformed packet discarded" (spec.md §7 class 1)
	writeWarn     *logx.WarnLimiter // "write queue full" (stalled destination socket)
}

// NewEndpoint wires dispatch as tr's inbound packet callback and returns a
// ready Endpoint. targetPort configures the egress role's lazy-dial target;
// it is ignored for the ingress role.
func NewEndpoint(tr Transport, role Role, targetPort int) *Endpoint {
	ep := &Endpoint{
		role:          role,
		targetPort:    targetPort,
		table:         streamtable.New(),
		tr:            tr,
		pinger:        liveness.NewPinger(tr),
		writers:       make(map[string]*streamWriter),
		dataWarn:      logx.NewWarnLimiter(2, 5),
		malformedWarn: logx.NewWarnLimiter(2, 5),
		writeWarn:     logx.NewWarnLimiter(2, 5),
	}
	tr.OnPacket(ep.dispatch)
	return ep
}

// Pinger exposes the endpoint's liveness measurement, e.g. for a status line.
func (ep *Endpoint) Pinger() *liveness.Pinger { return ep.pinger }

// Table exposes the Stream Table, mainly for tests that want to assert on
// table contents directly rather than through observed TCP behavior.
func (ep *Endpoint) Table() *streamtable.Table { return ep.table }

// Wait blocks until the transport closes or ctx is cancelled, then tears
// down every stream exactly once — spec.md §5's disconnect() cancellation
// path: "the Pump observes closed, invokes close_all()".
func (ep *Endpoint) Wait(ctx context.Context) {
	select {
	case <-ep.tr.Done():
		logx.LogWarning("tunnel: transport closed, tearing down %d stream(s)", ep.table.Len())
	case <-ctx.Done():
	}
	ep.table.CloseAll()
	ep.closeAllWriters()
}

// teardown removes id from the table and, only if this call actually
// performed the removal, notifies the peer with a DISCONNECT. This is what
// keeps the "no double DISCONNECT" boundary behavior (spec.md §8) true
// regardless of whether the stream died from a local I/O error, a DISCONNECT
// already received from the peer, or a concurrent CloseAll.
func (ep *Endpoint) teardown(ctx context.Context, id string) {
	if ep.table.Remove(id) {
		ep.removeWriter(id)
		_ = ep.tr.Send(ctx, id, protocol.TypeDisconnect, nil)
		logx.Stats.RemoveConn()
	}
}

// addWriter starts a streamWriter for a freshly inserted stream and makes it
// reachable for subsequent DATA dispatch. Called right after a successful
// table.Insert, from both the ingress accept path and the egress lazy-dial
// path.
func (ep *Endpoint) addWriter(id string, conn net.Conn) {
	w := newStreamWriter()
	ep.writersMu.Lock()
	ep.writers[id] = w
	ep.writersMu.Unlock()
	go w.run(ep, id, conn)
}

// writerFor returns the streamWriter registered for id, if any.
func (ep *Endpoint) writerFor(id string) (*streamWriter, bool) {
	ep.writersMu.Lock()
	defer ep.writersMu.Unlock()
	w, ok := ep.writers[id]
	return w, ok
}

// removeWriter unregisters and stops the streamWriter for id, if present.
// Idempotent: safe to call from teardown even when no writer was ever
// registered for id (e.g. a DISCONNECT for an id this side never opened).
func (ep *Endpoint) removeWriter(id string) {
	ep.writersMu.Lock()
	w, ok := ep.writers[id]
	delete(ep.writers, id)
	ep.writersMu.Unlock()
	if ok {
		close(w.inbox)
	}
}

// closeAllWriters stops every remaining streamWriter — the writer-side
// counterpart of table.CloseAll(), called from Wait() on final teardown.
func (ep *Endpoint) closeAllWriters() {
	ep.writersMu.Lock()
	writers := ep.writers
	ep.writers = make(map[string]*streamWriter)
	ep.writersMu.Unlock()

	for _, w := range writers {
		close(w.inbox)
	}
}
