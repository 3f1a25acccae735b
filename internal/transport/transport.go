// Package transport implements the P2P tunnel's concrete Overlay Adapter:
// a single WebRTC PeerConnection and one pre-negotiated, ordered, reliable
// DataChannel between exactly two peers. It imposes no framing of its own —
// every Send produces exactly one OnPacket callback carrying the same bytes,
// decoded through internal/protocol — matching spec.md §6's Overlay Adapter
// contract.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/protocol"
)

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange and reliable-ordered packet I/O.
//
// Its lifecycle is governed by the DataChannel state, the PeerConnection
// state and the context passed at construction time. Readiness comes only
// from the DataChannel opening; the Transport shuts down when the
// DataChannel closes, when the PeerConnection reaches Failed or Closed, or
// when the context is cancelled.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs signaling via the exposed
// methods (CreateOffer / CreateAnswer / …) and then uses Send / OnPacket for
// data transfer once Ready() closes.
func NewTransport(ctx context.Context) (*Transport, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// The DataChannel closing (by either side, or the underlying SCTP
	// association dying) is fatal to the tunnel — spec.md §5: "the Pump
	// observes closed, invokes close_all()". Cancelling the Transport's
	// own context is how that observation is surfaced to callers of Done().
	dc.OnClose(func() {
		logx.LogWarning("transport: DataChannel closed")
		tCancel()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logx.LogDebug("transport: PeerConnection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		t.mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			tCancel()
		}
	})

	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive — spec.md's Connected event.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed, PeerConnection failed, or parent context cancelled)
// — spec.md's ClosedByPeer/LocalProblem events, collapsed into one signal
// since the Pump treats both identically (tear down every stream).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send encodes (id, typ, payload) per internal/protocol and enqueues it on
// the single sender goroutine — reliable and ordered because the underlying
// DataChannel is, and best-effort non-blocking from the caller's viewpoint
// (it only blocks if the internal queue itself is saturated). ctx governs
// how long the caller is willing to wait for queue space; it does not wait
// for on-wire delivery.
func (t *Transport) Send(ctx context.Context, id string, typ protocol.Type, payload []byte) error {
	select {
	case <-t.ctx.Done():
		return errors.New("transport: closed")
	default:
	}
	t.sender.send(ctx, protocol.Encode(id, typ, payload))
	return nil
}

// OnPacket registers a callback invoked for every inbound DataChannel
// message. The callback receives the decoded packet and any decode error;
// decode errors are never fatal — spec.md §7's "Protocol-malformed" class —
// so the caller is expected to log and continue rather than abort.
func (t *Transport) OnPacket(fn func(*protocol.Packet, error)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		logx.Stats.AddRecv(len(msg.Data))
		pkt, err := protocol.Decode(msg.Data)
		fn(pkt, err)
	})
}
