package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/transport"
)

// wsSender serializes outgoing signaling messages over the WebSocket; gorilla's
// Conn is not safe for concurrent writers and both the ICE-candidate callback
// and the exchange's own send calls race otherwise.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) send(msg message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// trickleICE wires tr's local-candidate callback to forward every candidate
// over the WebSocket as it is gathered, rather than waiting for gathering to
// complete — shrinks the time-to-connect on NAT'd links.
func trickleICE(tr *transport.Transport, s *wsSender) {
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := s.send(message{Type: msgTypeCandidate, Candidate: string(data)}); err != nil {
			// Ready() may have already fired and the peer torn down the WS
			// on purpose — not worth logging in that case.
			select {
			case <-tr.Ready():
			default:
				logx.LogWarning("signaling: failed to send ICE candidate: %v", err)
			}
		}
	})
}

// hostExchange performs the SDP/ICE exchange on the host side: sends the
// Offer, then processes Answer + trickled candidates from the read loop
// until the DataChannel opens or the WebSocket errors.
func hostExchange(wsConn *websocket.Conn, tr *transport.Transport) error {
	s := &wsSender{conn: wsConn}
	trickleICE(tr, s)

	offer, err := tr.CreateOffer()
	if err != nil {
		return fmt.Errorf("signaling: create offer: %w", err)
	}
	if err := tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("signaling: set local description: %w", err)
	}
	if err := s.send(message{Type: msgTypeOffer, SDP: offer.SDP}); err != nil {
		return fmt.Errorf("signaling: send offer: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- readLoop(wsConn, tr, s) }()

	select {
	case <-tr.Ready():
		return nil
	case err := <-errCh:
		select {
		case <-tr.Ready():
			return nil
		default:
			return fmt.Errorf("signaling: %w", err)
		}
	}
}

// clientExchange performs the SDP/ICE exchange on the client side: waits for
// the Offer, answers it, then processes trickled candidates until the
// DataChannel opens or the WebSocket errors.
func clientExchange(wsConn *websocket.Conn, tr *transport.Transport) error {
	s := &wsSender{conn: wsConn}
	trickleICE(tr, s)

	errCh := make(chan error, 1)
	go func() { errCh <- readLoop(wsConn, tr, s) }()

	select {
	case <-tr.Ready():
		return nil
	case err := <-errCh:
		select {
		case <-tr.Ready():
			return nil
		default:
			return fmt.Errorf("signaling: %w", err)
		}
	}
}

// readLoop consumes signaling messages until the WebSocket errors out. It
// handles every message kind regardless of caller role (an incoming offer is
// answered in place; answers and candidates are applied directly), so a
// stray out-of-order message never wedges the exchange.
func readLoop(wsConn *websocket.Conn, tr *transport.Transport, s *wsSender) error {
	for {
		var msg message
		if err := wsConn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read signaling message: %w", err)
		}

		switch msg.Type {
		case msgTypeOffer:
			if err := tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				logx.LogWarning("signaling: set remote description (offer): %v", err)
				continue
			}
			answer, err := tr.CreateAnswer()
			if err != nil {
				logx.LogWarning("signaling: create answer: %v", err)
				continue
			}
			if err := tr.SetLocalDescription(answer); err != nil {
				logx.LogWarning("signaling: set local description (answer): %v", err)
				continue
			}
			if err := s.send(message{Type: msgTypeAnswer, SDP: answer.SDP}); err != nil {
				logx.LogWarning("signaling: send answer: %v", err)
			}

		case msgTypeAnswer:
			if err := tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				logx.LogWarning("signaling: set remote description (answer): %v", err)
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				logx.LogWarning("signaling: parse ICE candidate: %v", err)
				continue
			}
			if err := tr.AddICECandidate(init); err != nil {
				logx.LogWarning("signaling: add ICE candidate: %v", err)
			}
		}
	}
}
