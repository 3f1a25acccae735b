// Package signaling performs the WebSocket-based SDP/ICE handshake that
// bootstraps a transport.Transport — the concrete bootstrapping mechanism
// behind spec.md's "out of scope, consumed as a collaborator" overlay setup.
// Everything here gets out of the way once the DataChannel opens.
package signaling

// msgType identifies the kind of signaling message exchanged over the
// bootstrap WebSocket.
type msgType string

const (
	msgTypeOffer     msgType = "offer"
	msgTypeAnswer    msgType = "answer"
	msgTypeCandidate msgType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during
// signaling.
type message struct {
	Type      msgType `json:"type"`
	SDP       string  `json:"sdp,omitempty"`
	Candidate string  `json:"candidate,omitempty"` // JSON-encoded webrtc.ICECandidateInit
}
