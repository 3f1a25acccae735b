package transport

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/quietbridge/p2ptunnel/internal/logx"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing packet channel capacity
)

// outboundPacket is a fully-encoded wire message queued for the single
// sender goroutine. The byte slice is owned by
// this struct once enqueued — the caller must not mutate it afterward.
type outboundPacket struct {
	data []byte
}

// sender is a goroutine-based packet writer that serializes all writes to a
// single DataChannel, adding an open-gate and backpressure control. A slow
// or congested link holds packets in the inbox; the caller's send blocks only
// once that inbox is full.
type sender struct {
	inbox       chan outboundPacket
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan outboundPacket, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case pkt := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(pkt.data); err != nil {
				logx.LogError("transport: DataChannel send failed: %v", err)
				return
			}
			logx.Stats.AddSent(len(pkt.data))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues an already-encoded packet for transmission. It blocks if the
// internal buffer is full and returns silently (best-effort, from the
// caller's viewpoint) if ctx is already cancelled.
func (s *sender) send(ctx context.Context, data []byte) {
	select {
	case s.inbox <- outboundPacket{data: data}:
	case <-ctx.Done():
	}
}
