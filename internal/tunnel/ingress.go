package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/streamid"
	"github.com/quietbridge/p2ptunnel/internal/streamtable"
)

// errTooManyCollisions is returned by assignID when maxIDAttempts
// consecutive draws all collided — spec.md §7 error class 6: "refuse the
// accept" rather than retry forever.
var errTooManyCollisions = errors.New("tunnel: too many id collisions, refusing accept")

// RunIngress implements spec.md §4.3: listen on 0.0.0.0:localPort with
// SO_REUSEADDR semantics, and induct every accepted connection as a fresh
// stream. It blocks until ctx is cancelled, the transport closes, or Accept
// fails for a reason other than a deliberate shutdown.
func (ep *Endpoint) RunIngress(ctx context.Context, localPort int) error {
	lc := net.ListenConfig{Control: setReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", localPort))
	if err != nil {
		return fmt.Errorf("tunnel: listen on port %d: %w", localPort, err)
	}

	closed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-ep.tr.Done():
		case <-closed:
			return
		}
		ln.Close()
	}()
	defer close(closed)

	logx.LogInfo("tunnel: ingress listening on 0.0.0.0:%d", localPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ep.tr.Done():
				return nil
			default:
				return fmt.Errorf("tunnel: accept: %w", err)
			}
		}
		go ep.acceptStream(conn)
	}
}

// acceptStream implements spec.md §4.3 steps 1–3: TCP_NODELAY, fresh id
// assignment, table insertion, then starts the shared read loop.
func (ep *Endpoint) acceptStream(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	id, err := ep.assignID(conn)
	if err != nil {
		logx.LogError("tunnel: refusing accept from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	ep.addWriter(id, conn)
	logx.Stats.AddConn()
	logx.LogDebug("tunnel: [%s] accepted %s", id, conn.RemoteAddr())

	ep.readLoop(id, conn)
}

// assignID draws a fresh stream id and inserts conn under it, retrying on
// collision up to maxIDAttempts times.
func (ep *Endpoint) assignID(conn net.Conn) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := streamid.Generate()
		if err != nil {
			return "", fmt.Errorf("tunnel: generate id: %w", err)
		}

		switch err := ep.table.Insert(id, conn); {
		case err == nil:
			return id, nil
		case errors.Is(err, streamtable.ErrIDCollision):
			continue
		default:
			return "", err
		}
	}
	return "", errTooManyCollisions
}
