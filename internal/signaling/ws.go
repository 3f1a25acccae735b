package signaling

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// server is the host-side WebSocket signaling server, gated by a PIN so a
// port-scanning stranger can't bootstrap a tunnel against this host. It
// accepts exactly one client — a second connection attempt is rejected —
// matching spec.md's strictly one-to-one tunnel.
type server struct {
	pin      string
	listener net.Listener
	connCh   chan acceptedConn
	claimed  atomic.Bool // set once the first client has been handed over
}

// acceptedConn pairs an accepted WebSocket with a per-session correlation
// id, so host-side logs can tell apart successive signaling attempts over a
// flaky link even though only one ever proceeds to a live tunnel.
type acceptedConn struct {
	conn      *websocket.Conn
	sessionID string
}

// newServer creates a signaling server gated by pin.
func newServer(pin string) *server {
	return &server{
		pin:    pin,
		connCh: make(chan acceptedConn, 1),
	}
}

// start begins listening on a random local port. Returns the assigned port.
func (s *server) start() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("signaling: start WS server: %w", err)
	}
	s.listener = listener
	port := listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	go func() {
		_ = http.Serve(listener, mux)
	}()

	return port, nil
}

func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	accepted := acceptedConn{conn: conn, sessionID: uuid.New().String()}

	if s.claimed.CompareAndSwap(false, true) {
		s.connCh <- accepted
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
	conn.Close()
}

// waitForClient blocks until a client connects or ctx is cancelled, and
// returns the connection plus its session correlation id.
func (s *server) waitForClient(ctx context.Context) (*websocket.Conn, string, error) {
	select {
	case a := <-s.connCh:
		return a.conn, a.sessionID, nil
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}
}

// close shuts down the listener, preventing new connections.
func (s *server) close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// connect dials the given WebSocket URL (including ?pin=...) and returns
// the connection.
func connect(ctx context.Context, url string) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: connect to %s: %w", url, err)
	}
	return conn, nil
}

// generatePIN returns a random numeric PIN of the given length, drawn from
// crypto/rand so it can't be guessed by brute-forcing a weak PRNG seed.
func generatePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}
