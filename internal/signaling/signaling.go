package signaling

import (
	"context"
	"fmt"

	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/transport"
)

const pinLength = 6

// EstablishAsHost executes the full host-side signaling flow:
//  1. Generate a PIN and start a PIN-gated WS server on a random port.
//  2. Wait for the client to connect (authenticating against the PIN).
//  3. Create a Transport and perform the SDP/ICE exchange.
//  4. Wait for the DataChannel to open.
//  5. Close the WS server and connection.
//
// The PIN and port are logged as soon as the server is listening, which is
// how the user learns them before a client connects. The function returns
// only after the DataChannel is open, handing back the ready Transport along
// with the PIN and port that were used.
func EstablishAsHost(ctx context.Context) (tr *transport.Transport, pin string, wsPort int, err error) {
	pin = generatePIN(pinLength)
	srv := newServer(pin)

	wsPort, err = srv.start()
	if err != nil {
		return nil, "", 0, err
	}
	defer srv.close()

	logx.LogInfo("signaling server listening on port %d, PIN %s", wsPort, pin)

	wsConn, sessionID, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, "", 0, fmt.Errorf("signaling: wait for client: %w", err)
	}
	defer wsConn.Close()
	logx.LogInfo("client connected (session %s)", sessionID)

	tr, err = transport.NewTransport(ctx)
	if err != nil {
		return nil, "", 0, fmt.Errorf("signaling: create transport: %w", err)
	}

	if err := hostExchange(wsConn, tr); err != nil {
		tr.Close()
		return nil, "", 0, err
	}

	logx.LogSuccess("DataChannel established, closing signaling socket")
	return tr, pin, wsPort, nil
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's WS server at wsURL (PIN embedded as a query
//     parameter).
//  2. Create a Transport and perform the SDP/ICE exchange.
//  3. Wait for the DataChannel to open.
//  4. Close the WS connection.
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.Transport, error) {
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer wsConn.Close()
	logx.LogInfo("signaling socket connected: %s", wsURL)

	tr, err := transport.NewTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("signaling: create transport: %w", err)
	}

	if err := clientExchange(wsConn, tr); err != nil {
		tr.Close()
		return nil, err
	}

	logx.LogSuccess("DataChannel established, closing signaling socket")
	return tr, nil
}
