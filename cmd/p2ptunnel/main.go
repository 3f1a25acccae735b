// P2ptunnel — CLI entry point.
//
// This tool tunnels an arbitrary local TCP service to a peer across a P2P
// overlay. No relay servers are needed after the signaling phase (which uses
// a short-lived WebSocket): once the WebRTC DataChannel opens, all traffic
// flows directly between the two peers (only STUN is configured, no TURN).
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -port, -wsUrl, -pin, -debug).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"golang.org/x/term"

	"github.com/quietbridge/p2ptunnel/internal/config"
	"github.com/quietbridge/p2ptunnel/internal/logx"
	"github.com/quietbridge/p2ptunnel/internal/signaling"
	"github.com/quietbridge/p2ptunnel/internal/tunnel"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	role := flag.String("role", "", "Role: host or client")
	port := flag.Int("port", 0, "Target port (host) or local listen port (client), 1~65535")
	wsURLFlag := flag.String("wsUrl", "", "Signaling WebSocket URL to connect to (client only)")
	pinFlag := flag.String("pin", "", "PIN shown by the host (client only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		logx.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("p2ptunnel — v%s", version))
	pterm.Println()

	interactive := *role == "" && term.IsTerminal(int(os.Stdout.Fd()))

	var cfg config.Config
	switch {
	case interactive:
		cfg = runInteractivePrompt()

	case *role == "host":
		if *port < 1 || *port > 65535 {
			logx.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		cfg = config.Config{Role: config.RoleHost, TargetPort: *port}

	case *role == "client":
		if *port < 1 || *port > 65535 {
			logx.LogError("invalid or missing -port (must be 1~65535)")
			os.Exit(1)
		}
		if !isValidPIN(*pinFlag) {
			logx.LogError("invalid or missing -pin (must be the 6-digit PIN shown by the host)")
			os.Exit(1)
		}
		wsURL, err := normalizeWSURL(*wsURLFlag, *pinFlag)
		if err != nil {
			logx.LogError("%v", err)
			os.Exit(1)
		}
		cfg = config.Config{Role: config.RoleClient, LocalPort: *port, WSURL: wsURL}

	default:
		logx.LogError("invalid -role: must be 'host' or 'client'")
		os.Exit(1)
	}

	switch cfg.Role {
	case config.RoleHost:
		runHost(ctx, cfg)
	case config.RoleClient:
		runClient(ctx, cfg)
	}

	logx.LogInfo("tunnel closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

func runHost(ctx context.Context, cfg config.Config) {
	tr, pin, wsPort, err := signaling.EstablishAsHost(ctx)
	if err != nil {
		logx.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	printHostBanner(wsPort, pin)

	logx.StartStatsReporter(ctx)
	logx.LogSuccess("P2P tunnel established — forwarding to 127.0.0.1:%d", cfg.TargetPort)

	ep := tunnel.NewEndpoint(tr, tunnel.RoleEgress, cfg.TargetPort)
	ep.Pinger().Start(ctx, 0)
	runStatusLine(ctx, ep)
	ep.Wait(ctx)
}

func runClient(ctx context.Context, cfg config.Config) {
	tr, err := signaling.EstablishAsClient(ctx, cfg.WSURL)
	if err != nil {
		logx.LogError("failed to establish tunnel: %v", err)
		os.Exit(1)
	}
	defer tr.Close()

	logx.StartStatsReporter(ctx)
	logx.LogSuccess("P2P tunnel established — local service on 127.0.0.1:%d", cfg.LocalPort)

	ep := tunnel.NewEndpoint(tr, tunnel.RoleIngress, 0)
	ep.Pinger().Start(ctx, 0)
	runStatusLine(ctx, ep)

	if err := ep.RunIngress(ctx, cfg.LocalPort); err != nil {
		logx.LogError("ingress listener failed: %v", err)
	}
	ep.Wait(ctx)
}

// runStatusLine starts a pterm.DefaultArea that overwrites itself in place
// with the latest RTT sample — the Go-native equivalent of the original
// implementation's "\r" terminal-overwrite RTT reporting (SPEC_FULL.md §11).
func runStatusLine(ctx context.Context, ep *tunnel.Endpoint) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	area, err := pterm.DefaultArea.Start()
	if err != nil {
		return
	}
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		defer area.Stop()
		for {
			select {
			case <-ticker.C:
				area.Update(fmt.Sprintf("RTT: %s", ep.Pinger().RTT()))
			case <-ctx.Done():
				return
			}
		}
	}()
}

// runInteractivePrompt falls back to interactive prompts when no -role flag
// is provided and stdout is a terminal.
func runInteractivePrompt() config.Config {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Host  — Expose a local service", "Client — Connect to a remote host"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Host") {
		port := askPort("Target port to forward (1 ~ 65535)")
		return config.Config{Role: config.RoleHost, TargetPort: port}
	}

	rawURL := askRawURL()
	pin := askPin()
	wsURL, err := normalizeWSURL(rawURL, pin)
	if err != nil {
		// Unreachable: askRawURL already validated rawURL with the same parser.
		logx.LogError("%v", err)
		os.Exit(1)
	}
	port := askPort("Local port for the tunneled service (1 ~ 65535)")
	return config.Config{Role: config.RoleClient, LocalPort: port, WSURL: wsURL}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func printHostBanner(wsPort int, pin string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║        P2P Signaling Server              ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Port : %-32d ║\n", wsPort)
	fmt.Printf("║  PIN  : %-32s ║\n", pin)
	fmt.Println("╚══════════════════════════════════════════╝")
	fmt.Println()
}

// normalizeWSURL validates a raw WebSocket URL string and rebuilds it
// pointing at the signaling endpoint, with the host's PIN attached as a
// query parameter — handleWS rejects any connection whose PIN doesn't match,
// so the PIN must survive this rebuild for the client to ever connect.
func normalizeWSURL(raw, pin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws?pin=%s", scheme, u.Host, url.QueryEscape(pin)), nil
}

// isValidPIN reports whether pin looks like one of the 6-digit PINs
// generatePIN produces.
func isValidPIN(pin string) bool {
	if len(pin) != 6 {
		return false
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func askPort(prompt string) int {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		port, err := strconv.Atoi(strings.TrimSpace(raw))
		if err == nil && port >= 1 && port <= 65535 {
			pterm.Println()
			return port
		}

		logx.LogWarning("invalid port number: must be 1 ~ 65535")
		pterm.Println()
	}
}

// askRawURL prompts for the host's signaling URL and returns it unmodified
// (the PIN is collected separately by askPin and merged in by normalizeWSURL).
func askRawURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling WebSocket URL (e.g. wss://***.devtunnels.ms)").
			Show()

		if u, err := url.Parse(strings.TrimSpace(raw)); err == nil && u.Host != "" {
			pterm.Println()
			return raw
		}

		pterm.Println()
		logx.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askPin prompts for the 6-digit PIN the host displayed in its banner.
func askPin() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Host's PIN (shown in its banner)").
			Show()

		pin := strings.TrimSpace(raw)
		if isValidPIN(pin) {
			pterm.Println()
			return pin
		}

		pterm.Println()
		logx.LogWarning("invalid PIN: must be 6 digits")
	}
}
