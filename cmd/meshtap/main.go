// Meshtap — CLI entry point.
//
// This tool joins a wireless mesh chat relay over TLS (or a WebSocket
// bridge), passes the proof-of-work admission handshake, and then either
// runs an interactive chat prompt or a scripted send-and-listen pass.
//
// It can be launched interactively (default) or non-interactively via
// CLI flags (-send, -listen).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/bitmesh-tools/meshtap/internal/config"
	"github.com/bitmesh-tools/meshtap/internal/protocol"
	"github.com/bitmesh-tools/meshtap/internal/session"
	"github.com/bitmesh-tools/meshtap/internal/transport"
	"github.com/bitmesh-tools/meshtap/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Default()

	// CLI flags.
	addr := flag.String("addr", cfg.Addr, "Relay address (host:port)")
	wsURL := flag.String("ws", "", "WebSocket bridge URL (overrides -addr)")
	peerID := flag.String("peer", cfg.PeerID, "Peer ID (8 bytes, padded/truncated)")
	nick := flag.String("nick", "", "Nickname to announce (defaults to peer ID)")
	ttl := flag.Int("ttl", int(cfg.TTL), "Packet TTL (hop budget)")
	insecure := flag.Bool("insecure", false, "Skip TLS certificate verification")
	certFile := flag.String("cert", "", "Client certificate PEM (attested in HELLO)")
	keyFile := flag.String("key", "", "Client key PEM")
	sendMsg := flag.String("send", "", "Send this one message, then exit or listen")
	listen := flag.Duration("listen", 0, "Listen for inbound messages for this long (e.g. 60s)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	cfg.Addr = *addr
	cfg.PeerID = *peerID
	cfg.TTL = byte(*ttl)
	cfg.Insecure = *insecure
	cfg.ClientCertFile = *certFile
	cfg.ClientKeyFile = *keyFile

	scripted := *sendMsg != "" || *listen > 0
	if *listen > 0 {
		// Scripted listening mirrors the probe workflow: give up on a
		// quiet relay instead of hanging forever.
		cfg.IdleTimeout = *listen
	}

	pterm.Info.Println(fmt.Sprintf("Meshtap — v%s", version))
	pterm.Println()

	sess, err := connect(ctx, cfg, *wsURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer sess.Close()

	util.StartStatsReporter(ctx)

	nickname := *nick
	if nickname == "" {
		nickname = strings.TrimRight(*peerID, "\x00")
	}
	if err := sess.Announce(nickname); err != nil {
		util.LogWarning("announce failed: %v", err)
	}

	if scripted {
		runScripted(ctx, sess, *sendMsg, *listen)
	} else {
		runInteractive(ctx, sess)
	}

	util.LogInfo("session closed")
}

// connect dials the relay (TLS by default, WebSocket bridge when -ws is
// given) and performs the admission handshake.
func connect(ctx context.Context, cfg *config.Config, wsURL string) (*session.Session, error) {
	var (
		conn     net.Conn
		certHash []byte
		err      error
	)
	if wsURL != "" {
		cfg.Addr = wsURL
		conn, err = transport.DialWS(ctx, wsURL)
	} else {
		conn, certHash, err = transport.DialTLS(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}
	util.LogInfo("connected to %s", cfg.Addr)

	sess, outcome, err := session.Establish(ctx, conn, cfg, certHash)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if !outcome.Accepted {
		reason := outcome.Reason
		if reason == "" {
			reason = "(no reason given)"
		}
		return nil, fmt.Errorf("relay rejected us: %s", reason)
	}

	util.LogInfo("handshake accepted")
	return sess, nil
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive prints inbound traffic in the background and reads chat
// lines from the prompt until Ctrl+C or session death.
func runInteractive(ctx context.Context, sess *session.Session) {
	go printEvents(sess)

	pterm.Println("Type a message and press Enter to send. Ctrl+C to quit.")

	for {
		select {
		case <-ctx.Done():
			sess.Leave()
			return
		case <-sess.Done():
			return
		default:
		}

		line, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(">").
			Show()

		msg := strings.TrimSpace(line)
		if msg == "" {
			continue
		}
		if err := sess.SendMessage(msg); err != nil {
			util.LogError("send failed: %v", err)
			return
		}
		util.LogDebug("sent %d bytes", len(msg))
	}
}

// runScripted sends the one configured message and then drains inbound
// events until the listen window ends (the session's idle timeout fires)
// or the session dies.
func runScripted(ctx context.Context, sess *session.Session, msg string, window time.Duration) {
	if msg != "" {
		if err := sess.SendMessage(msg); err != nil {
			util.LogError("send failed: %v", err)
			return
		}
		pterm.Printf("[SENT] %s\n", msg)
	}

	if window <= 0 {
		sess.Leave()
		return
	}

	pterm.Printf("Listening for messages (%s)...\n", window)

	done := make(chan struct{})
	go func() {
		printEvents(sess)
		close(done)
	}()

	select {
	case <-ctx.Done():
		sess.Leave()
	case <-done:
	}
}

// printEvents renders every inbound event until the session ends.
func printEvents(sess *session.Session) {
	for ev := range sess.Events() {
		switch {
		case ev.Packet != nil:
			pkt := ev.Packet
			pterm.Printf("  [%s] from %s: %s\n", protocol.TypeName(pkt.Type), pkt.Sender(), pkt.Text())

		case ev.Frame != nil:
			util.LogDebug("frame 0x%02x (%d bytes)", ev.Frame.Type, len(ev.Frame.Payload))

		case ev.Err != nil:
			util.LogWarning("%v", ev.Err)
		}
	}
}
