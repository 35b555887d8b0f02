package session

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bitmesh-tools/meshtap/internal/config"
	"github.com/bitmesh-tools/meshtap/internal/protocol"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.PeerID = "pctest01"
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.KeepaliveInterval = 0 // individual tests opt back in
	return cfg
}

// acceptHandshake plays the relay side of an admission handshake with a
// difficulty-0 challenge, so Establish completes instantly.
func acceptHandshake(t *testing.T, conn net.Conn) bool {
	t.Helper()

	if _, err := protocol.ReadFrame(conn, 1024); err != nil {
		t.Errorf("relay: read HELLO: %v", err)
		return false
	}
	if err := protocol.WriteFrame(conn, protocol.FrameChallenge, make([]byte, 33)); err != nil {
		t.Errorf("relay: write CHALLENGE: %v", err)
		return false
	}
	if _, err := protocol.ReadFrame(conn, 1024); err != nil {
		t.Errorf("relay: read SOLUTION: %v", err)
		return false
	}
	if err := protocol.WriteFrame(conn, protocol.FrameAccept, nil); err != nil {
		t.Errorf("relay: write ACCEPT: %v", err)
		return false
	}
	return true
}

// newTestSession establishes a session against an in-process relay and
// returns both ends.
func newTestSession(t *testing.T, cfg *config.Config) (*Session, net.Conn) {
	t.Helper()

	client, relay := net.Pipe()
	go acceptHandshake(t, relay)

	sess, outcome, err := Establish(context.Background(), client, cfg, nil)
	if err != nil {
		t.Fatalf("Establish failed: %v", err)
	}
	if !outcome.Accepted {
		t.Fatalf("relay rejected: %q", outcome.Reason)
	}

	t.Cleanup(func() {
		sess.Close()
		relay.Close()
	})
	return sess, relay
}

// waitEvent reads one event with a timeout so a broken session fails the
// test instead of hanging it.
func waitEvent(t *testing.T, sess *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestSessionDeliversPackets(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	pkt := protocol.EncodePacket([]byte("relay001"), "hello from mesh", 7, protocol.PacketMessage, 1)
	if err := protocol.WriteFrame(relay, protocol.FrameData, pkt); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	ev := waitEvent(t, sess)
	if ev.Packet == nil {
		t.Fatalf("expected packet event, got %+v", ev)
	}
	if got := ev.Packet.Text(); got != "hello from mesh" {
		t.Errorf("text: got %q, want %q", got, "hello from mesh")
	}
	if got := string(ev.Packet.SenderID[:]); got != "relay001" {
		t.Errorf("sender: got %q, want %q", got, "relay001")
	}
}

func TestSessionSurvivesBadPacket(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	// A 10-byte DATA payload is under the packet minimum.
	if err := protocol.WriteFrame(relay, protocol.FrameData, make([]byte, 10)); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	ev := waitEvent(t, sess)
	if ev.Err == nil || !errors.Is(ev.Err, protocol.ErrPacketTooShort) {
		t.Fatalf("expected ErrPacketTooShort event, got %+v", ev)
	}

	// The session must remain usable: a valid packet still decodes.
	pkt := protocol.EncodePacket([]byte("relay001"), "still alive", 7, protocol.PacketMessage, 1)
	if err := protocol.WriteFrame(relay, protocol.FrameData, pkt); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	ev = waitEvent(t, sess)
	if ev.Packet == nil || ev.Packet.Text() != "still alive" {
		t.Fatalf("expected follow-up packet, got %+v", ev)
	}
}

func TestSessionSwallowsPong(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	if err := protocol.WriteFrame(relay, protocol.FramePong, nil); err != nil {
		t.Fatalf("relay write: %v", err)
	}
	pkt := protocol.EncodePacket([]byte("relay001"), "after pong", 7, protocol.PacketMessage, 1)
	if err := protocol.WriteFrame(relay, protocol.FrameData, pkt); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	// The PONG produces no event; the first thing we see is the packet.
	ev := waitEvent(t, sess)
	if ev.Packet == nil || ev.Packet.Text() != "after pong" {
		t.Fatalf("expected packet event after swallowed PONG, got %+v", ev)
	}
}

func TestSessionSurfacesRawFrames(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	if err := protocol.WriteFrame(relay, 0x30, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("relay write: %v", err)
	}

	ev := waitEvent(t, sess)
	if ev.Frame == nil {
		t.Fatalf("expected raw frame event, got %+v", ev)
	}
	if ev.Frame.Type != 0x30 || len(ev.Frame.Payload) != 2 {
		t.Errorf("raw frame: got type 0x%02x payload %v", ev.Frame.Type, ev.Frame.Payload)
	}
}

func TestSessionSendMessage(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	go func() {
		if err := sess.SendMessage("outbound text"); err != nil {
			t.Errorf("SendMessage failed: %v", err)
		}
	}()

	frame, err := protocol.ReadFrame(relay, 64*1024)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	if frame.Type != protocol.FrameData {
		t.Fatalf("expected DATA frame, got 0x%02x", frame.Type)
	}

	pkt, err := protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("decode outbound packet: %v", err)
	}
	if pkt.Type != protocol.PacketMessage {
		t.Errorf("packet type: got %d, want MESSAGE", pkt.Type)
	}
	if got := pkt.Text(); got != "outbound text" {
		t.Errorf("text: got %q, want %q", got, "outbound text")
	}
	if got := string(pkt.SenderID[:]); got != "pctest01" {
		t.Errorf("sender: got %q, want %q", got, "pctest01")
	}
}

func TestSessionAnnounceAndLeave(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	go func() {
		if err := sess.Announce("alice"); err != nil {
			t.Errorf("Announce failed: %v", err)
		}
		if err := sess.Leave(); err != nil {
			t.Errorf("Leave failed: %v", err)
		}
	}()

	frame, err := protocol.ReadFrame(relay, 64*1024)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	pkt, err := protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("decode ANNOUNCE: %v", err)
	}
	if pkt.Type != protocol.PacketAnnounce || pkt.Text() != "alice" {
		t.Errorf("ANNOUNCE: got type %d text %q", pkt.Type, pkt.Text())
	}

	frame, err = protocol.ReadFrame(relay, 64*1024)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	pkt, err = protocol.DecodePacket(frame.Payload)
	if err != nil {
		t.Fatalf("decode LEAVE: %v", err)
	}
	if pkt.Type != protocol.PacketLeave || pkt.Text() != "alice" {
		t.Errorf("LEAVE: got type %d text %q", pkt.Type, pkt.Text())
	}
}

func TestSessionKeepalive(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 20 * time.Millisecond
	_, relay := newTestSession(t, cfg)

	deadline := time.Now().Add(5 * time.Second)
	relay.SetReadDeadline(deadline)
	frame, err := protocol.ReadFrame(relay, 1024)
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	if frame.Type != protocol.FramePing {
		t.Fatalf("expected PING, got 0x%02x", frame.Type)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("PING payload should be empty, got %d bytes", len(frame.Payload))
	}
}

func TestSessionTerminalErrorSurfacedOnce(t *testing.T) {
	sess, relay := newTestSession(t, testConfig())

	relay.Close()

	var errEvents int
	for ev := range sess.Events() {
		if ev.Err != nil {
			errEvents++
		}
	}
	if errEvents != 1 {
		t.Fatalf("stream error surfaced %d times, want exactly once", errEvents)
	}
}

func TestSessionCloseUnblocksRead(t *testing.T) {
	sess, _ := newTestSession(t, testConfig())

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The inbound loop was blocked in a read; Close must end it, and the
	// resulting read error is shutdown noise, not a caller-visible event.
	done := make(chan int)
	go func() {
		var errEvents int
		for ev := range sess.Events() {
			if ev.Err != nil {
				errEvents++
			}
		}
		done <- errEvents
	}()

	select {
	case errEvents := <-done:
		if errEvents != 0 {
			t.Errorf("got %d error events after Close, want 0", errEvents)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("event channel did not close after Close")
	}

	// Close is idempotent.
	if err := sess.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}
