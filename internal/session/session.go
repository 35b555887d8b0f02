// Package session drives an admitted relay connection: one inbound frame
// loop, one keepalive ticker, and the caller's outbound sends, all over a
// single shared stream.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bitmesh-tools/meshtap/internal/config"
	"github.com/bitmesh-tools/meshtap/internal/handshake"
	"github.com/bitmesh-tools/meshtap/internal/protocol"
	"github.com/bitmesh-tools/meshtap/internal/util"
)

// eventBufferSize is the inbound event channel capacity.
const eventBufferSize = 64

// Event is one inbound occurrence on the session. Exactly one field is
// set:
//   - Packet: a decoded chat packet from a DATA frame.
//   - Frame: a frame of a type the session does not interpret (PONGs are
//     swallowed; everything else is handed to the caller raw).
//   - Err: a per-packet decode failure (session stays alive) or, as the
//     final event before the channel closes, the stream error that ended
//     the session.
type Event struct {
	Packet *protocol.Packet
	Frame  *protocol.Frame
	Err    error
}

// Session owns the live relay connection after an accepted handshake.
// Decoded packets are handed out by value through Events; the connection
// itself is never exposed.
type Session struct {
	conn     net.Conn
	cfg      *config.Config
	senderID []byte

	writeMu sync.Mutex // serializes ticker and caller writes

	nickMu   sync.Mutex
	nickname string

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Establish runs the admission handshake on conn and, if the relay
// accepts, starts the session goroutines. A rejection is returned as the
// outcome with a nil session — the connection is not usable either way
// afterwards except through the returned session.
func Establish(ctx context.Context, conn net.Conn, cfg *config.Config, certHash []byte) (*Session, *handshake.Outcome, error) {
	outcome, err := handshake.Run(ctx, conn, cfg, certHash)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if !outcome.Accepted {
		conn.Close()
		return nil, outcome, nil
	}

	sCtx, sCancel := context.WithCancel(ctx)
	s := &Session{
		conn:     conn,
		cfg:      cfg,
		senderID: handshake.NormalizePeerID(cfg.PeerID),
		events:   make(chan Event, eventBufferSize),
		ctx:      sCtx,
		cancel:   sCancel,
	}

	go s.readLoop()
	if cfg.KeepaliveInterval > 0 {
		go s.keepalive()
	}

	return s, outcome, nil
}

// Events returns the inbound event stream. The channel closes when the
// session ends; the terminal stream error, if any, is the last event.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done returns a channel that is closed when the session has ended.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// SendMessage wraps text in a MESSAGE packet and sends it as a DATA frame.
func (s *Session) SendMessage(text string) error {
	return s.sendPacket(protocol.PacketMessage, text)
}

// Announce broadcasts the nickname peers should display for this sender.
func (s *Session) Announce(nickname string) error {
	s.nickMu.Lock()
	s.nickname = nickname
	s.nickMu.Unlock()
	return s.sendPacket(protocol.PacketAnnounce, nickname)
}

// Leave tells the mesh this sender is departing. The payload repeats the
// announced nickname (or the peer ID) so the packet stays above the
// decodable minimum on the receiving side.
func (s *Session) Leave() error {
	s.nickMu.Lock()
	nick := s.nickname
	s.nickMu.Unlock()
	if nick == "" {
		nick = s.cfg.PeerID
	}
	return s.sendPacket(protocol.PacketLeave, nick)
}

// Close shuts the session down. Closing the connection unblocks the
// inbound loop's pending read. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) sendPacket(packetType byte, text string) error {
	pkt := protocol.EncodePacket(s.senderID, text, s.cfg.TTL, packetType, s.cfg.PacketVersion)
	if err := s.writeFrame(protocol.FrameData, pkt); err != nil {
		return err
	}
	util.Stats.AddMsgSent()
	return nil
}

// writeFrame is the single choke point for the shared write path. The
// ticker and caller-driven sends can race; the mutex makes "write one
// frame" atomic with respect to them.
func (s *Session) writeFrame(frameType byte, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := protocol.WriteFrame(s.conn, frameType, payload); err != nil {
		return err
	}
	util.Stats.AddSent(protocol.FrameHeaderSize + len(payload))
	return nil
}

// readLoop is the sole reader of the connection. It dispatches by frame
// type until the stream errors, then surfaces that error exactly once and
// closes the event channel. A bad packet inside a DATA frame is reported
// per-frame and does not end the session.
func (s *Session) readLoop() {
	defer close(s.events)
	defer s.cancel()

	for {
		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		frame, err := protocol.ReadFrame(s.conn, s.cfg.MaxFramePayload)
		if err != nil {
			// A read error after Close is the shutdown we asked for,
			// not something the caller needs to hear about.
			select {
			case <-s.ctx.Done():
			default:
				s.emit(Event{Err: fmt.Errorf("session read: %w", err)})
			}
			return
		}
		util.Stats.AddRecv(protocol.FrameHeaderSize + len(frame.Payload))

		switch frame.Type {
		case protocol.FrameData:
			pkt, err := protocol.DecodePacket(frame.Payload)
			if err != nil {
				s.emit(Event{Err: fmt.Errorf("decode packet: %w", err)})
				continue
			}
			util.Stats.AddMsgRecv()
			s.emit(Event{Packet: pkt})

		case protocol.FramePong:
			// Keepalive reply, nothing to do.

		default:
			s.emit(Event{Frame: frame})
		}
	}
}

// keepalive sends a PING on a fixed period and stops silently on the
// first send failure — the read loop is the one that reports the death.
func (s *Session) keepalive() {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.writeFrame(protocol.FramePing, nil); err != nil {
				util.LogDebug("keepalive stopped: %v", err)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
