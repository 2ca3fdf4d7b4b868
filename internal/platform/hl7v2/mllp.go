package hl7v2

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MLLP wire bytes. A message travels as <VT> payload <FS><CR>.
const (
	MLLPStartBlock     = 0x0B
	MLLPEndBlock       = 0x1C
	MLLPCarriageReturn = 0x0D

	// mllpMaxMessageSize caps the per-connection buffer at 1 MB. Feeds that
	// exceed it are misbehaving senders, not real messages.
	mllpMaxMessageSize = 1 << 20

	mllpReadTimeout  = 30 * time.Second
	mllpWriteTimeout = 10 * time.Second
)

// MessageHandler is called for each received HL7v2 message. The handler runs
// the conversion and returns the ACK/NAK to send back, AA when the bundle was
// accepted and AE otherwise. Return nil to send no response.
type MessageHandler func(msg *Message) *Message

// MLLPServer listens for HL7v2 messages over MLLP/TCP and feeds them to the
// conversion handler. Interface engines hold connections open and pipeline
// many messages over one socket, so each connection gets its own goroutine
// and framing buffer.
type MLLPServer struct {
	addr    string
	handler MessageHandler
	log     zerolog.Logger

	listener net.Listener
	done     chan struct{}
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewMLLPServer creates a server for the given listen address. Start must be
// called before messages flow.
func NewMLLPServer(addr string, handler MessageHandler, log zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		log:     log,
		done:    make(chan struct{}),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Start opens the listener and begins accepting in a background goroutine.
func (s *MLLPServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.accept()
	}()
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// per-connection goroutines to drain.
func (s *MLLPServer) Stop() error {
	close(s.done)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Addr returns the bound listener address. Useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) accept() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.log.Error().Err(err).Msg("mllp: accept failed")
			}
			return
		}

		s.track(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

func (s *MLLPServer) track(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// serveConn reads frames off one connection until it goes idle, closes, or
// the server stops. Multiple frames arriving in one read are all dispatched.
func (s *MLLPServer) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	var pending []byte
	chunk := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		n, err := conn.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			if len(pending) > mllpMaxMessageSize {
				s.log.Warn().Str("remote", remote).Int("buffered", len(pending)).
					Msg("mllp: oversized message, dropping connection")
				return
			}
			for {
				raw, rest, ok := UnframeMessage(pending)
				if !ok {
					break
				}
				pending = rest
				s.dispatch(conn, remote, raw)
			}
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				// Idle with nothing buffered: the sender is done.
				if len(pending) == 0 {
					return
				}
				continue
			}
			return
		}
	}
}

// dispatch parses one framed message, hands it to the conversion handler, and
// writes the ACK back. Unparseable frames are logged and swallowed; there is
// no control id to NAK against.
func (s *MLLPServer) dispatch(conn net.Conn, remote string, raw []byte) {
	msg, err := Parse(raw)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Msg("mllp: unparseable frame")
		return
	}

	resp := s.handler(msg)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(resp))); err != nil {
		s.log.Warn().Err(err).Str("remote", remote).Str("control_id", msg.ControlID).
			Msg("mllp: ack write failed")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data. It returns
// the payload, the bytes after the frame, and whether a complete frame was
// present. Garbage before the start block is discarded with the frame.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start == -1 {
		return nil, data, false
	}

	end := bytes.Index(data[start+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end == -1 {
		return nil, data, false
	}
	end += start + 1

	return data[start+1 : end], data[end+2:], true
}

// GenerateACK builds the HL7v2 ACK for an incoming message. ackCode is "AA"
// (accept), "AE" (error), or "AR" (reject). Sender and receiver swap roles
// and MSA-2 echoes the original control id, which is how the sending
// interface engine correlates the response.
func GenerateACK(incoming *Message, ackCode string) *Message {
	// incoming.Type is "ADT^A01"; the ACK type carries the same trigger.
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 2); len(parts) == 2 {
		trigger = parts[1]
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	ack := &Message{
		Type:         "ACK^" + trigger,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{
		Name: "MSH",
		Fields: []Field{
			ackField("|"),              // MSH-1
			ackField(`^~\&`),           // MSH-2
			ackField(ack.SendingApp),   // MSH-3
			ackField(ack.SendingFac),   // MSH-4
			ackField(ack.ReceivingApp), // MSH-5
			ackField(ack.ReceivingFac), // MSH-6
			ackField(timestamp),        // MSH-7
			ackField(""),               // MSH-8
			{Value: "ACK^" + trigger, Components: []string{"ACK", trigger}}, // MSH-9
			ackField(controlID),        // MSH-10
			ackField("P"),              // MSH-11
			ackField(incoming.Version), // MSH-12
		},
	}
	msa := Segment{
		Name: "MSA",
		Fields: []Field{
			ackField(ackCode),            // MSA-1
			ackField(incoming.ControlID), // MSA-2
		},
	}
	ack.Segments = []Segment{msh, msa}
	return ack
}

func ackField(v string) Field {
	return Field{Value: v, Components: []string{v}}
}

// SerializeMessage renders a Message back to wire form with \r segment
// separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, len(msg.Segments))
	for i, seg := range msg.Segments {
		segments[i] = serializeSegment(seg)
	}
	return []byte(strings.Join(segments, "\r"))
}

// serializeSegment renders one segment. MSH is special: Fields[0] is the
// field separator itself, so rendering starts from MSH-2.
func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
