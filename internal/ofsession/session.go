// Package ofsession implements the framed OpenFlow message session shared
// by physical-switch and tenant-controller connections: hello exchange,
// echo/keepalive, xid allocation, and a single-in-flight send queue. It
// generalizes the teacher's per-connection read loop
// (openflow.OFConn.ReadMessages in kube-ovs-kube-ovs) into a reusable type
// that both internal/physwitch and internal/vswitch embed.
package ofsession

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/ofmsg"
)

// DefaultEchoInterval matches spec.md's echo discipline: an echo request
// is sent every interval, and the connection is dropped if the previous
// one went unanswered.
const DefaultEchoInterval = 5 * time.Second

// Poster serializes all mutation of hypervisor-owned state onto a single
// goroutine (spec.md §5's "single-threaded cooperative reactor"). Every
// I/O goroutine a Session starts hands its result to the owning
// reactor through Post instead of touching session/switch state itself.
type Poster interface {
	Post(fn func())
}

// Handler receives every asymmetric OpenFlow message a Session decodes.
// Hello, echo request/reply and experimenter are handled inside Session
// itself, per spec.md §4.2.
type Handler interface {
	HandleMessage(s *Session, msg ofp13.OFMessage)
}

// Session is a long-lived OpenFlow connection: a physical switch's
// control channel, or a virtual switch's outbound connection to its
// tenant controller.
type Session struct {
	conn   net.Conn
	poster Poster
	handle Handler

	echoInterval    time.Duration
	echoTimer       *time.Timer
	echoOutstanding bool
	echoReceived    bool

	xid uint32

	sendQueue [][]byte
	writing   bool

	stopped bool
	onClose func()
}

// New constructs a Session around an already-established connection. The
// caller must call Start from within a closure already running on
// poster's reactor.
func New(conn net.Conn, poster Poster, handle Handler, onClose func()) *Session {
	return &Session{
		conn:         conn,
		poster:       poster,
		handle:       handle,
		echoInterval: DefaultEchoInterval,
		onClose:      onClose,
	}
}

// SetEchoInterval overrides DefaultEchoInterval; must be called before
// Start.
func (s *Session) SetEchoInterval(d time.Duration) {
	s.echoInterval = d
}

// NextXid returns the next xid in this session's monotonic, wrap-around
// allowed, per-session counter.
func (s *Session) NextXid() uint32 {
	return atomic.AddUint32(&s.xid, 1)
}

// Start sends the initial hello, arms the echo timer and begins the
// read loop. Must be called from the reactor goroutine.
func (s *Session) Start() {
	hello := ofp13.NewOfpHello()
	hello.Header.Xid = s.NextXid()
	s.Send(hello)

	s.scheduleEcho()
	go s.readLoop()
}

// Stop is idempotent: it cancels the echo timer, closes the socket,
// drops the send queue and invokes onClose exactly once. Must be called
// from the reactor goroutine.
func (s *Session) Stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.echoTimer != nil {
		s.echoTimer.Stop()
	}
	s.sendQueue = nil
	_ = s.conn.Close()
	if s.onClose != nil {
		s.onClose()
	}
}

// Stopped reports whether Stop has already run; I/O callbacks check this
// before touching session state, so a callback racing a teardown is
// safely discarded (spec.md §5's weak-reference suspension-point rule).
func (s *Session) Stopped() bool {
	return s.stopped
}

// Send enqueues a fully serialized message. If no write is currently in
// flight, a write goroutine is started immediately. Must be called from
// the reactor goroutine.
func (s *Session) Send(msg ofp13.OFMessage) {
	if s.stopped {
		return
	}
	s.sendQueue = append(s.sendQueue, msg.Serialize())
	s.pumpSendQueue()
}

func (s *Session) pumpSendQueue() {
	if s.writing || len(s.sendQueue) == 0 {
		return
	}
	s.writing = true
	buf := s.sendQueue[0]
	go func() {
		_, err := s.conn.Write(buf)
		s.poster.Post(func() {
			s.onWriteComplete(err)
		})
	}()
}

func (s *Session) onWriteComplete(err error) {
	if s.stopped {
		return
	}
	s.writing = false
	if err != nil {
		klog.Errorf("ofsession: write failed, closing session: %v", err)
		s.Stop()
		return
	}
	if len(s.sendQueue) > 0 {
		s.sendQueue = s.sendQueue[1:]
	}
	s.pumpSendQueue()
}

// readLoop runs on its own goroutine for the lifetime of the connection,
// decoding one framed message at a time and posting it back to the
// reactor. It never touches Session/Handler state directly.
func (s *Session) readLoop() {
	header := make([]byte, ofmsg.HeaderLen)
	for {
		if _, err := io.ReadFull(s.conn, header); err != nil {
			s.poster.Post(func() { s.onReadError(err) })
			return
		}

		length, err := ofmsg.PeekLength(header)
		if err != nil || length < ofmsg.HeaderLen {
			s.poster.Post(func() { s.onReadError(fmt.Errorf("malformed header length %d", length)) })
			return
		}

		body := make([]byte, length)
		copy(body, header)
		if _, err := io.ReadFull(s.conn, body[ofmsg.HeaderLen:]); err != nil {
			s.poster.Post(func() { s.onReadError(err) })
			return
		}

		msg, err := ofmsg.Decode(body)
		if err != nil {
			klog.Errorf("ofsession: dropping unparseable message: %v", err)
			continue
		}

		s.poster.Post(func() { s.handleFrame(msg) })
	}
}

func (s *Session) onReadError(err error) {
	if s.stopped {
		return
	}
	if errors.Is(err, io.EOF) {
		klog.Infof("ofsession: peer closed connection")
	} else {
		klog.Errorf("ofsession: read error, closing session: %v", err)
	}
	s.Stop()
}

func (s *Session) handleFrame(msg ofp13.OFMessage) {
	if s.stopped {
		return
	}

	switch m := msg.(type) {
	case *ofp13.OfpHello:
		// Nothing further to do; on a physical-switch session the
		// features request is sent by physwitch.Switch.Attach, and on a
		// tenant session the controller sends its own.
		_ = m
	case *ofp13.OfpHeader:
		switch m.Type {
		case ofp13.OFPT_ECHO_REQUEST:
			reply := ofp13.NewOfpEchoReply()
			reply.Xid = m.Xid
			s.Send(reply)
		case ofp13.OFPT_ECHO_REPLY:
			s.echoReceived = true
			s.echoOutstanding = false
		case ofp13.OFPT_EXPERIMENTER:
			klog.Infof("ofsession: ignoring experimenter message (out of scope)")
		default:
			s.handle.HandleMessage(s, msg)
		}
	default:
		s.handle.HandleMessage(s, msg)
	}
}

func (s *Session) scheduleEcho() {
	s.echoTimer = time.AfterFunc(s.echoInterval, func() {
		s.poster.Post(s.onEchoTick)
	})
}

// onEchoTick fires every echoInterval. If the echo request sent on the
// previous tick went unanswered, the session is terminated; otherwise a
// fresh echo request is sent and the cycle repeats.
func (s *Session) onEchoTick() {
	if s.stopped {
		return
	}
	if s.echoOutstanding && !s.echoReceived {
		klog.Warningf("ofsession: echo timeout, closing session")
		s.Stop()
		return
	}

	s.echoReceived = false
	s.echoOutstanding = true
	req := ofp13.NewOfpEchoRequest()
	req.Xid = s.NextXid()
	s.Send(req)
	s.scheduleEcho()
}
