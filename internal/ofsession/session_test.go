package ofsession

import (
	"net"
	"testing"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofhv/hypervisor/internal/ofmsg"
)

// syncPoster runs posted closures immediately on the calling goroutine,
// good enough to exercise Session's logic without a real reactor.
type syncPoster struct{}

func (syncPoster) Post(fn func()) { fn() }

type recordingHandler struct {
	messages []ofp13.OFMessage
}

func (h *recordingHandler) HandleMessage(_ *Session, msg ofp13.OFMessage) {
	h.messages = append(h.messages, msg)
}

func readFramed(t *testing.T, conn net.Conn) ofp13.OFMessage {
	t.Helper()
	header := make([]byte, ofmsg.HeaderLen)
	_, err := conn.Read(header)
	require.NoError(t, err)
	length, err := ofmsg.PeekLength(header)
	require.NoError(t, err)

	body := make([]byte, length)
	copy(body, header)
	if length > ofmsg.HeaderLen {
		_, err = conn.Read(body[ofmsg.HeaderLen:])
		require.NoError(t, err)
	}
	msg, err := ofmsg.Decode(body)
	require.NoError(t, err)
	return msg
}

func TestStartSendsHello(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	handler := &recordingHandler{}
	closed := false
	sess := New(server, syncPoster{}, handler, func() { closed = true })
	sess.SetEchoInterval(time.Hour)

	done := make(chan struct{})
	go func() {
		sess.Start()
		close(done)
	}()

	msg := readFramed(t, client)
	_, ok := msg.(*ofp13.OfpHello)
	assert.True(t, ok, "expected hello, got %T", msg)
	<-done
	assert.False(t, closed)
}

func TestEchoRequestGetsReply(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	handler := &recordingHandler{}
	sess := New(server, syncPoster{}, handler, func() {})
	sess.SetEchoInterval(time.Hour)

	go sess.Start()
	_ = readFramed(t, client) // hello

	req := ofp13.NewOfpEchoRequest()
	req.Xid = 42
	go func() { _, _ = client.Write(req.Serialize()) }()

	reply := readFramed(t, client)
	hdr, ok := reply.(*ofp13.OfpHeader)
	require.True(t, ok, "expected echo reply header, got %T", reply)
	assert.Equal(t, uint8(ofp13.OFPT_ECHO_REPLY), hdr.Type)
	assert.Equal(t, uint32(42), hdr.Xid)
}

func TestStopIsIdempotentAndInvokesOnClose(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	handler := &recordingHandler{}
	closeCount := 0
	sess := New(server, syncPoster{}, handler, func() { closeCount++ })
	sess.Stop()
	sess.Stop()
	assert.Equal(t, 1, closeCount)
	assert.True(t, sess.Stopped())
}
