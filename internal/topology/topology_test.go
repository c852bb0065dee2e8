package topology

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEngine builds an Engine whose schedule arms a plain real timer;
// tests use a short period and real timers rather than firing callbacks
// by hand.
func testEngine(t *testing.T, period time.Duration, liveness int) *Engine {
	t.Helper()
	return NewEngine(period, liveness, func(d time.Duration, fn func()) *time.Timer {
		return time.AfterFunc(d, fn)
	})
}

func TestOnProbeReceivedCreatesSymmetricLink(t *testing.T) {
	changed := 0
	e := testEngine(t, time.Hour, 3)
	e.OnTopologyChanged = func() { changed++ }

	link, isNew := e.OnProbeReceived(1, 10, 2, 20)
	require.True(t, isNew)
	assert.Equal(t, 1, changed)

	other, ok := link.Other(1)
	require.True(t, ok)
	assert.Equal(t, Endpoint{SwitchID: 2, Port: 20}, other)

	other, ok = link.Other(2)
	require.True(t, ok)
	assert.Equal(t, Endpoint{SwitchID: 1, Port: 10}, other)

	// A probe from the other direction refreshes the same link rather
	// than creating a second one.
	_, isNew = e.OnProbeReceived(2, 20, 1, 10)
	assert.False(t, isNew)
	assert.Len(t, e.Links(), 1)
}

func TestLinkExpiresAfterLivenessTimeout(t *testing.T) {
	e := testEngine(t, 10*time.Millisecond, 2)
	changedCh := make(chan struct{}, 8)
	e.OnTopologyChanged = func() { changedCh <- struct{}{} }

	e.OnProbeReceived(1, 1, 2, 1)
	<-changedCh // creation

	select {
	case <-changedCh:
	case <-time.After(time.Second):
		t.Fatal("link never expired")
	}
	assert.Empty(t, e.Links())
}

func TestRecomputeTwoSwitchDirectLink(t *testing.T) {
	e := testEngine(t, time.Hour, 3)
	e.OnProbeReceived(1, 10, 2, 20)

	routes := e.Recompute([]int{1, 2})
	assert.Equal(t, 1, routes.Dist[1][2])
	assert.Equal(t, 1, routes.Dist[2][1])
	assert.Equal(t, uint32(10), routes.Next[1][2])
	assert.Equal(t, uint32(20), routes.Next[2][1])
}

func TestRecomputeThreeSwitchChain(t *testing.T) {
	e := testEngine(t, time.Hour, 3)
	e.OnProbeReceived(1, 10, 2, 21) // 1 <-> 2
	e.OnProbeReceived(2, 22, 3, 30) // 2 <-> 3

	routes := e.Recompute([]int{1, 2, 3})
	require.Equal(t, 2, routes.Dist[1][3])
	// Following next 2 hops from 1 must reach 3.
	firstHopPort := routes.Next[1][3]
	assert.Equal(t, uint32(10), firstHopPort) // toward switch 2
	secondHopPort := routes.Next[2][3]
	assert.Equal(t, uint32(22), secondHopPort) // switch 2's port toward 3
}

func TestRecomputeUnreachableIsInfinite(t *testing.T) {
	e := testEngine(t, time.Hour, 3)
	routes := e.Recompute([]int{1, 2})
	assert.Equal(t, Infinite, routes.Dist[1][2])
}

func TestProbeRoundTrip(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	frame, err := EncodeProbe(mac, 7, 3)
	require.NoError(t, err)

	id, port, err := DecodeProbe(frame)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	assert.Equal(t, uint32(3), port)
}

func TestDecodeProbeRejectsBadMagic(t *testing.T) {
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	frame, err := EncodeProbe(mac, 1, 1)
	require.NoError(t, err)
	frame[14] ^= 0xFF // corrupt first payload byte (magic)

	_, _, err = DecodeProbe(frame)
	assert.Error(t, err)
}
