package vswitch

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofhv/hypervisor/internal/physwitch"
	"github.com/ofhv/hypervisor/internal/slicecfg"
	"github.com/ofhv/hypervisor/internal/topology"
)

// fakePhysHypervisor satisfies physwitch.Hypervisor just enough to let a
// standalone *physwitch.Switch exist in a test without a real reactor.
type fakePhysHypervisor struct {
	topo *topology.Engine
}

func newFakePhysHypervisor() *fakePhysHypervisor {
	return &fakePhysHypervisor{
		topo: topology.NewEngine(time.Hour, 3, func(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) }),
	}
}

func (h *fakePhysHypervisor) Post(fn func())                { fn() }
func (h *fakePhysHypervisor) RegisterPhysical(sw *physwitch.Switch)   {}
func (h *fakePhysHypervisor) UnregisterPhysical(sw *physwitch.Switch) {}
func (h *fakePhysHypervisor) Topology() *topology.Engine              { return h.topo }
func (h *fakePhysHypervisor) TriggerRecompute()                       {}
func (h *fakePhysHypervisor) PhysicalSwitches() []*physwitch.Switch   { return nil }
func (h *fakePhysHypervisor) Slices() []*slicecfg.Slice               { return nil }
func (h *fakePhysHypervisor) LookupVSwitch(tagID uint32) (physwitch.VSwitchPeer, bool) {
	return nil, false
}

func newPhysicalSwitch(id int) *physwitch.Switch {
	sw := physwitch.NewSwitch(newFakePhysHypervisor())
	sw.InternalID = id
	sw.DatapathID = uint64(id)
	return sw
}

// fakeHypervisor satisfies vswitch.Hypervisor for tests.
type fakeHypervisor struct {
	posted    []func()
	physical  map[uint64]*physwitch.Switch
	dialConn  net.Conn
	dialErr   error
	dialCalls int
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{physical: make(map[uint64]*physwitch.Switch)}
}

func (h *fakeHypervisor) Post(fn func()) { h.posted = append(h.posted, fn); fn() }
func (h *fakeHypervisor) LookupPhysical(datapathID uint64) (*physwitch.Switch, bool) {
	sw, ok := h.physical[datapathID]
	return sw, ok
}
func (h *fakeHypervisor) Dial(addr string) (net.Conn, error) {
	h.dialCalls++
	return h.dialConn, h.dialErr
}

func testSlice() *slicecfg.Slice {
	return &slicecfg.Slice{ID: 1, ControllerHost: "127.0.0.1", ControllerPort: 6653}
}

func testConfig() slicecfg.VirtualSwitchConfig {
	return slicecfg.VirtualSwitchConfig{
		DatapathID: 0xaabb,
		Ports: []slicecfg.VirtualPort{
			{VirtualPortNo: 1, PhysicalDatapathID: 1, PhysicalPortNo: 10},
			{VirtualPortNo: 2, PhysicalDatapathID: 2, PhysicalPortNo: 20},
		},
	}
}

func TestReachableFalseWhenSliceNotStarted(t *testing.T) {
	hv := newFakeHypervisor()
	slice := testSlice()
	sw := New(hv, 7, slice, testConfig())
	assert.False(t, sw.reachable())
}

func TestReachableFalseWhenPhysicalSwitchUnregistered(t *testing.T) {
	hv := newFakeHypervisor()
	slice := testSlice()
	slice.SetStarted(true)
	sw := New(hv, 7, slice, testConfig())
	assert.False(t, sw.reachable())
}

func TestReachableRequiresMutualRouteBetweenBackingSwitches(t *testing.T) {
	hv := newFakeHypervisor()
	p1 := newPhysicalSwitch(1)
	p2 := newPhysicalSwitch(2)
	hv.physical[1] = p1
	hv.physical[2] = p2

	slice := testSlice()
	slice.SetStarted(true)
	sw := New(hv, 7, slice, testConfig())

	engine := topology.NewEngine(time.Hour, 3, func(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) })
	unlinked := engine.Recompute([]int{1, 2})
	p1.SetRoutes(unlinked)
	p2.SetRoutes(unlinked)
	assert.False(t, sw.reachable(), "no link between the backing switches yet: distance is infinite")

	engine.OnProbeReceived(1, 10, 2, 20)
	linked := engine.Recompute([]int{1, 2})
	p1.SetRoutes(linked)
	p2.SetRoutes(linked)
	assert.True(t, sw.reachable())
}

func TestCheckOnlineDrivesStateMachine(t *testing.T) {
	hv := newFakeHypervisor()
	p1 := newPhysicalSwitch(1)
	p2 := newPhysicalSwitch(2)
	hv.physical[1] = p1
	hv.physical[2] = p2

	engine := topology.NewEngine(time.Hour, 3, func(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) })
	engine.OnProbeReceived(1, 10, 2, 20)
	r := engine.Recompute([]int{1, 2})
	p1.SetRoutes(r)
	p2.SetRoutes(r)

	slice := testSlice()
	sw := New(hv, 7, slice, testConfig())
	require.Equal(t, StateDown, sw.State())

	// Slice not started yet: stays down even though reachable otherwise.
	sw.CheckOnline()
	assert.Equal(t, StateDown, sw.State())

	slice.SetStarted(true)
	hv.dialErr = assert.AnError
	sw.CheckOnline()
	assert.Equal(t, StateTryConnecting, sw.State(), "a failed dial stays in try_connecting and schedules a backed-off retry")
	sw.cancelReconnect()
}

func TestCheckOnlineConnectsOnSuccessfulDial(t *testing.T) {
	hv := newFakeHypervisor()
	p1 := newPhysicalSwitch(1)
	hv.physical[1] = p1

	engine := topology.NewEngine(time.Hour, 3, func(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) })
	r := engine.Recompute([]int{1})
	p1.SetRoutes(r)

	slice := testSlice()
	slice.SetStarted(true)
	cfg := slicecfg.VirtualSwitchConfig{
		DatapathID: 0x1,
		Ports:      []slicecfg.VirtualPort{{VirtualPortNo: 1, PhysicalDatapathID: 1, PhysicalPortNo: 10}},
	}
	sw := New(hv, 7, slice, cfg)

	client, server := net.Pipe()
	defer server.Close()
	hv.dialConn = client

	sw.CheckOnline()
	// connect dials on its own goroutine, so the transition lands after
	// CheckOnline returns.
	require.Eventually(t, func() bool { return sw.State() == StateConnected }, time.Second, time.Millisecond)
	require.NotNil(t, sw.sess)
}

func TestSynthesizedFeaturesCarriesConfiguredDatapathAndPorts(t *testing.T) {
	hv := newFakeHypervisor()
	slice := testSlice()
	cfg := testConfig()
	sw := New(hv, 7, slice, cfg)

	f := sw.synthesizedFeatures(99)
	assert.Equal(t, uint32(99), f.Xid)
	assert.Equal(t, cfg.DatapathID, f.DatapathId)
	assert.Len(t, f.Ports, len(cfg.Ports))
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	hv := newFakeHypervisor()
	slice := testSlice()
	sw := New(hv, 7, slice, testConfig())
	sw.backoff = initialBackoff
	sw.state = StateTryConnecting

	for i := 0; i < 10; i++ {
		sw.scheduleRetry()
	}
	assert.Equal(t, maxBackoff, sw.backoff)
	sw.cancelReconnect()
}
