package physwitch

import (
	"testing"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofhv/hypervisor/internal/slicecfg"
	"github.com/ofhv/hypervisor/internal/topology"
)

type fakePeer struct {
	tagID   uint32
	sliceID uint8

	statuses []*ofp13.OfpPortStatus
	replies  []ofp13.OFMessage
	pktIns   []*ofp13.OfpPacketIn
}

func (p *fakePeer) TagID() uint32  { return p.tagID }
func (p *fakePeer) SliceID() uint8 { return p.sliceID }
func (p *fakePeer) ForwardPortStatus(physicalDatapathID uint64, msg *ofp13.OfpPortStatus) {
	p.statuses = append(p.statuses, msg)
}
func (p *fakePeer) ForwardReply(originalXid uint32, msg ofp13.OFMessage) {
	p.replies = append(p.replies, msg)
}
func (p *fakePeer) ForwardPacketIn(msg *ofp13.OfpPacketIn) {
	p.pktIns = append(p.pktIns, msg)
}

type fakeHypervisor struct {
	topo     *topology.Engine
	peers    map[uint32]*fakePeer
	recomputed int
	slices   []*slicecfg.Slice
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{
		topo:  topology.NewEngine(time.Hour, 3, func(d time.Duration, fn func()) *time.Timer { return time.AfterFunc(d, fn) }),
		peers: make(map[uint32]*fakePeer),
	}
}

func (h *fakeHypervisor) Post(fn func())                     { fn() }
func (h *fakeHypervisor) RegisterPhysical(sw *Switch)         {}
func (h *fakeHypervisor) UnregisterPhysical(sw *Switch)       {}
func (h *fakeHypervisor) Topology() *topology.Engine          { return h.topo }
func (h *fakeHypervisor) TriggerRecompute()                   { h.recomputed++ }
func (h *fakeHypervisor) PhysicalSwitches() []*Switch         { return nil }
func (h *fakeHypervisor) Slices() []*slicecfg.Slice           { return h.slices }
func (h *fakeHypervisor) LookupVSwitch(tagID uint32) (VSwitchPeer, bool) {
	p, ok := h.peers[tagID]
	if !ok {
		return nil, false
	}
	return p, true
}

func TestDesiredRuleStateTransitions(t *testing.T) {
	hv := newFakeHypervisor()
	sw := NewSwitch(hv)
	sw.InternalID = 1
	port := &Port{PortNo: 1}
	sw.ports[1] = port

	assert.Equal(t, DropRule, sw.desiredRuleState(port))

	sw.RegisterInterest(1, 42)
	assert.Equal(t, HostRule, sw.desiredRuleState(port))

	sw.RemoveInterest(1, 42)
	assert.Equal(t, DropRule, sw.desiredRuleState(port))

	link, _ := hv.topo.OnProbeReceived(1, 1, 2, 5)
	port.Link = link
	assert.Equal(t, LinkRule, sw.desiredRuleState(port))
}

func TestUpdateDynamicRulesForPortIsNoOpWhenUnchanged(t *testing.T) {
	hv := newFakeHypervisor()
	sw := NewSwitch(hv)
	sw.InternalID = 1
	port := &Port{PortNo: 1}
	sw.ports[1] = port

	sw.updateDynamicRulesForPort(port)
	assert.Equal(t, DropRule, port.RuleState)

	// Calling again with nothing changed must not panic or flip state.
	sw.updateDynamicRulesForPort(port)
	assert.Equal(t, DropRule, port.RuleState)
}

func TestRegisterInterestAmbiguousPortFallsBackToDrop(t *testing.T) {
	hv := newFakeHypervisor()
	sw := NewSwitch(hv)
	sw.InternalID = 1
	port := &Port{PortNo: 1}
	sw.ports[1] = port

	sw.RegisterInterest(1, 42)
	sw.RegisterInterest(1, 43) // a second tenant claiming the same port
	sw.updateDynamicRulesForPort(port)
	assert.Equal(t, DropRule, port.RuleState)
}

func TestOnPortStatusForwardsToInterestedVSwitchOnly(t *testing.T) {
	hv := newFakeHypervisor()
	interested := &fakePeer{tagID: 7}
	uninterested := &fakePeer{tagID: 8}
	hv.peers[7] = interested
	hv.peers[8] = uninterested

	sw := NewSwitch(hv)
	sw.InternalID = 1
	sw.ports[1] = &Port{PortNo: 1}
	sw.RegisterInterest(1, 7)

	status := &ofp13.OfpPortStatus{Reason: ofp13.OFPPR_MODIFY, Desc: ofp13.OfpPort{PortNo: 1}}
	sw.onPortStatus(status)

	require.Len(t, interested.statuses, 1)
	assert.Empty(t, uninterested.statuses)
}

func TestOnPortStatusDeleteRemovesPortAndLink(t *testing.T) {
	hv := newFakeHypervisor()
	sw := NewSwitch(hv)
	sw.InternalID = 1
	link, _ := hv.topo.OnProbeReceived(1, 1, 2, 5)
	sw.ports[1] = &Port{PortNo: 1, Link: link}

	status := &ofp13.OfpPortStatus{Reason: ofp13.OFPPR_DELETE, Desc: ofp13.OfpPort{PortNo: 1}}
	sw.onPortStatus(status)

	_, stillPresent := sw.ports[1]
	assert.False(t, stillPresent)
	assert.Equal(t, 1, hv.recomputed)
}

func TestXidTranslatorRoundTrip(t *testing.T) {
	hv := newFakeHypervisor()
	peer := &fakePeer{tagID: 9}
	hv.peers[9] = peer
	sw := NewSwitch(hv)

	xt := newXidTranslator()
	xt.record(100, 5, 9)

	resolved, orig, ok := xt.resolve(sw, 100)
	require.True(t, ok)
	assert.Equal(t, uint32(5), orig)
	assert.Equal(t, peer, resolved)

	// Single-shot: resolving twice fails the second time.
	_, _, ok = xt.resolve(sw, 100)
	assert.False(t, ok)
}

func TestXidTranslatorDropsWhenPeerGone(t *testing.T) {
	hv := newFakeHypervisor()
	sw := NewSwitch(hv)

	xt := newXidTranslator()
	xt.record(1, 2, 999) // 999 never registered
	_, _, ok := xt.resolve(sw, 1)
	assert.False(t, ok)
}
