package vswitch

import (
	"net"
	"testing"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofhv/hypervisor/internal/ofsession"
	"github.com/ofhv/hypervisor/internal/physwitch"
	"github.com/ofhv/hypervisor/internal/slicecfg"
)

// newTestSession wires sw up with a live session over an in-memory pipe
// and drains whatever it writes, so reply-sending code paths can run
// without a real tenant controller on the other end.
func newTestSession(t *testing.T, sw *Switch) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	sess := ofsession.New(server, newFakeHypervisor(), sw, func() {})
	sw.sess = sess
	sess.Start()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := client.Read(buf); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		sess.Stop()
		client.Close()
	})
	return client
}

func twoSwitchFixture() (*fakeHypervisor, *physwitch.Switch, *physwitch.Switch, *Switch) {
	hv := newFakeHypervisor()
	p1 := newPhysicalSwitch(1)
	p2 := newPhysicalSwitch(2)
	hv.physical[1] = p1
	hv.physical[2] = p2

	slice := testSlice()
	cfg := slicecfg.VirtualSwitchConfig{
		DatapathID: 0xaabb,
		Ports: []slicecfg.VirtualPort{
			{VirtualPortNo: 1, PhysicalDatapathID: 1, PhysicalPortNo: 10},
			{VirtualPortNo: 2, PhysicalDatapathID: 2, PhysicalPortNo: 20},
		},
	}
	sw := New(hv, 7, slice, cfg)
	return hv, p1, p2, sw
}

func TestLookupTenantPortResolvesConfiguredPort(t *testing.T) {
	_, _, _, sw := twoSwitchFixture()

	dest, ok := sw.lookupTenantPort(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), dest.PhysicalDatapathID)
	assert.Equal(t, uint32(10), dest.PhysicalPortNo)

	_, ok = sw.lookupTenantPort(99)
	assert.False(t, ok)
}

func TestRewriteActionsForSwitchLocalOutput(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	orig := []ofp13.OfpAction{ofp13.NewOfpActionOutput(1, ofp13.OFPCML_NO_BUFFER)}
	out, err := sw.rewriteActionsForSwitch(orig, p1)
	require.NoError(t, err)
	require.Len(t, out, 1)

	groupAction, ok := out[0].(*ofp13.OfpActionGroup)
	require.True(t, ok, "an output to a tenant port must become a group action")
	assert.NotZero(t, groupAction.GroupId)
}

func TestRewriteActionsForSwitchRemoteOutputChainsThroughForwardGroup(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	// Port 2 lives on physical switch 2; rewriting for p1 must produce a
	// group that chains across the substrate.
	orig := []ofp13.OfpAction{ofp13.NewOfpActionOutput(2, ofp13.OFPCML_NO_BUFFER)}
	out, err := sw.rewriteActionsForSwitch(orig, p1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, ok := out[0].(*ofp13.OfpActionGroup)
	assert.True(t, ok)
}

func TestRewriteActionsForSwitchPassesThroughReservedPorts(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	orig := []ofp13.OfpAction{ofp13.NewOfpActionOutput(ofp13.OFPP_CONTROLLER, ofp13.OFPCML_NO_BUFFER)}
	out, err := sw.rewriteActionsForSwitch(orig, p1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	outputAction, ok := out[0].(*ofp13.OfpActionOutput)
	require.True(t, ok, "CONTROLLER output must not be rewritten into a group")
	assert.Equal(t, uint32(ofp13.OFPP_CONTROLLER), outputAction.Port)
}

func TestRewriteActionsForSwitchUnknownTenantPortErrors(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	orig := []ofp13.OfpAction{ofp13.NewOfpActionOutput(55, ofp13.OFPCML_NO_BUFFER)}
	_, err := sw.rewriteActionsForSwitch(orig, p1)
	assert.Error(t, err)
}

func TestRewriteInstructionsForSwitchShiftsGotoTable(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	orig := []ofp13.OfpInstruction{ofp13.NewOfpInstructionGotoTable(3)}
	out, err := sw.rewriteInstructionsForSwitch(orig, p1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	goTo, ok := out[0].(*ofp13.OfpInstructionGotoTable)
	require.True(t, ok)
	assert.Equal(t, uint8(3)+tableOffset, goTo.TableId)
}

func TestRewriteInstructionsForSwitchShiftsWriteMetadata(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	orig := []ofp13.OfpInstruction{ofp13.NewOfpInstructionWriteMetadata(0x1, 0xff)}
	out, err := sw.rewriteInstructionsForSwitch(orig, p1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	wm, ok := out[0].(*ofp13.OfpInstructionWriteMetadata)
	require.True(t, ok)
	assert.NotEqual(t, uint64(0xff), wm.Mask, "a tenant mask must be shifted above the hypervisor's own metadata bits")
}

func TestRewriteInstructionsForSwitchRejectsReservedMetadataBits(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	// A mask wide enough to collide with bits the shift would push out
	// of the 64-bit register must be rejected rather than silently
	// truncated.
	orig := []ofp13.OfpInstruction{ofp13.NewOfpInstructionWriteMetadata(0, ^uint64(0))}
	_, err := sw.rewriteInstructionsForSwitch(orig, p1)
	assert.Error(t, err)
}

func TestRewriteInstructionsForSwitchWriteActionsRewritesLoneOutput(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	apply := ofp13.NewOfpInstructionActions(ofp13.OFPIT_WRITE_ACTIONS)
	apply.Actions = append(apply.Actions, ofp13.NewOfpActionOutput(1, ofp13.OFPCML_NO_BUFFER))

	out, err := sw.rewriteInstructionsForSwitch([]ofp13.OfpInstruction{apply}, p1)
	require.NoError(t, err)
	require.Len(t, out, 1, "no group action present means no group-taken metadata instruction is added")

	rewritten, ok := out[0].(*ofp13.OfpInstructionActions)
	require.True(t, ok)
	require.Len(t, rewritten.Actions, 1)
	_, isGroup := rewritten.Actions[0].(*ofp13.OfpActionGroup)
	assert.True(t, isGroup, "the sole output action is rewritten into a group, same as apply-actions")
}

func TestRewriteInstructionsForSwitchWriteActionsGroupTakenDropsOutputAndMarksMetadata(t *testing.T) {
	_, p1, _, sw := twoSwitchFixture()

	apply := ofp13.NewOfpInstructionActions(ofp13.OFPIT_WRITE_ACTIONS)
	apply.Actions = append(apply.Actions,
		ofp13.NewOfpActionOutput(1, ofp13.OFPCML_NO_BUFFER),
		ofp13.NewOfpActionGroup(3))

	out, err := sw.rewriteInstructionsForSwitch([]ofp13.OfpInstruction{apply}, p1)
	require.NoError(t, err)
	require.Len(t, out, 2, "a tenant group action must add the hypervisor's own write-metadata instruction")

	rewritten, ok := out[0].(*ofp13.OfpInstructionActions)
	require.True(t, ok)
	require.Len(t, rewritten.Actions, 1, "without_output drops the output action once a group action is present")
	_, isGroup := rewritten.Actions[0].(*ofp13.OfpActionGroup)
	assert.True(t, isGroup)

	wm, ok := out[1].(*ofp13.OfpInstructionWriteMetadata)
	require.True(t, ok)
	assert.Equal(t, uint64(1), wm.Value&1, "group-taken bit must be set")
	assert.Equal(t, uint64(1), wm.Mask&1)
}

func TestHandleMultipartRequestPortDescReturnsConfiguredPorts(t *testing.T) {
	_, _, _, sw := twoSwitchFixture()
	newTestSession(t, sw)

	req := ofp13.NewOfpMultipartRequest(ofp13.OFPMP_PORT_DESC)
	req.Xid = 5
	assert.NotPanics(t, func() { sw.handleMultipartRequest(req) })
}

func TestHandleMultipartRequestRejectsUnsupportedType(t *testing.T) {
	_, _, _, sw := twoSwitchFixture()
	newTestSession(t, sw)

	req := ofp13.NewOfpMultipartRequest(ofp13.OFPMP_FLOW)
	req.Xid = 5
	assert.NotPanics(t, func() { sw.handleMultipartRequest(req) })
}

func TestRewriteAndRelayFlowModRewritesInPortToPhysicalPort(t *testing.T) {
	_, _, _, sw := twoSwitchFixture()
	newTestSession(t, sw)

	match := ofp13.NewOfpMatch()
	match.Append(ofp13.NewOxmInPort(1))
	flow := ofp13.NewOfpFlowModAdd(0, 0, 0, 100, 0, match, nil)

	assert.NotPanics(t, func() { sw.rewriteAndRelayFlowMod(flow) })

	rewrittenPort, ok := flow.Match.InPort()
	require.True(t, ok)
	assert.Equal(t, uint32(10), rewrittenPort, "in_port is rewritten in place to the physical port backing tenant port 1")
}

func TestRewriteAndRelayPacketOutFromTenantPort(t *testing.T) {
	_, _, _, sw := twoSwitchFixture()
	newTestSession(t, sw)

	out := ofp13.NewOfpPacketOut(ofp13.OFP_NO_BUFFER, 1, nil,
		[]ofp13.OfpAction{ofp13.NewOfpActionOutput(2, ofp13.OFPCML_NO_BUFFER)})
	assert.NotPanics(t, func() { sw.rewriteAndRelayPacketOut(out) })
}
