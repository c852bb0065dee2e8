package physwitch

import (
	"net"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/slicecfg"
	"github.com/ofhv/hypervisor/internal/tag"
	"github.com/ofhv/hypervisor/internal/topology"
)

// ControllerGroupID is the reserved indirect group every table installs
// a bucket forwarding to the controller for, so rules that want "send a
// copy to the controller" never have to special-case OFPP_CONTROLLER
// against the group-taken accounting the tenant pipeline relies on.
const ControllerGroupID uint32 = 0

// Static rule priorities. Higher wins.
const (
	priorityProbe    = 60000
	priorityLoopback = 50000
	priorityTableMiss = 0
)

// Dynamic (per-port) rule priority; all ports sit at one priority since
// table 0 matches on in_port alone.
const priorityPortDemux = 100

// Table 1 dynamic rule priorities (spec.md §4.4): local-egress rules
// sit below shared-link ingress rules, which must win over a
// local-egress rule that happens to also match a packet still carrying
// its link sentinel tag.
const (
	priorityLocalEgress = 10
	priorityLinkIngress = 30
)

// OutputTarget describes where a per-virtual-switch-port output group's
// single bucket should deliver a packet: directly out a local port, or
// across the substrate toward the physical switch hosting a remote
// virtual port, re-tagged with that port's (slice, tenant port) pair.
type OutputTarget struct {
	Local          bool
	LocalPort      uint32
	RemoteSwitchID int
	RemoteSlice    uint8
	RemoteTenant   uint8
}

// groupTable is the monotonic group-id allocator and bucket cache for
// one physical switch. Group ids are never reused within a switch's
// lifetime; a torn-down virtual switch just leaves its entries
// unreferenced until the session ends. A reconnecting physical switch
// gets a new Switch, and with it a fresh groupTable.
type groupTable struct {
	nextID uint32

	output  map[uint32]map[uint32]uint32 // vswitchTagID -> virtualPort -> groupID
	forward map[int]uint32               // destSwitchInternalID -> groupID
	sent    map[uint32]bool              // groupID -> ADD already sent (vs MODIFY)
}

func newGroupTable() *groupTable {
	return &groupTable{
		nextID:  ControllerGroupID + 1,
		output:  make(map[uint32]map[uint32]uint32),
		forward: make(map[int]uint32),
		sent:    make(map[uint32]bool),
	}
}

func (g *groupTable) alloc() uint32 {
	id := g.nextID
	g.nextID++
	return id
}

// installStaticRules programs the rules and groups every physical
// switch carries regardless of tenant configuration: the
// controller-forwarding group, the topology-probe trap, the table-miss
// trap, the loopback-prevention drop, and one drop meter per configured
// slice (spec.md §4.2, §4.6).
func (sw *Switch) installStaticRules() {
	controllerBucket := ofp13.NewOfpBucket(0, ofp13.OFPP_ANY, ofp13.OFPG_ANY)
	controllerBucket.Actions = append(controllerBucket.Actions, ofp13.NewOfpActionOutput(ofp13.OFPP_CONTROLLER, ofp13.OFPCML_NO_BUFFER))
	controllerGroup := ofp13.NewOfpGroupMod(ofp13.OFPGC_ADD, ofp13.OFPGT_INDIRECT, ControllerGroupID)
	controllerGroup.Buckets = []*ofp13.OfpBucket{controllerBucket}
	sw.Send(controllerGroup)
	sw.groups.sent[ControllerGroupID] = true

	probeMatch := ofp13.NewOfpMatch()
	probeMatch.Append(ofp13.NewOxmEthType(topology.ProbeEtherType))
	probeInstr := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
	probeInstr.Actions = append(probeInstr.Actions, ofp13.NewOfpActionGroup(ControllerGroupID))
	probe := ofp13.NewOfpFlowModAdd(CookieTopologyProbe, 0, TableDemux, priorityProbe, 0, probeMatch,
		[]ofp13.OfpInstruction{probeInstr})
	sw.Send(probe)

	loopbackMatch := ofp13.NewOfpMatch()
	loopbackMatch.Append(ofp13.NewOxmEthDst(sw.probeMAC[:]))
	loopback := ofp13.NewOfpFlowModAdd(CookieLoopback, 0, TableDemux, priorityLoopback, 0, loopbackMatch, nil)
	sw.Send(loopback)

	missInstr := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
	missInstr.Actions = append(missInstr.Actions, ofp13.NewOfpActionGroup(ControllerGroupID))
	miss := ofp13.NewOfpFlowModAdd(CookieErrorTrap, 0, TableDemux, priorityTableMiss, 0, ofp13.NewOfpMatch(),
		[]ofp13.OfpInstruction{missInstr})
	sw.Send(miss)

	for _, slice := range sw.hv.Slices() {
		sw.installSliceMeter(slice)
	}
}

func (sw *Switch) installSliceMeter(slice *slicecfg.Slice) {
	band := ofp13.NewOfpMeterBandDrop(slice.MaxRatePPS, 0)
	meter := ofp13.NewOfpMeterMod(ofp13.OFPMC_ADD, ofp13.OFPMF_PKTPS, slice.MeterID())
	meter.Bands = append(meter.Bands, band)
	sw.Send(meter)
}

// sendFlowModDeleteAll wipes every flow currently installed on the
// switch across all tables, undoing anything left over from a previous
// hypervisor instance or a crash mid-update (spec.md §4.1).
func (sw *Switch) sendFlowModDeleteAll() {
	del := ofp13.NewOfpFlowModDelete(0, 0, ofp13.OFPTT_ALL, ofp13.OFPP_ANY, ofp13.OFPG_ANY, ofp13.NewOfpMatch())
	sw.Send(del)
}

// desiredRuleState computes what a port's table-0 demux rule should be
// given its current link/interest bookkeeping.
func (sw *Switch) desiredRuleState(p *Port) RuleState {
	if p.Link != nil {
		return LinkRule
	}
	if len(sw.neededPorts[p.PortNo]) > 0 {
		return HostRule
	}
	return DropRule
}

// resolveDesiredState computes a port's desired rule state, folding in
// the ambiguous-interest fallback (a host port more than one virtual
// switch claims cannot be represented by a pure in_port demux, so it is
// dropped instead, with a warning) so every caller — table 0, table 1
// local-egress, table 1 shared-link ingress — agrees on the same state.
func (sw *Switch) resolveDesiredState(p *Port) RuleState {
	desired := sw.desiredRuleState(p)
	if desired == HostRule {
		if _, ok := sw.solePortInterest(p.PortNo); !ok {
			klog.Warningf("physwitch %d: port %d is claimed by more than one tenant, installing a drop rule", sw.InternalID, p.PortNo)
			return DropRule
		}
	}
	return desired
}

// updateDynamicRulesForPort (re)installs p's table-0 demux rule and
// table-1 local-egress rule if its desired state changed, and
// (re)installs p's table-1 shared-link ingress rules whenever p is
// currently a link (whether or not its RuleState just transitioned,
// since neededPorts[p] can change independently of link state) —
// spec.md §4.4's three dynamic per-port rule families.
func (sw *Switch) updateDynamicRulesForPort(p *Port) {
	desired := sw.resolveDesiredState(p)
	previous := p.RuleState

	if desired != previous {
		sw.updateTable0Rule(p, desired, previous)
		sw.updateLocalEgressRule(p, desired, previous)
		p.RuleState = desired
	}

	switch {
	case desired == LinkRule:
		sw.updateLinkIngressRules(p)
	case previous == LinkRule:
		sw.clearLinkIngressRules(p)
	}
}

// updateTable0Rule (re)installs the table-0 in-port demux rule for a
// state transition. A drop_rule port still gets an installed rule with
// no instructions — a packet arriving on it simply has nothing to do
// and falls off the pipeline, rather than being left to hit table 0's
// miss rule, which forwards to the controller (spec.md §4.4).
func (sw *Switch) updateTable0Rule(p *Port, desired, previous RuleState) {
	command := ofp13.OFPFC_MODIFY_STRICT
	if previous == NoRule {
		command = ofp13.OFPFC_ADD
	}

	match := ofp13.NewOfpMatch()
	match.Append(ofp13.NewOxmInPort(p.PortNo))

	if desired == HostRule {
		tagID, _ := sw.solePortInterest(p.PortNo)
		meta := tag.MetadataTag{VSwitchID: tagID}
		flow := ofp13.NewOfpFlowModAdd(0, 0, TableDemux, priorityPortDemux, 0, match, nil)
		flow.Command = command
		meta.AddToInstructions(flow)
		flow.Instructions = append(flow.Instructions, ofp13.NewOfpInstructionGotoTable(TableTenant0))
		sw.Send(flow)
		return
	}

	var instructions []ofp13.OfpInstruction
	if desired == LinkRule {
		instructions = []ofp13.OfpInstruction{ofp13.NewOfpInstructionGotoTable(TableTransit)}
	}
	// desired == DropRule: instructions stays nil — an installed rule
	// with no instructions, which drops (spec.md §4.4).

	flow := ofp13.NewOfpFlowModAdd(0, 0, TableDemux, priorityPortDemux, 0, match, instructions)
	flow.Command = command
	sw.Send(flow)
}

// hasEgressRule reports whether a rule state carries a table-1
// local-egress rule: both host_rule and link_rule ports are reachable
// as a destination's literal physical port, so both get one.
func hasEgressRule(s RuleState) bool {
	return s == HostRule || s == LinkRule
}

// updateLocalEgressRule installs, modifies or deletes p's table-1
// local-egress rule for a state transition (spec.md §4.4).
func (sw *Switch) updateLocalEgressRule(p *Port, desired, previous RuleState) {
	wantEgress := hasEgressRule(desired)
	hadEgress := hasEgressRule(previous)

	if !wantEgress {
		if hadEgress {
			sw.sendLocalEgressRule(p, previous, ofp13.OFPFC_DELETE_STRICT)
		}
		return
	}

	command := ofp13.OFPFC_MODIFY_STRICT
	if !hadEgress {
		command = ofp13.OFPFC_ADD
	}
	sw.sendLocalEgressRule(p, desired, command)
}

// sendLocalEgressRule installs the one-rule-per-local-port table-1
// local-egress rule (priority 10, cookie = port number), matching the
// VLAN PortVLANTag{port=p} regardless of slice: a host-bound port pops
// the VLAN and delivers locally; a link-bound port rewrites the tag to
// the shared-link sentinel (retaining whatever slice the packet
// already carries) and forwards out the same port onward across the
// substrate (spec.md §4.4).
func (sw *Switch) sendLocalEgressRule(p *Port, state RuleState, command uint8) {
	match := ofp13.NewOfpMatch()
	tag.AddPortOnlyToMatch(uint8(p.PortNo), match)

	var instructions []ofp13.OfpInstruction
	if command != ofp13.OFPFC_DELETE_STRICT {
		apply := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		switch state {
		case HostRule:
			apply.Actions = append(apply.Actions, ofp13.NewOfpActionPopVlan())
		case LinkRule:
			tag.RewritePortField(tag.MaxPortID, apply)
		}
		apply.Actions = append(apply.Actions, ofp13.NewOfpActionOutput(p.PortNo, ofp13.OFPCML_NO_BUFFER))
		instructions = []ofp13.OfpInstruction{apply}
	}

	flow := ofp13.NewOfpFlowModAdd(uint64(p.PortNo), 0, TableTransit, priorityLocalEgress, 0, match, instructions)
	flow.Command = command
	sw.Send(flow)
}

// updateLinkIngressRules installs or removes table-1 shared-link
// ingress rules (priority 30) for port p so they track neededPorts[p]
// exactly: one rule per interested virtual switch, matching
// in_port=p, VLAN=PortVLANTag{slice=S, port=max_port_id}, popping the
// VLAN and handing the packet to that virtual switch's tenant tables
// (spec.md §4.4). Called whenever p is a link, whether or not its
// RuleState just changed, since interest can shift independently.
func (sw *Switch) updateLinkIngressRules(p *Port) {
	wanted := sw.neededPorts[p.PortNo]
	installed, ok := sw.ingressRules[p.PortNo]
	if !ok {
		installed = make(map[uint32]bool)
		sw.ingressRules[p.PortNo] = installed
	}

	for tagID := range wanted {
		if installed[tagID] {
			continue
		}
		if sw.sendLinkIngressRule(p, tagID, ofp13.OFPFC_ADD) {
			installed[tagID] = true
		}
	}
	for tagID := range installed {
		if _, stillWanted := wanted[tagID]; !stillWanted {
			sw.sendLinkIngressRule(p, tagID, ofp13.OFPFC_DELETE_STRICT)
			delete(installed, tagID)
		}
	}
}

// clearLinkIngressRules removes every shared-link ingress rule
// currently tracked for p, e.g. when its link goes away.
func (sw *Switch) clearLinkIngressRules(p *Port) {
	installed, ok := sw.ingressRules[p.PortNo]
	if !ok {
		return
	}
	for tagID := range installed {
		sw.sendLinkIngressRule(p, tagID, ofp13.OFPFC_DELETE_STRICT)
	}
	delete(sw.ingressRules, p.PortNo)
}

func (sw *Switch) sendLinkIngressRule(p *Port, tagID uint32, command uint8) bool {
	peer, ok := sw.hv.LookupVSwitch(tagID)
	if !ok {
		return false
	}

	match := ofp13.NewOfpMatch()
	match.Append(ofp13.NewOxmInPort(p.PortNo))
	tag.AddToMatch(tag.PortVLANTag{Slice: peer.SliceID(), Port: tag.MaxPortID}, match)

	flow := ofp13.NewOfpFlowModAdd(0, 0, TableTransit, priorityLinkIngress, 0, match, nil)
	flow.Command = command
	if command != ofp13.OFPFC_DELETE_STRICT {
		apply := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		apply.Actions = append(apply.Actions, ofp13.NewOfpActionPopVlan())
		flow.Instructions = append(flow.Instructions, apply)
		meta := tag.MetadataTag{VSwitchID: tagID}
		meta.AddToInstructions(flow)
		flow.Instructions = append(flow.Instructions, ofp13.NewOfpInstructionGotoTable(TableTenant0))
	}
	sw.Send(flow)
	return true
}

// solePortInterest returns the single virtual switch tag id interested
// in port p. Shared physical ports across multiple virtual switches are
// not representable by a pure in_port demux and are rejected.
func (sw *Switch) solePortInterest(p uint32) (uint32, bool) {
	set := sw.neededPorts[p]
	if len(set) != 1 {
		return 0, false
	}
	for id := range set {
		return id, true
	}
	return 0, false
}

// EnsureOutputGroup returns the indirect group id that delivers a
// packet to virtualPort of the virtual switch identified by
// vswitchTagID, creating or updating it as needed. Called by
// internal/vswitch while rewriting an output action.
func (sw *Switch) EnsureOutputGroup(vswitchTagID uint32, virtualPort uint32, target OutputTarget) uint32 {
	byPort, ok := sw.groups.output[vswitchTagID]
	if !ok {
		byPort = make(map[uint32]uint32)
		sw.groups.output[vswitchTagID] = byPort
	}
	id, exists := byPort[virtualPort]
	if !exists {
		id = sw.groups.alloc()
		byPort[virtualPort] = id
	}

	var actions []ofp13.OfpAction
	if target.Local {
		actions = []ofp13.OfpAction{ofp13.NewOfpActionOutput(target.LocalPort, ofp13.OFPCML_NO_BUFFER)}
	} else {
		fwdGroup := sw.ensureSwitchForwardGroup(target.RemoteSwitchID)
		wrap := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		wrap.Actions = append(wrap.Actions, ofp13.NewOfpActionPushVlan(0x8100))
		tag.AddToActions(tag.PortVLANTag{Slice: target.RemoteSlice, Port: target.RemoteTenant}, wrap)
		wrap.Actions = append(wrap.Actions, ofp13.NewOfpActionGroup(fwdGroup))
		actions = wrap.Actions
	}

	bucket := ofp13.NewOfpBucket(0, ofp13.OFPP_ANY, ofp13.OFPG_ANY)
	bucket.Actions = actions
	sw.sendGroupMod(id, ofp13.OFPGT_INDIRECT, []*ofp13.OfpBucket{bucket})
	return id
}

// ensureSwitchForwardGroup returns the indirect group id that forwards a
// transit-tagged packet toward destSwitchID's next hop, creating it if
// necessary. Its bucket is re-derived whenever routes change, by
// updateSwitchForwardGroups, without the id itself changing — so the
// per-virtual-switch output groups that chain into it never need to be
// touched when the topology shifts under them.
func (sw *Switch) ensureSwitchForwardGroup(destSwitchID int) uint32 {
	id, ok := sw.groups.forward[destSwitchID]
	if !ok {
		id = sw.groups.alloc()
		sw.groups.forward[destSwitchID] = id
	}
	sw.sendForwardGroupBucket(id, destSwitchID)
	return id
}

// transitPriority is table 1's switch-transit rule priority (spec.md
// §4.4).
const transitPriority = 20

// updateTransitRules installs, modifies or deletes table-1
// switch-transit rules so they match sw.routes.Next exactly: one rule
// per other reachable physical switch, matching its SwitchVLANTag and
// forwarding out the next-hop port, popping the transit tag when this
// switch is the penultimate hop (spec.md §4.4).
func (sw *Switch) updateTransitRules() {
	next := sw.routes.Next[sw.InternalID]
	dist := sw.routes.Dist[sw.InternalID]

	for destID, nextPort := range next {
		if destID == sw.InternalID {
			continue
		}
		old, had := sw.currentNext[destID]
		if had && old == nextPort {
			continue
		}
		command := ofp13.OFPFC_ADD
		if had {
			command = ofp13.OFPFC_MODIFY_STRICT
		}
		sw.sendTransitRule(destID, nextPort, dist[destID] == 1, command)
		sw.currentNext[destID] = nextPort
	}

	for destID := range sw.currentNext {
		if _, stillReachable := next[destID]; !stillReachable {
			sw.sendTransitRule(destID, 0, false, ofp13.OFPFC_DELETE_STRICT)
			delete(sw.currentNext, destID)
		}
	}
}

func (sw *Switch) sendTransitRule(destID int, nextPort uint32, penultimateHop bool, command uint8) {
	match := ofp13.NewOfpMatch()
	tag.AddSwitchToMatch(tag.SwitchVLANTag{Switch: uint8(destID)}, match)

	var instructions []ofp13.OfpInstruction
	if command != ofp13.OFPFC_DELETE_STRICT {
		apply := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		if penultimateHop {
			apply.Actions = append(apply.Actions, ofp13.NewOfpActionPopVlan())
		}
		apply.Actions = append(apply.Actions, ofp13.NewOfpActionOutput(nextPort, ofp13.OFPCML_NO_BUFFER))
		instructions = []ofp13.OfpInstruction{apply}
	}

	flow := ofp13.NewOfpFlowModAdd(0, 0, TableTransit, transitPriority, 0, match, instructions)
	flow.Command = command
	sw.Send(flow)
}

func (sw *Switch) updateSwitchForwardGroups() {
	for destSwitchID, id := range sw.groups.forward {
		sw.sendForwardGroupBucket(id, destSwitchID)
	}
}

// sendForwardGroupBucket (re)derives a switch-forward group's single
// bucket: push a SwitchVLANTag naming the final destination switch,
// then output toward the current next hop (spec.md §4.4). Without the
// tag push, the table-1 switch-transit rules this packet must match at
// every subsequent hop have nothing to match against.
func (sw *Switch) sendForwardGroupBucket(id uint32, destSwitchID int) {
	nextHopPort, reachable := sw.routes.Next[sw.InternalID][destSwitchID]
	var actions []ofp13.OfpAction
	if reachable {
		wrap := ofp13.NewOfpInstructionActions(ofp13.OFPIT_APPLY_ACTIONS)
		wrap.Actions = append(wrap.Actions, ofp13.NewOfpActionPushVlan(0x8100))
		tag.AddSwitchToActions(tag.SwitchVLANTag{Switch: uint8(destSwitchID)}, wrap)
		wrap.Actions = append(wrap.Actions, ofp13.NewOfpActionOutput(nextHopPort, ofp13.OFPCML_NO_BUFFER))
		actions = wrap.Actions
	}
	bucket := ofp13.NewOfpBucket(0, ofp13.OFPP_ANY, ofp13.OFPG_ANY, actions)
	sw.sendGroupMod(id, ofp13.OFPGT_INDIRECT, []ofp13.OfpBucket{bucket})
}

func (sw *Switch) sendGroupMod(id uint32, groupType uint8, buckets []ofp13.OfpBucket) {
	var mod *ofp13.OfpGroupMod
	if sw.groups.sent[id] {
		mod = ofp13.NewOfpGroupModModify(groupType, id, buckets)
	} else {
		mod = ofp13.NewOfpGroupModAdd(groupType, id, buckets)
		sw.groups.sent[id] = true
	}
	sw.Send(mod)
}

// scheduleProbes arms the recurring topology-probe packet-out timer.
// Each tick emits a probe on every port, linked ones included: a probe
// arriving at the peer is what re-arms the link's liveness timer in
// topology.Engine.
func (sw *Switch) scheduleProbes() {
	sw.probeTimer = time.AfterFunc(TopologyProbePeriod, func() {
		sw.hv.Post(sw.emitProbes)
	})
}

func (sw *Switch) emitProbes() {
	if sw.sess == nil || sw.sess.Stopped() {
		return
	}
	for _, p := range sw.ports {
		frame, err := topology.EncodeProbe(net.HardwareAddr(sw.probeMAC[:]), sw.InternalID, p.PortNo)
		if err != nil {
			klog.Errorf("physwitch %d: encode probe: %v", sw.InternalID, err)
			continue
		}
		out := ofp13.NewOfpPacketOut(ofp13.OFP_NO_BUFFER, ofp13.OFPP_CONTROLLER, frame,
			[]ofp13.OfpAction{ofp13.NewOfpActionOutput(p.PortNo, 0)})
		out.Xid = sw.sess.NextXid()
		sw.Send(out)
	}
	sw.probeTimer = time.AfterFunc(TopologyProbePeriod, func() {
		sw.hv.Post(sw.emitProbes)
	})
}
