// Package physwitch implements the physical-switch side of the
// hypervisor: the handshake with one physical OpenFlow switch, port and
// link bookkeeping, xid translation for requests relayed from tenant
// controllers, and the static/dynamic rule installer that realizes
// virtual switches on top of the shared substrate.
package physwitch

import (
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/ofsession"
	"github.com/ofhv/hypervisor/internal/slicecfg"
	"github.com/ofhv/hypervisor/internal/tag"
	"github.com/ofhv/hypervisor/internal/topology"
)

// Reserved table-0 cookies used to route a packet-in back to the right
// handler without decoding its match fields first.
const (
	CookieTopologyProbe uint64 = 1
	CookieErrorTrap     uint64 = 2
	CookieLoopback      uint64 = 3
)

// Pipeline table numbers. Table 0 demuxes by in-port, table 1 carries
// traffic across the shared substrate, tables 2.. are where a virtual
// switch's own pipeline (goto_table-shifted by RewriteGotoTable) begins.
const (
	TableDemux   uint8 = 0
	TableTransit uint8 = 1
	TableTenant0 uint8 = 2
)

// TopologyProbePeriod is how often a switch emits a probe packet-out on
// every port.
const TopologyProbePeriod = 5 * time.Second

// VSwitchPeer is the subset of a virtual switch's behavior a physical
// switch needs in order to forward a reply or status change toward the
// tenant controller that owns it. Modeled as an indirection rather than
// a stored pointer: physwitch only ever holds a vswitch's tag id and
// resolves it back through Hypervisor.LookupVSwitch on demand, so a
// torn-down virtual switch simply stops resolving instead of requiring
// explicit unsubscription (a "weak reference").
type VSwitchPeer interface {
	// TagID is the 16-bit id this virtual switch was assigned in the
	// tag.MetadataTag space — the key neededPorts and the xid
	// translator use to refer to it without holding it directly.
	TagID() uint32
	// SliceID is the id of the slice this virtual switch belongs to,
	// needed to build the table-1 shared-link ingress rule's
	// PortVLANTag{slice=S, port=max_port_id} match (spec.md §4.4).
	SliceID() uint8
	// ForwardPortStatus relays a physical port-status change, already
	// known to matter to this virtual switch, toward its controller.
	ForwardPortStatus(physicalDatapathID uint64, msg *ofp13.OfpPortStatus)
	// ForwardReply relays a reply keyed by originalXid (the xid the
	// tenant controller originally sent) toward its controller.
	ForwardReply(originalXid uint32, msg ofp13.OFMessage)
	// ForwardPacketIn relays a tenant-table packet-in toward its
	// controller.
	ForwardPacketIn(msg *ofp13.OfpPacketIn)
}

// Hypervisor is the set of cross-switch operations a physical switch
// needs from its owner: registry lookups, recompute triggers and the
// reactor's Post.
type Hypervisor interface {
	ofsession.Poster

	RegisterPhysical(sw *Switch)
	UnregisterPhysical(sw *Switch)
	LookupVSwitch(tagID uint32) (VSwitchPeer, bool)
	Topology() *topology.Engine
	TriggerRecompute()
	PhysicalSwitches() []*Switch
	Slices() []*slicecfg.Slice
}

// handshakeState tracks progress through the startup sequence described
// in spec.md §4.1.
type handshakeState int

const (
	stateConnecting handshakeState = iota
	stateAwaitingFeatures
	stateAwaitingPortDesc
	stateReady
)

// Switch is one physical switch's control-channel state: its session,
// identity, ports, routing table and the bookkeeping the rule installer
// and xid translator need.
type Switch struct {
	hv   Hypervisor
	sess *ofsession.Session

	state handshakeState

	// InternalID is the small dense integer topology.Engine and Routes
	// index by; assigned by the Hypervisor when the switch first
	// registers (spec.md §4.1's "internal_id").
	InternalID int
	DatapathID uint64

	NumBuffers  uint32
	NumTables   uint8
	Capabilities uint32

	ports map[uint32]*Port

	// neededPorts[p] is the set of virtual-switch tag ids that include
	// physical port p — i.e. who must be told when p's state changes.
	// A port with an empty set gets a drop rule.
	neededPorts map[uint32]map[uint32]struct{}

	// ingressRules[p] is the set of virtual-switch tag ids currently
	// holding a table-1 shared-link ingress rule on port p (installed
	// only while p carries a link). Tracked independently of RuleState
	// since neededPorts[p] can change while p stays link-rule.
	ingressRules map[uint32]map[uint32]bool

	routes topology.Routes
	// currentNext mirrors spec.md §4.4's "current_next": the next-hop
	// port each table-1 switch-transit rule was last installed with, so
	// SetRoutes only reprograms a rule whose next hop actually changed.
	currentNext map[int]uint32

	groups *groupTable
	xids   *xidTranslator

	probeMAC [6]byte
	probeTimer *time.Timer
}

// NewSwitch constructs an unattached Switch. The caller (cmd/hypervisor's
// accept loop) builds an ofsession.Session with this Switch as its
// Handler and passes it to Attach once a connection is accepted —
// mirroring the teacher's Server/Conn split in openflow/server.go.
func NewSwitch(hv Hypervisor) *Switch {
	return &Switch{
		hv:           hv,
		ports:        make(map[uint32]*Port),
		neededPorts:  make(map[uint32]map[uint32]struct{}),
		ingressRules: make(map[uint32]map[uint32]bool),
		currentNext:  make(map[int]uint32),
		groups:       newGroupTable(),
		xids:         newXidTranslator(),
	}
}

// Attach wires a new session into this switch, starts it and begins the
// handshake by sending the features request. Must be called from the
// reactor goroutine.
func (sw *Switch) Attach(sess *ofsession.Session) {
	sw.sess = sess
	sw.state = stateConnecting
	sess.Start()

	req := ofp13.NewOfpFeaturesRequest()
	req.Xid = sess.NextXid()
	sess.Send(req)
	sw.state = stateAwaitingFeatures
}

// OnSessionClosed tears down everything this switch owns: its links
// (so neighbors recompute routes without it) and its registry entry.
// Registered as the session's onClose callback.
func (sw *Switch) OnSessionClosed() {
	if sw.probeTimer != nil {
		sw.probeTimer.Stop()
	}
	if sw.hv.Topology().RemoveLinksForSwitch(sw.InternalID) {
		sw.hv.TriggerRecompute()
	}
	sw.hv.UnregisterPhysical(sw)
}

// HandleMessage dispatches one decoded OpenFlow message arriving on this
// switch's session. Invoked by ofsession.Session on the reactor.
func (sw *Switch) HandleMessage(s *ofsession.Session, msg ofp13.OFMessage) {
	switch m := msg.(type) {
	case *ofp13.OfpSwitchFeatures:
		sw.onFeaturesReply(m)
	case *ofp13.OfpMultipartReply:
		sw.onMultipartReply(m)
	case *ofp13.OfpPortStatus:
		sw.onPortStatus(m)
	case *ofp13.OfpPacketIn:
		sw.onPacketIn(m)
	case *ofp13.OfpErrorMsg:
		sw.onError(m)
	case *ofp13.OfpHeader:
		if m.Type == ofp13.OFPT_BARRIER_REPLY {
			// Barrier fan-in is out of scope (spec.md §1 Non-goals);
			// the startup sequence only uses a barrier to pace the
			// initial delete-all, and does not wait for the reply.
			return
		}
		klog.V(4).Infof("physwitch %d: unhandled header-only message type %d", sw.InternalID, m.Type)
	default:
		klog.V(4).Infof("physwitch %d: unhandled message %T", sw.InternalID, msg)
	}
}

// onFeaturesReply continues the startup sequence: record identity and
// capabilities, then request port-description via multipart. Meter
// features and group features are not requested.
func (sw *Switch) onFeaturesReply(m *ofp13.OfpSwitchFeatures) {
	if sw.state != stateConnecting && sw.state != stateAwaitingFeatures {
		return
	}
	sw.DatapathID = m.DatapathId
	sw.NumBuffers = m.NBuffers
	sw.NumTables = m.NTables
	sw.Capabilities = m.Capabilities
	copy(sw.probeMAC[:], datapathIDToMAC(m.DatapathId))

	sw.hv.RegisterPhysical(sw)
	klog.Infof("physwitch %d: features reply, datapath_id=%#x n_tables=%d", sw.InternalID, sw.DatapathID, sw.NumTables)

	sw.state = stateAwaitingPortDesc
	sw.requestPortDescription()
}

func (sw *Switch) requestPortDescription() {
	req := ofp13.NewOfpMultipartRequest(ofp13.OFPMP_PORT_DESC)
	req.Xid = sw.sess.NextXid()
	sw.sess.Send(req)
}

// onMultipartReply handles the port-description reply that completes
// the startup sequence; every other multipart reply is ignored. Groups
// and meters are programmed without probing the switch's capabilities
// first, and an error the switch returns for them is only logged by
// onError.
func (sw *Switch) onMultipartReply(m *ofp13.OfpMultipartReply) {
	if m.Type != ofp13.OFPMP_PORT_DESC {
		return
	}
	for _, p := range m.Body {
		port, ok := p.(ofp13.OfpPort)
		if !ok {
			continue
		}
		sw.addOrUpdatePort(port)
	}
	if sw.state == stateAwaitingPortDesc {
		sw.completeStartup()
	}
}

// completeStartup flushes any pre-existing flows with a blanket flow
// delete across all tables (groups and meters are not deleted), installs
// the static rules, arms dynamic rules for every known port, and begins
// topology probing.
func (sw *Switch) completeStartup() {
	sw.state = stateReady
	sw.sendFlowModDeleteAll()

	barrier := ofp13.NewOfpHeader(ofp13.OFPT_BARRIER_REQUEST)
	barrier.Xid = sw.sess.NextXid()
	sw.sess.Send(barrier)

	sw.installStaticRules()
	for _, p := range sw.ports {
		sw.updateDynamicRulesForPort(p)
	}

	sw.hv.TriggerRecompute()
	sw.scheduleProbes()
}

func (sw *Switch) addOrUpdatePort(data ofp13.OfpPort) *Port {
	p, ok := sw.ports[data.PortNo]
	if !ok {
		p = &Port{PortNo: data.PortNo, RuleState: NoRule}
		sw.ports[data.PortNo] = p
	}
	p.Data = data
	return p
}

// onPortStatus handles an asynchronous port add/modify/delete. A
// deleted port is removed from the port map and any link it carried is
// dropped; the rules already installed for it are not removed. An added
// or modified port (e.g. link flapped down) has its data recorded and
// its dynamic rules re-evaluated. Either way the message is forwarded
// to interested virtual switches.
func (sw *Switch) onPortStatus(m *ofp13.OfpPortStatus) {
	switch m.Reason {
	case ofp13.OFPPR_DELETE:
		delete(sw.ports, m.Desc.PortNo)
		if sw.hv.Topology().RemoveLinksOn(sw.InternalID, m.Desc.PortNo) {
			sw.hv.TriggerRecompute()
		}
	default:
		p := sw.addOrUpdatePort(m.Desc)
		sw.updateDynamicRulesForPort(p)
	}
	sw.forwardPortStatusToInterested(m)
}

func (sw *Switch) forwardPortStatusToInterested(m *ofp13.OfpPortStatus) {
	for tagID := range sw.neededPorts[m.Desc.PortNo] {
		if peer, ok := sw.hv.LookupVSwitch(tagID); ok {
			peer.ForwardPortStatus(sw.DatapathID, m)
		}
	}
}

// onPacketIn dispatches by table/cookie per spec.md §4.3: table 0's
// reserved cookies are topology probes or traps handled locally;
// anything else carries a metadata tag identifying the owning virtual
// switch and is relayed.
func (sw *Switch) onPacketIn(m *ofp13.OfpPacketIn) {
	if m.TableId == TableDemux {
		switch m.Cookie {
		case CookieTopologyProbe:
			sw.onTopologyProbePacketIn(m)
			return
		case CookieErrorTrap:
			inPort, _ := m.Match.InPort()
			klog.Warningf("physwitch %d: trapped error packet on port %d", sw.InternalID, inPort)
			return
		case CookieLoopback:
			klog.V(4).Infof("physwitch %d: loopback packet trapped", sw.InternalID)
			return
		}
	}

	meta, ok := metadataFromMatch(m.Match)
	if !ok {
		klog.Warningf("physwitch %d: packet-in on table %d carries no metadata tag, dropping", sw.InternalID, m.TableId)
		return
	}
	peer, ok := sw.hv.LookupVSwitch(meta.VSwitchID)
	if !ok {
		klog.V(4).Infof("physwitch %d: packet-in for unknown virtual switch %d, dropping", sw.InternalID, meta.VSwitchID)
		return
	}
	peer.ForwardPacketIn(m)
}

func (sw *Switch) onTopologyProbePacketIn(m *ofp13.OfpPacketIn) {
	peerID, peerPort, err := topology.DecodeProbe(m.Data)
	if err != nil {
		return
	}
	selfPort, ok := m.Match.InPort()
	if !ok {
		return
	}
	link, isNew := sw.hv.Topology().OnProbeReceived(sw.InternalID, selfPort, peerID, peerPort)
	if p, ok := sw.ports[selfPort]; ok && (isNew || p.Link == nil) {
		p.Link = link
		sw.updateDynamicRulesForPort(p)
	}
	if isNew {
		sw.hv.TriggerRecompute()
	}
}

func (sw *Switch) onError(m *ofp13.OfpErrorMsg) {
	if peer, xid, ok := sw.xids.resolve(sw, m.Xid); ok {
		peer.ForwardReply(xid, m)
		return
	}
	klog.Warningf("physwitch %d: OFPT_ERROR type=%d code=%d", sw.InternalID, m.Type, m.Code)
}

// SetRoutes installs a freshly computed shortest-path table (called by
// the Hypervisor after every topology change) and re-derives every
// switch-forward group, since next-hop ports may have changed.
func (sw *Switch) SetRoutes(r topology.Routes) {
	sw.routes = r
	sw.updateTransitRules()
	sw.updateSwitchForwardGroups()
}

// Send relays a message that has already been translated for this
// switch's namespace (cookie/table/xid all set by the caller).
func (sw *Switch) Send(msg ofp13.OFMessage) {
	if sw.sess == nil || sw.sess.Stopped() {
		return
	}
	sw.sess.Send(msg)
}

// Routes returns the most recently computed shortest-path table, for
// callers (internal/vswitch's reachability check) that need to read
// dist/next without physwitch exposing its internal routes field
// directly.
func (sw *Switch) Routes() topology.Routes {
	return sw.routes
}

// NextXid allocates a fresh xid on this switch's session.
func (sw *Switch) NextXid() uint32 {
	return sw.sess.NextXid()
}

// SendTranslated relays a request a virtual switch rewrote on behalf of
// its tenant controller: it allocates a fresh xid in this switch's
// namespace, records the (translated -> original) mapping so the
// eventual reply can find its way back via onError/xid-bearing replies,
// sets the header xid, and sends.
func (sw *Switch) SendTranslated(vswitchTagID uint32, originalXid uint32, header *ofp13.OfpHeader, msg ofp13.OFMessage) {
	if sw.sess == nil || sw.sess.Stopped() {
		return
	}
	translated := sw.sess.NextXid()
	sw.xids.record(translated, originalXid, vswitchTagID)
	header.Xid = translated
	sw.sess.Send(msg)
}

// RegisterInterest records that a virtual switch uses physical port p,
// so future port-status/packet-in traffic on p is relayed to it, and
// recomputes p's dynamic rule since its audience changed.
func (sw *Switch) RegisterInterest(p uint32, vswitchTagID uint32) {
	set, ok := sw.neededPorts[p]
	if !ok {
		set = make(map[uint32]struct{})
		sw.neededPorts[p] = set
	}
	set[vswitchTagID] = struct{}{}
	if port, ok := sw.ports[p]; ok {
		sw.updateDynamicRulesForPort(port)
	}
}

// RemoveInterest undoes RegisterInterest, e.g. when a virtual switch is
// torn down or reconfigured.
func (sw *Switch) RemoveInterest(p uint32, vswitchTagID uint32) {
	if set, ok := sw.neededPorts[p]; ok {
		delete(set, vswitchTagID)
		if len(set) == 0 {
			delete(sw.neededPorts, p)
		}
	}
	if port, ok := sw.ports[p]; ok {
		sw.updateDynamicRulesForPort(port)
	}
}

func datapathIDToMAC(id uint64) []byte {
	mac := make([]byte, 6)
	for i := 0; i < 6; i++ {
		mac[5-i] = byte(id >> (8 * i))
	}
	mac[0] |= 0x02 // locally administered, matches teacher's ARP reply MAC convention
	return mac
}

func metadataFromMatch(m ofp13.OfpMatch) (tag.MetadataTag, bool) {
	v, ok := m.Metadata()
	if !ok {
		return tag.MetadataTag{}, false
	}
	return tag.DecodeMetadata(v), true
}
