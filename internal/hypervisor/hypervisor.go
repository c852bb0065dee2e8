// Package hypervisor ties the physical- and virtual-switch halves
// together: the registries both sides look each other up through, the
// single-goroutine reactor that serializes every mutation of that
// shared state (spec.md §5, SPEC_FULL.md §7), and the physical-switch
// listener, grounded on the teacher's openflow.Server/handleConn split.
package hypervisor

import (
	"fmt"
	"net"
	"time"

	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/ofsession"
	"github.com/ofhv/hypervisor/internal/physwitch"
	"github.com/ofhv/hypervisor/internal/slicecfg"
	"github.com/ofhv/hypervisor/internal/tag"
	"github.com/ofhv/hypervisor/internal/topology"
	"github.com/ofhv/hypervisor/internal/vswitch"
)

// listenPort is the well-known OpenFlow control-channel port, matching
// the teacher's openflow.listenPort.
const listenPort = 6653

const (
	topologyProbePeriod   = physwitch.TopologyProbePeriod
	topologyLivenessRatio = 3
)

// Hypervisor owns every physical and virtual switch and is the single
// value both physwitch.Hypervisor and vswitch.Hypervisor are implemented
// against. All registry mutation happens inside Run, reached only
// through commands sent over Post — no field here is ever touched from
// another goroutine.
type Hypervisor struct {
	commands chan func()

	topo *topology.Engine

	nextInternalID int
	physicalByID   map[int]*physwitch.Switch
	physicalByDP   map[uint64]*physwitch.Switch

	nextTagID  uint32
	virtualByTag map[uint32]*vswitch.Switch

	slices []*slicecfg.Slice

	listener net.Listener
}

// New constructs a Hypervisor from a fully populated slice registry. It
// does not run its reactor until Run is called, nor listen until Serve
// is called.
func New(registry *slicecfg.Registry) *Hypervisor {
	h := &Hypervisor{
		commands:     make(chan func(), 64),
		physicalByID: make(map[int]*physwitch.Switch),
		physicalByDP: make(map[uint64]*physwitch.Switch),
		virtualByTag: make(map[uint32]*vswitch.Switch),
		slices:       registry.All(),
	}
	h.topo = topology.NewEngine(topologyProbePeriod, topologyLivenessRatio, func(d time.Duration, fn func()) *time.Timer {
		return time.AfterFunc(d, func() { h.Post(fn) })
	})

	for _, entry := range registry.AllVirtualSwitches() {
		if h.nextTagID > tag.MaxVSwitchID {
			klog.Errorf("hypervisor: dropping virtual switch %#x, tag.MaxVSwitchID (%d) exceeded", entry.Config.DatapathID, tag.MaxVSwitchID)
			continue
		}
		tagID := h.nextTagID
		h.nextTagID++
		h.virtualByTag[tagID] = vswitch.New(h, tagID, entry.Slice, entry.Config)
	}
	return h
}

// Post implements ofsession.Poster for both switch packages: it
// serializes fn onto the reactor goroutine.
func (h *Hypervisor) Post(fn func()) {
	h.commands <- fn
}

// Run drains the command channel until it is closed. Intended to be the
// body of the one dedicated reactor goroutine (spec.md §5).
func (h *Hypervisor) Run() {
	for fn := range h.commands {
		fn()
	}
}

// Serve starts the physical-switch TCP listener and accepts connections
// until the listener is closed, mirroring openflow.Server.Serve.
func (h *Hypervisor) Serve(addr string) error {
	if addr == "" {
		addr = fmt.Sprintf(":%d", listenPort)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("hypervisor: listen %s: %w", addr, err)
	}
	h.listener = listener
	klog.Infof("hypervisor: listening for physical switches on %s", addr)

	for {
		conn, err := listener.Accept()
		if err != nil {
			klog.Errorf("hypervisor: accept: %v", err)
			return err
		}
		go h.handleConn(conn)
	}
}

// Close stops accepting new physical-switch connections.
func (h *Hypervisor) Close() error {
	if h.listener == nil {
		return nil
	}
	return h.listener.Close()
}

// handleConn hands a freshly accepted physical-switch connection to a
// new Switch on the reactor goroutine, mirroring openflow.Server's
// per-connection goroutine plus ofconn.RegisterConnections.
func (h *Hypervisor) handleConn(conn net.Conn) {
	h.Post(func() {
		sw := physwitch.NewSwitch(h)
		sess := ofsession.New(conn, h, sw, func() { h.Post(sw.OnSessionClosed) })
		sw.Attach(sess)
	})
}

// RegisterPhysical assigns a dense internal id and indexes sw by both
// id and datapath id, then recomputes routes and every virtual switch's
// reachability (spec.md §4.1/§4.5/§4.6).
func (h *Hypervisor) RegisterPhysical(sw *physwitch.Switch) {
	h.nextInternalID++
	sw.InternalID = h.nextInternalID
	h.physicalByID[sw.InternalID] = sw
	h.physicalByDP[sw.DatapathID] = sw
	klog.Infof("hypervisor: registered physical switch internal_id=%d datapath_id=%#x", sw.InternalID, sw.DatapathID)
	h.recomputeRoutes()
}

// UnregisterPhysical removes sw from both registries and recomputes.
func (h *Hypervisor) UnregisterPhysical(sw *physwitch.Switch) {
	delete(h.physicalByID, sw.InternalID)
	delete(h.physicalByDP, sw.DatapathID)
	klog.Infof("hypervisor: unregistered physical switch internal_id=%d", sw.InternalID)
	h.recomputeRoutes()
}

// LookupVSwitch implements physwitch.Hypervisor.
func (h *Hypervisor) LookupVSwitch(tagID uint32) (physwitch.VSwitchPeer, bool) {
	sw, ok := h.virtualByTag[tagID]
	if !ok {
		return nil, false
	}
	return sw, true
}

// LookupPhysical implements vswitch.Hypervisor.
func (h *Hypervisor) LookupPhysical(datapathID uint64) (*physwitch.Switch, bool) {
	sw, ok := h.physicalByDP[datapathID]
	return sw, ok
}

// Topology implements physwitch.Hypervisor.
func (h *Hypervisor) Topology() *topology.Engine { return h.topo }

// PhysicalSwitches implements physwitch.Hypervisor.
func (h *Hypervisor) PhysicalSwitches() []*physwitch.Switch {
	out := make([]*physwitch.Switch, 0, len(h.physicalByID))
	for _, sw := range h.physicalByID {
		out = append(out, sw)
	}
	return out
}

// Slices implements physwitch.Hypervisor.
func (h *Hypervisor) Slices() []*slicecfg.Slice { return h.slices }

// Dial implements vswitch.Hypervisor: a real outbound TCP connection to
// a tenant controller, mirroring the teacher's openflow dial path.
func (h *Hypervisor) Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 5*time.Second)
}

// TriggerRecompute implements physwitch.Hypervisor. Always called from
// the reactor goroutine (a physical switch's own message handler), so
// it runs the recompute inline rather than re-posting it.
func (h *Hypervisor) TriggerRecompute() {
	h.recomputeRoutes()
}

// recomputeRoutes implements spec.md §4.5: clear and rerun Floyd-Warshall
// over every registered physical switch, push the result to each one,
// then re-evaluate every virtual switch's reachability.
func (h *Hypervisor) recomputeRoutes() {
	ids := make([]int, 0, len(h.physicalByID))
	for id := range h.physicalByID {
		ids = append(ids, id)
	}
	routes := h.topo.Recompute(ids)
	for _, sw := range h.physicalByID {
		sw.SetRoutes(routes)
	}
	h.calculateOnline()
}

// calculateOnline drives spec.md §4.6's check_online across every
// configured virtual switch.
func (h *Hypervisor) calculateOnline() {
	for _, sw := range h.virtualByTag {
		sw.CheckOnline()
	}
}

// SetSliceStarted toggles a slice's started flag and re-evaluates every
// virtual switch, since check_online depends on it.
func (h *Hypervisor) SetSliceStarted(sliceID uint8, started bool) {
	for _, s := range h.slices {
		if s.ID == sliceID {
			s.SetStarted(started)
			break
		}
	}
	h.calculateOnline()
}
