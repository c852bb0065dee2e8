// Package vswitch implements the tenant-facing half of the hypervisor:
// the per-virtual-switch reachability state machine, the outbound
// OpenFlow session toward a tenant controller, and the rewriting of
// every message that crosses the substrate/tenant boundary.
package vswitch

import (
	"math/rand"
	"net"
	"time"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
	"k8s.io/klog"

	"github.com/ofhv/hypervisor/internal/ofsession"
	"github.com/ofhv/hypervisor/internal/physwitch"
	"github.com/ofhv/hypervisor/internal/slicecfg"
)

// State is where a virtual switch sits in spec.md §4.6's reachability
// state machine.
type State int

const (
	StateDown State = iota
	StateTryConnecting
	StateConnected
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Hypervisor is the set of cross-cutting operations a virtual switch
// needs from its owner.
type Hypervisor interface {
	ofsession.Poster

	LookupPhysical(datapathID uint64) (*physwitch.Switch, bool)
	// Dial opens the outbound connection to a tenant controller. An
	// interface method rather than a hardwired net.Dial call so tests can
	// substitute a fake without a real listener, grounded on the
	// teacher's openflow.DialBridge (itself a thin net.Dial wrapper).
	Dial(addr string) (net.Conn, error)
}

// Switch is one tenant's virtual switch.
type Switch struct {
	hv Hypervisor

	tagID      uint32
	datapathID uint64
	slice      *slicecfg.Slice
	config     slicecfg.VirtualSwitchConfig

	state   State
	sess    *ofsession.Session
	backoff time.Duration
	timer   *time.Timer
}

// New constructs a down virtual switch. tagID is the dense 16-bit id
// this vswitch was assigned in the tag.MetadataTag space;
// cfg.DatapathID is the identity it presents to its tenant controller.
func New(hv Hypervisor, tagID uint32, slice *slicecfg.Slice, cfg slicecfg.VirtualSwitchConfig) *Switch {
	return &Switch{
		hv:         hv,
		tagID:      tagID,
		datapathID: cfg.DatapathID,
		slice:      slice,
		config:     cfg,
		backoff:    initialBackoff,
	}
}

// TagID implements physwitch.VSwitchPeer.
func (sw *Switch) TagID() uint32 { return sw.tagID }

// SliceID implements physwitch.VSwitchPeer.
func (sw *Switch) SliceID() uint8 { return sw.slice.ID }

// State reports the current reachability state.
func (sw *Switch) State() State { return sw.state }

// physicalSwitches resolves every distinct physical switch backing this
// virtual switch's ports. ok is false if any referenced physical switch
// isn't currently registered.
func (sw *Switch) physicalSwitches() (map[int]*physwitch.Switch, bool) {
	out := make(map[int]*physwitch.Switch)
	for _, p := range sw.config.Ports {
		psw, ok := sw.hv.LookupPhysical(p.PhysicalDatapathID)
		if !ok {
			return nil, false
		}
		out[psw.InternalID] = psw
	}
	return out, true
}

// reachable implements spec.md §4.6's online test: every referenced
// physical switch is registered, and mutually reachable from one
// another over the substrate.
func (sw *Switch) reachable() bool {
	if !sw.slice.Started() {
		return false
	}
	physIDs, ok := sw.physicalSwitches()
	if !ok {
		return false
	}
	for _, from := range physIDs {
		routes := from.Routes()
		for otherID := range physIDs {
			if otherID == from.InternalID {
				continue
			}
			dist, ok := routes.Dist[from.InternalID][otherID]
			if !ok || dist >= topologyInfinite {
				return false
			}
		}
	}
	return true
}

// topologyInfinite mirrors topology.Infinite without importing
// internal/topology purely for a constant; physwitch re-exports routes
// as plain maps so this avoids a second dependency edge for one value.
const topologyInfinite = 10000

// CheckOnline re-evaluates reachability and drives the state machine.
// Called by the hypervisor after every recompute_routes/slice toggle.
func (sw *Switch) CheckOnline() {
	online := sw.reachable()
	switch sw.state {
	case StateDown:
		if online {
			sw.state = StateTryConnecting
			sw.backoff = initialBackoff
			sw.connect()
		}
	case StateTryConnecting:
		if !online {
			sw.state = StateDown
			sw.cancelReconnect()
		}
	case StateConnected:
		if !online {
			klog.Infof("vswitch %#x: substrate no longer viable, disconnecting", sw.datapathID)
			sw.teardown()
		}
	}
}

func (sw *Switch) cancelReconnect() {
	if sw.timer != nil {
		sw.timer.Stop()
		sw.timer = nil
	}
}

func (sw *Switch) teardown() {
	sw.cancelReconnect()
	if sw.sess != nil {
		sw.sess.Stop()
		sw.sess = nil
	}
	sw.state = StateDown
}

// connect dials the tenant controller off the reactor goroutine and
// posts the result back.
func (sw *Switch) connect() {
	addr := sw.slice.ControllerAddr()
	go func() {
		conn, err := sw.hv.Dial(addr)
		sw.hv.Post(func() { sw.onDialResult(conn, err) })
	}()
}

func (sw *Switch) onDialResult(conn net.Conn, err error) {
	if sw.state != StateTryConnecting {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		klog.Warningf("vswitch %#x: dial %s failed: %v", sw.datapathID, sw.slice.ControllerAddr(), err)
		sw.scheduleRetry()
		return
	}

	sw.sess = ofsession.New(conn, sw.hv, sw, func() {
		sw.hv.Post(sw.onSessionClosed)
	})
	sw.state = StateConnected
	sw.backoff = initialBackoff
	sw.sess.Start()
	klog.Infof("vswitch %#x: connected to tenant controller %s", sw.datapathID, sw.slice.ControllerAddr())
}

func (sw *Switch) onSessionClosed() {
	if sw.state != StateConnected {
		return
	}
	sw.sess = nil
	sw.state = StateDown
	sw.CheckOnline()
}

// scheduleRetry arms a jittered, exponentially backed-off reconnect
// attempt, capped at maxBackoff (spec.md §4.6: "back-off timer, then
// retry (bounded exponential)").
func (sw *Switch) scheduleRetry() {
	delay := sw.backoff + time.Duration(rand.Int63n(int64(sw.backoff)/4+1))
	sw.timer = time.AfterFunc(delay, func() {
		sw.hv.Post(func() {
			if sw.state != StateTryConnecting {
				return
			}
			sw.connect()
		})
	})
	sw.backoff *= 2
	if sw.backoff > maxBackoff {
		sw.backoff = maxBackoff
	}
}

// synthesizedFeatures builds the features-reply the tenant controller
// sees in place of a real switch's: spec.md §4.6's "datapath_id and the
// union of configured virtual ports".
func (sw *Switch) synthesizedFeatures(xid uint32) *ofp13.OfpSwitchFeatures {
	ports := make([]ofp13.OfpPort, 0, len(sw.config.Ports))
	for _, p := range sw.config.Ports {
		ports = append(ports, ofp13.OfpPort{PortNo: p.VirtualPortNo})
	}
	f := ofp13.NewOfpSwitchFeatures(sw.datapathID, 256, numTenantTables, 0, ports)
	f.Xid = xid
	return f
}

// numTenantTables is however many pipeline tables this hypervisor
// exposes to a tenant beyond its own table 0/1 (spec.md's goto_table
// rewrite shifts by 2); fixed since the tenant pipeline itself is
// opaque to the hypervisor.
const numTenantTables uint8 = 8
