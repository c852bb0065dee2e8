// Package topology implements link discovery and the all-pairs
// shortest-path computation that drives the physical rule installer.
// Probe emission/liveness is modeled after spec.md §4.5; shortest paths
// are Floyd-Warshall over the live edge set.
package topology

import (
	"time"

	"k8s.io/klog"
)

// Endpoint identifies one side of a discovered link: a physical switch
// id and the port on it.
type Endpoint struct {
	SwitchID int
	Port     uint32
}

// Link is a live point-to-point edge between two physical ports,
// inferred from the probe protocol. It is shared by both endpoint
// switches; the authoritative owner of a link is the pair of
// port.link fields on each physical switch (spec.md §9), not this
// struct — Link only tracks the liveness timer.
type Link struct {
	A, B Endpoint

	timer   *time.Timer
	expired bool
}

// Other returns the endpoint on the far side of this link from sw.
func (l *Link) Other(sw int) (Endpoint, bool) {
	switch sw {
	case l.A.SwitchID:
		return l.B, true
	case l.B.SwitchID:
		return l.A, true
	default:
		return Endpoint{}, false
	}
}

// Touches reports whether this link has an endpoint at (sw, port).
func (l *Link) Touches(sw int, port uint32) bool {
	return (l.A.SwitchID == sw && l.A.Port == port) || (l.B.SwitchID == sw && l.B.Port == port)
}

// Engine tracks the set of currently-discovered links and refreshes or
// expires them as probes arrive or go silent.
type Engine struct {
	// Period is the base topology-probe period; liveness timeout is
	// LivenessFactor*Period of silence on a link.
	Period         time.Duration
	LivenessFactor int

	links map[linkKey]*Link

	// OnTopologyChanged is invoked (on the reactor goroutine, via
	// schedule) whenever a link is discovered or expires, so the caller
	// can trigger hypervisor.recompute_routes / check_online.
	// RemoveLinksOn and RemoveLinksForSwitch do not invoke it; they
	// report a change through their return value instead.
	OnTopologyChanged func()
	// schedule arms a timer whose fire callback runs on the caller's
	// reactor; it exists so Engine never starts a bare goroutine that
	// would touch shared state off the reactor.
	schedule func(d time.Duration, fn func()) *time.Timer
}

type linkKey struct {
	sw1, sw2     int
	port1, port2 uint32
}

func newLinkKey(a, b Endpoint) linkKey {
	if a.SwitchID > b.SwitchID || (a.SwitchID == b.SwitchID && a.Port > b.Port) {
		a, b = b, a
	}
	return linkKey{sw1: a.SwitchID, port1: a.Port, sw2: b.SwitchID, port2: b.Port}
}

// NewEngine constructs a topology Engine. schedule must arm a timer that
// invokes fn on the owning reactor goroutine after d (the same
// serialization discipline ofsession.Poster gives connections).
func NewEngine(period time.Duration, livenessFactor int, schedule func(d time.Duration, fn func()) *time.Timer) *Engine {
	return &Engine{
		Period:         period,
		LivenessFactor: livenessFactor,
		links:          make(map[linkKey]*Link),
		schedule:       schedule,
	}
}

func (e *Engine) livenessTimeout() time.Duration {
	return time.Duration(e.LivenessFactor) * e.Period
}

// OnProbeReceived handles a topology-probe packet-in: selfID/selfPort is
// where it arrived, peerID/peerPort is the emitter encoded in the
// payload. It creates a new Link or refreshes an existing one's
// liveness timer, returning the link and whether it was newly created.
func (e *Engine) OnProbeReceived(selfID int, selfPort uint32, peerID int, peerPort uint32) (*Link, bool) {
	a := Endpoint{SwitchID: selfID, Port: selfPort}
	b := Endpoint{SwitchID: peerID, Port: peerPort}
	key := newLinkKey(a, b)

	if link, ok := e.links[key]; ok {
		e.rearm(link)
		return link, false
	}

	link := &Link{A: a, B: b}
	e.links[key] = link
	e.rearm(link)
	klog.Infof("topology: discovered link %d:%d <-> %d:%d", a.SwitchID, a.Port, b.SwitchID, b.Port)
	if e.OnTopologyChanged != nil {
		e.OnTopologyChanged()
	}
	return link, true
}

func (e *Engine) rearm(link *Link) {
	if link.timer != nil {
		link.timer.Stop()
	}
	link.timer = e.schedule(e.livenessTimeout(), func() { e.expire(link) })
}

func (e *Engine) expire(link *Link) {
	if link.expired {
		return
	}
	key := newLinkKey(link.A, link.B)
	if e.links[key] != link {
		// Already replaced or removed.
		return
	}
	link.expired = true
	delete(e.links, key)
	klog.Infof("topology: link %d:%d <-> %d:%d expired", link.A.SwitchID, link.A.Port, link.B.SwitchID, link.B.Port)
	if e.OnTopologyChanged != nil {
		e.OnTopologyChanged()
	}
}

// RemoveLinksOn drops every link touching (sw, port) — used when a port
// is deleted — and reports whether anything changed.
func (e *Engine) RemoveLinksOn(sw int, port uint32) bool {
	changed := false
	for key, link := range e.links {
		if link.Touches(sw, port) {
			if link.timer != nil {
				link.timer.Stop()
			}
			link.expired = true
			delete(e.links, key)
			changed = true
		}
	}
	return changed
}

// RemoveLinksForSwitch drops every link touching sw — used when a
// physical switch's session ends.
func (e *Engine) RemoveLinksForSwitch(sw int) bool {
	changed := false
	for key, link := range e.links {
		if link.A.SwitchID == sw || link.B.SwitchID == sw {
			if link.timer != nil {
				link.timer.Stop()
			}
			link.expired = true
			delete(e.links, key)
			changed = true
		}
	}
	return changed
}

// Links returns every currently live link.
func (e *Engine) Links() []*Link {
	out := make([]*Link, 0, len(e.links))
	for _, l := range e.links {
		out = append(out, l)
	}
	return out
}

// Neighbors returns, for every switch id, the set of (neighbor switch id
// -> local port toward it) pairs implied by the live link set. Used as
// the seed for Floyd-Warshall.
func (e *Engine) Neighbors() map[int]map[int]uint32 {
	out := make(map[int]map[int]uint32)
	addSide := func(from, to Endpoint) {
		if out[from.SwitchID] == nil {
			out[from.SwitchID] = make(map[int]uint32)
		}
		out[from.SwitchID][to.SwitchID] = from.Port
	}
	for _, l := range e.links {
		addSide(l.A, l.B)
		addSide(l.B, l.A)
	}
	return out
}
