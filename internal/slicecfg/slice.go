// Package slicecfg holds the tenant-facing configuration the hypervisor
// consumes: slices and the virtual switches within them. spec.md §1
// explicitly keeps configuration-file loading external; this package is
// the in-memory shape an external loader (or, in this repository,
// cmd/hypervisor's demonstration setup) populates a Registry with.
package slicecfg

import (
	"fmt"
	"net"

	"github.com/ofhv/hypervisor/internal/tag"
)

// VirtualPort maps a tenant-visible port number to a physical
// (datapath id, port number) pair on the substrate.
type VirtualPort struct {
	VirtualPortNo      uint32
	PhysicalDatapathID uint64
	PhysicalPortNo     uint32
}

// VirtualSwitchConfig is the static description of one tenant virtual
// switch: its datapath id and the physical ports composing it.
type VirtualSwitchConfig struct {
	DatapathID uint64
	Ports      []VirtualPort
}

// Slice is a tenant namespace: a controller endpoint, a packet-rate cap
// enforced by a per-slice meter, and the virtual switches it owns.
type Slice struct {
	ID              uint8
	ControllerHost  string
	ControllerPort  uint16
	MaxRatePPS      uint32
	VirtualSwitches []VirtualSwitchConfig
	started         bool
}

// ControllerAddr returns the dial address for this slice's tenant
// controller.
func (s *Slice) ControllerAddr() string {
	return net.JoinHostPort(s.ControllerHost, fmt.Sprintf("%d", s.ControllerPort))
}

// Started reports whether this slice has been toggled on; check_online
// never considers a virtual switch in a slice that hasn't started
// online.
func (s *Slice) Started() bool {
	return s.started
}

// SetStarted toggles the started flag.
func (s *Slice) SetStarted(started bool) {
	s.started = started
}

// MeterID is the per-slice drop meter id the rule installer programs on
// every physical switch: slice id + 1, reserving meter id 0.
func (s *Slice) MeterID() uint32 {
	return uint32(s.ID) + 1
}

// Registry is the full set of configured slices, keyed by slice id.
type Registry struct {
	slices map[uint8]*Slice
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{slices: make(map[uint8]*Slice)}
}

// ErrDuplicateSlice is returned by Add when a slice id is already taken.
var ErrDuplicateSlice = fmt.Errorf("slicecfg: duplicate slice id")

// ErrSliceIDOutOfRange is returned by Add when a slice id does not fit
// in the 6-bit slice-id tag field.
var ErrSliceIDOutOfRange = fmt.Errorf("slicecfg: slice id out of range (must be 0..%d)", tag.MaxSliceID)

// Add registers a new slice. The slice id must be unique and fit in the
// 6-bit tag field (0..63).
func (r *Registry) Add(s *Slice) error {
	if int(s.ID) > tag.MaxSliceID {
		return ErrSliceIDOutOfRange
	}
	if _, exists := r.slices[s.ID]; exists {
		return ErrDuplicateSlice
	}
	r.slices[s.ID] = s
	return nil
}

// Slice looks up a slice by id.
func (r *Registry) Slice(id uint8) (*Slice, bool) {
	s, ok := r.slices[id]
	return s, ok
}

// All returns every configured slice, order unspecified.
func (r *Registry) All() []*Slice {
	out := make([]*Slice, 0, len(r.slices))
	for _, s := range r.slices {
		out = append(out, s)
	}
	return out
}

// VirtualSwitchEntry pairs a virtual switch configuration with its
// owning slice.
type VirtualSwitchEntry struct {
	Slice  *Slice
	Config VirtualSwitchConfig
}

// AllVirtualSwitches returns every virtual switch configuration across
// every slice, paired with its owning slice.
func (r *Registry) AllVirtualSwitches() []VirtualSwitchEntry {
	var out []VirtualSwitchEntry
	for _, s := range r.slices {
		for _, vsw := range s.VirtualSwitches {
			out = append(out, VirtualSwitchEntry{Slice: s, Config: vsw})
		}
	}
	return out
}
