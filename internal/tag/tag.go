// Package tag implements the VLAN and pipeline-metadata bit layouts the
// hypervisor uses to carry (slice, tenant port) and (destination switch)
// across the physical substrate, and (virtual switch, group-taken) through
// a single switch's pipeline.
package tag

import (
	"fmt"

	"github.com/Kmotiko/gofc/ofprotocol/ofp13"
)

const (
	// SliceBits is the width of the slice-id field packed into the low
	// six bits of the VLAN id.
	SliceBits = 6
	// PortBits is the width of the port-id field packed into the high
	// six bits of the VLAN id.
	PortBits = 6

	// MaxSliceID is the largest representable slice id.
	MaxSliceID = 1<<SliceBits - 1
	// MaxPortID is the reserved sentinel port value (0x3F) that marks a
	// VLAN tag as a switch tag instead of a port tag.
	MaxPortID = 1<<PortBits - 1
	// MaxSwitchID is the largest switch id a switch tag can carry; it
	// shares the six low bits with a port tag's slice id.
	MaxSwitchID = 1<<SliceBits - 1

	// VSwitchIDBits is the width of the virtual-switch id field in the
	// metadata tag. Fixed rather than computed per configuration — see
	// SPEC_FULL.md §5.
	VSwitchIDBits = 16
	// MaxVSwitchID is the largest representable virtual-switch id.
	MaxVSwitchID = 1<<VSwitchIDBits - 1

	groupTakenBit = 1

	// GroupTakenMask isolates the group-taken flag's own bit (bit 0) of
	// the metadata register, for callers that need to OR just that flag
	// into an already-built write-metadata instruction without touching
	// the adjacent virtual-switch-id field (spec.md §4.6's write-actions
	// group-taken accounting).
	GroupTakenMask uint64 = 1

	// metadataShift is how far a tenant-supplied write-metadata value and
	// mask are shifted left to sit above the hypervisor's own
	// group-taken/virtual-switch-id fields.
	metadataShift = groupTakenBit + VSwitchIDBits

)

// tenantReservedMask has every tenant-space bit set that would be
// shifted out of the 64-bit metadata register once metadataShift is
// applied; a tenant mask touching any of these bits is rejected
// instead of silently truncated.
var tenantReservedMask = ^((uint64(1) << (64 - metadataShift)) - 1)

// Kind distinguishes a decoded VLAN tag's family.
type Kind int

const (
	// KindPort identifies a (slice, tenant port) tag.
	KindPort Kind = iota
	// KindSwitch identifies a (destination switch) transit tag.
	KindSwitch
)

// PortVLANTag carries (slice, tenant port) across a shared link.
type PortVLANTag struct {
	Slice uint8
	Port  uint8
}

// SwitchVLANTag carries a destination physical switch id for a packet in
// transit between non-adjacent switches.
type SwitchVLANTag struct {
	Switch uint8
}

// MetadataTag carries (group-taken, virtual-switch id) through a single
// switch's pipeline via the OF1.3 metadata register.
type MetadataTag struct {
	GroupTaken bool
	VSwitchID  uint32
}

// Decoded is the result of decoding a 12-bit VLAN id: exactly one of
// Port or Switch is meaningful, selected by Kind.
type Decoded struct {
	Kind   Kind
	Port   PortVLANTag
	Switch SwitchVLANTag
}

func vlanID(t PortVLANTag) uint16 {
	return uint16(t.Slice&MaxSliceID) | uint16(t.Port&MaxPortID)<<SliceBits
}

func switchVlanID(t SwitchVLANTag) uint16 {
	return uint16(t.Switch&MaxSwitchID) | uint16(MaxPortID)<<SliceBits
}

// Decode unpacks a 12-bit OXM VLAN-vid value (the OFPVID_PRESENT bit, if
// any, must already have been masked off by the caller) into a port or
// switch tag.
func Decode(vid uint16) Decoded {
	port := uint8((vid >> SliceBits) & MaxPortID)
	low := uint8(vid & MaxSliceID)

	if port == MaxPortID {
		return Decoded{Kind: KindSwitch, Switch: SwitchVLANTag{Switch: low}}
	}
	return Decoded{Kind: KindPort, Port: PortVLANTag{Slice: low, Port: port}}
}

// AddToMatch appends an OXM VLAN-vid match field for a port tag.
func AddToMatch(t PortVLANTag, match *ofp13.OfpMatch) {
	match.Append(ofp13.NewOxmVlanVid(ofp13.OFPVID_PRESENT | uint16(vlanID(t))))
}

// AddSwitchToMatch appends an OXM VLAN-vid match field for a switch tag.
func AddSwitchToMatch(t SwitchVLANTag, match *ofp13.OfpMatch) {
	match.Append(ofp13.NewOxmVlanVid(ofp13.OFPVID_PRESENT | uint16(switchVlanID(t))))
}

// AddToActions appends a set-field action writing a port tag's VLAN-vid
// onto an action set (used after a push-VLAN action).
func AddToActions(t PortVLANTag, actions *ofp13.OfpInstructionActions) {
	oxm := ofp13.NewOxmVlanVid(ofp13.OFPVID_PRESENT | uint16(vlanID(t)))
	actions.Append(ofp13.NewOfpActionSetField(oxm))
}

// AddSwitchToActions appends a set-field action writing a switch tag's
// VLAN-vid onto an action set.
func AddSwitchToActions(t SwitchVLANTag, actions *ofp13.OfpInstructionActions) {
	oxm := ofp13.NewOxmVlanVid(ofp13.OFPVID_PRESENT | uint16(switchVlanID(t)))
	actions.Append(ofp13.NewOfpActionSetField(oxm))
}

// portFieldMask covers the tag-presence bit and the port field of a
// packed VLAN id, leaving the slice field clear.
const portFieldMask = uint16(ofp13.OFPVID_PRESENT) | uint16(MaxPortID)<<SliceBits

// AddPortOnlyToMatch appends a masked OXM VLAN-vid match that pins a
// port tag's port field (and tag-presence bit) while wildcarding its
// slice field. Table 1's local-egress rule delivers by physical port
// alone — a port's identity already determines its one tenant, so the
// rule must fire regardless of which slice tagged the packet.
func AddPortOnlyToMatch(port uint8, match *ofp13.OfpMatch) {
	value := ofp13.OFPVID_PRESENT | uint16(port&MaxPortID)<<SliceBits
	match.Append(ofp13.NewOxmVlanVidW(value, portFieldMask))
}

// RewritePortField appends a masked set-field action that overwrites
// only a port tag's port field, leaving whatever slice value is
// already on the packet untouched. Used when a link-bound port's
// table-1 local-egress rule converts a concrete destination-port tag
// into the shared-link sentinel tag for the next hop across the
// substrate (spec.md §4.4: "rewrite the VLAN ... retaining slice").
func RewritePortField(port uint8, actions *ofp13.OfpInstructionActions) {
	value := uint16(port&MaxPortID) << SliceBits
	mask := uint16(MaxPortID) << SliceBits
	actions.Append(ofp13.NewOfpActionSetField(ofp13.NewOxmVlanVidW(value, mask)))
}

// Encode returns the metadata register value and the write-mask that
// covers exactly the bits this package defines (group-taken flag plus
// the virtual-switch id field).
func (m MetadataTag) Encode() (value, mask uint64) {
	mask = (uint64(1) << (groupTakenBit + VSwitchIDBits)) - 1
	if m.GroupTaken {
		value |= 1
	}
	value |= uint64(m.VSwitchID&MaxVSwitchID) << groupTakenBit
	return value, mask
}

// AddToInstructions appends a write-metadata instruction carrying this
// tag to flowmod's instruction list.
func (m MetadataTag) AddToInstructions(flowmod *ofp13.OfpFlowMod) {
	value, mask := m.Encode()
	flowmod.Instructions = append(flowmod.Instructions, ofp13.NewOfpInstructionWriteMetadata(value, mask))
}

// DecodeMetadata reconstructs a MetadataTag from a metadata register
// value as read back from a packet-in's match fields.
func DecodeMetadata(value uint64) MetadataTag {
	return MetadataTag{
		GroupTaken: value&1 != 0,
		VSwitchID:  uint32((value >> groupTakenBit) & MaxVSwitchID),
	}
}

// ErrReservedMetadataBits is returned by RewriteWriteMetadataMask when a
// tenant-supplied mask touches bits above the group-taken flag and
// virtual-switch id field.
var ErrReservedMetadataBits = fmt.Errorf("tenant write-metadata mask touches reserved bits")

// RewriteWriteMetadataMask shifts a tenant-supplied write-metadata value
// and mask left by 1+VSwitchIDBits so that it lands above the
// hypervisor's own group-taken/virtual-switch-id fields, rejecting masks
// whose high bits would be shifted out of the 64-bit register.
func RewriteWriteMetadataMask(value, mask uint64) (newValue, newMask uint64, err error) {
	if mask&tenantReservedMask != 0 {
		return 0, 0, ErrReservedMetadataBits
	}
	return value << metadataShift, mask << metadataShift, nil
}
