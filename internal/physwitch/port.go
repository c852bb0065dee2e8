package physwitch

import (
	"github.com/Kmotiko/gofc/ofprotocol/ofp13"

	"github.com/ofhv/hypervisor/internal/topology"
)

// RuleState records which table-0 in-port demux rule is currently
// installed for a port, so update_dynamic_rules can suppress no-op
// flow-mods and know whether to ADD or MODIFY.
type RuleState int

const (
	// NoRule means no table-0 demux rule has been installed yet.
	NoRule RuleState = iota
	// LinkRule means the port demuxes to table 1 (it is part of a
	// discovered inter-switch link).
	LinkRule
	// HostRule means the port writes the host's virtual-switch metadata
	// tag and jumps to the tenant tables.
	HostRule
	// DropRule means the port carries no link and has no single virtual
	// switch interested in it; it gets a table-0 rule with no
	// instructions, so its packets are dropped.
	DropRule
)

// Port is one physical switch port as the hypervisor tracks it.
type Port struct {
	PortNo uint32
	Data   ofp13.OfpPort

	// Link is non-nil when this port has a live discovered link to
	// another physical switch's port. The authoritative owner of the
	// link is this field (and its counterpart on the peer switch), per
	// spec.md §9; topology.Engine only tracks the liveness timer.
	Link *topology.Link

	RuleState RuleState
}
