package topology

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ProbeEtherType is a reserved, non-routable EtherType used to frame
// topology-discovery packets, analogous to LLDP's 0x88cc but private to
// this hypervisor so a probe can never be mistaken for tenant traffic.
const ProbeEtherType = 0x8999

// probeMagic precedes the payload so a packet-in that happens to land on
// the same EtherType by coincidence is still rejected.
const probeMagic = 0x0F57AB1E

// probeBroadcast is the destination MAC used on every probe frame; probes
// are never meant to be bridged by anything other than this hypervisor's
// static topology-probe rule, so any address would do.
var probeBroadcast = net.HardwareAddr{0x01, 0x80, 0xC2, 0x00, 0x00, 0x99}

// EncodeProbe builds a minimal Ethernet frame carrying
// (emitterSwitchID, emitterPort) as the topology-discovery payload,
// following the same gopacket.SerializeLayers technique the teacher
// repo's arp package uses to build ARP replies.
func EncodeProbe(srcMAC net.HardwareAddr, emitterSwitchID int, emitterPort uint32) ([]byte, error) {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], probeMagic)
	binary.BigEndian.PutUint32(payload[4:8], uint32(emitterSwitchID))
	binary.BigEndian.PutUint32(payload[8:12], emitterPort)

	eth := layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       probeBroadcast,
		EthernetType: layers.EthernetType(ProbeEtherType),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{}
	if err := gopacket.SerializeLayers(buf, opts, &eth, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("topology: encode probe: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeProbe extracts (emitterSwitchID, emitterPort) from a received
// probe frame, rejecting anything that doesn't carry the probe magic.
func DecodeProbe(data []byte) (emitterSwitchID int, emitterPort uint32, err error) {
	p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)

	ethLayer := p.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return 0, 0, fmt.Errorf("topology: decode probe: no ethernet layer")
	}
	eth := ethLayer.(*layers.Ethernet)
	if len(eth.Payload) < 12 {
		return 0, 0, fmt.Errorf("topology: decode probe: short payload")
	}

	if magic := binary.BigEndian.Uint32(eth.Payload[0:4]); magic != probeMagic {
		return 0, 0, fmt.Errorf("topology: decode probe: bad magic %#x", magic)
	}
	emitterSwitchID = int(binary.BigEndian.Uint32(eth.Payload[4:8]))
	emitterPort = binary.BigEndian.Uint32(eth.Payload[8:12])
	return emitterSwitchID, emitterPort, nil
}
