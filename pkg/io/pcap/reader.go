// Package pcap reads packet captures and assembles them into KDD Cup 99
// connection records.
package pcap

import (
	"context"
	"errors"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Reader reads packets from PCAP files or live interfaces.
type Reader struct {
	handle    *pcap.Handle
	assembler *Assembler
	isLive    bool
}

// NewFileReader creates a reader for PCAP files.
func NewFileReader(filename string, opts ...AssemblerOption) (*Reader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		assembler: NewAssembler(opts...),
		isLive:    false,
	}, nil
}

// NewLiveReader creates a reader for live packet capture.
func NewLiveReader(iface string, snaplen int32, promisc bool, timeout time.Duration, opts ...AssemblerOption) (*Reader, error) {
	handle, err := pcap.OpenLive(iface, snaplen, promisc, timeout)
	if err != nil {
		return nil, err
	}

	return &Reader{
		handle:    handle,
		assembler: NewAssembler(opts...),
		isLive:    true,
	}, nil
}

// Read assembles every packet of the capture and returns the connections.
// Flows still open at the end of the capture are completed.
func (r *Reader) Read() ([]kdd.Connection, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}
	if r.isLive {
		return nil, errors.New("read is not supported on live captures, use Stream")
	}

	var out []kdd.Connection
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		if p, ok := Decode(packet); ok {
			out = append(out, r.assembler.Add(p)...)
		}
	}
	return append(out, r.assembler.Flush()...), nil
}

// Stream returns a channel of connections as they complete.
func (r *Reader) Stream(ctx context.Context) (<-chan kdd.Connection, error) {
	if r.handle == nil {
		return nil, errors.New("reader not initialized")
	}

	out := make(chan kdd.Connection, 1000)
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())

	send := func(conns []kdd.Connection) bool {
		for _, c := range conns {
			select {
			case out <- c:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case packet, ok := <-packetSource.Packets():
				if !ok {
					send(r.assembler.Flush())
					return
				}
				if p, ok := Decode(packet); ok {
					if !send(r.assembler.Add(p)) {
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// Close releases resources.
func (r *Reader) Close() error {
	if r.handle != nil {
		r.handle.Close()
	}
	return nil
}

// Decode summarizes an IPv4 or IPv6 packet carrying TCP, UDP or ICMPv4.
// Other packets are skipped.
func Decode(packet gopacket.Packet) (Packet, bool) {
	var p Packet
	if md := packet.Metadata(); md != nil {
		p.Time = md.Timestamp
	}
	p.Malformed = packet.ErrorLayer() != nil

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		p.SrcIP, p.DstIP = ip.SrcIP.String(), ip.DstIP.String()
		// A fragment reaching past the maximum datagram size is a wrong
		// fragment even when it decodes.
		if int(ip.FragOffset)*8+len(ip.Payload) > 65535 {
			p.Malformed = true
		}
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		p.SrcIP, p.DstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return Packet{}, false
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		p.Protocol = "tcp"
		p.SrcPort, p.DstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
		p.Payload = len(tcp.Payload)
		p.SYN, p.ACK, p.FIN, p.RST, p.URG = tcp.SYN, tcp.ACK, tcp.FIN, tcp.RST, tcp.URG
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		p.Protocol = "udp"
		p.SrcPort, p.DstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
		p.Payload = len(udp.Payload)
	} else if icmpLayer := packet.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp := icmpLayer.(*layers.ICMPv4)
		p.Protocol = "icmp"
		p.ICMPType = icmp.TypeCode.Type()
		p.Payload = len(icmp.Payload)
	} else {
		return Packet{}, false
	}

	return p, true
}
