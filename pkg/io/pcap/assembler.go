package pcap

import (
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/kddguard/pkg/kdd"
)

// Packet is the decoded summary of one captured packet.
type Packet struct {
	Time     time.Time
	Protocol string // tcp, udp or icmp
	SrcIP    string
	DstIP    string
	SrcPort  uint16
	DstPort  uint16
	ICMPType uint8
	Payload  int

	SYN, ACK, FIN, RST, URG bool

	// Malformed is set when part of the packet failed to decode.
	Malformed bool
}

// Default flow timeouts.
const (
	DefaultTCPTimeout = 60 * time.Second
	DefaultUDPTimeout = 10 * time.Second
)

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// WithTCPTimeout sets how long an idle TCP flow stays open.
func WithTCPTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.tcpTimeout = d
	}
}

// WithUDPTimeout sets how long an idle UDP flow stays open.
func WithUDPTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) {
		a.udpTimeout = d
	}
}

// WithIDs sets the connection ID generator.
func WithIDs(next func() string) AssemblerOption {
	return func(a *Assembler) {
		a.newID = next
	}
}

// Assembler groups packets into connections and derives the KDD feature
// record of each connection when it completes. It is not safe for
// concurrent use.
type Assembler struct {
	tcpTimeout time.Duration
	udpTimeout time.Duration
	newID      func() string

	flows     map[flowKey]*flow
	history   *history
	lastSweep time.Time
}

// NewAssembler creates an empty Assembler.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		tcpTimeout: DefaultTCPTimeout,
		udpTimeout: DefaultUDPTimeout,
		newID:      uuid.NewString,
		flows:      make(map[flowKey]*flow),
		history:    newHistory(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type flowKey struct {
	proto        string
	srcIP, dstIP string
	srcPort      uint16
	dstPort      uint16
}

func (k flowKey) reverse() flowKey {
	return flowKey{proto: k.proto, srcIP: k.dstIP, dstIP: k.srcIP, srcPort: k.dstPort, dstPort: k.srcPort}
}

// flow is one connection in progress; key is oriented from the originator.
type flow struct {
	key         flowKey
	first, last time.Time
	icmpType    uint8

	srcBytes, dstBytes int
	urgent, wrong      int

	origSYN, respSYNACK bool
	origFIN, respFIN    bool
	origRST, respRST    bool

	// closed flows were already emitted and only absorb trailing packets.
	closed bool
}

// Add feeds one packet and returns the connections it completed, including
// flows that went idle before the packet's timestamp.
func (a *Assembler) Add(p Packet) []kdd.Connection {
	out := a.sweep(p.Time)

	if p.Protocol == "icmp" {
		f := &flow{
			key:      flowKey{proto: "icmp", srcIP: p.SrcIP, dstIP: p.DstIP},
			first:    p.Time,
			last:     p.Time,
			icmpType: p.ICMPType,
			srcBytes: p.Payload,
		}
		if p.Malformed {
			f.wrong++
		}
		return append(out, a.complete(f))
	}

	k := flowKey{proto: p.Protocol, srcIP: p.SrcIP, dstIP: p.DstIP, srcPort: p.SrcPort, dstPort: p.DstPort}
	f, fromOrig := a.flows[k], true
	if f == nil {
		if f = a.flows[k.reverse()]; f != nil {
			fromOrig = false
		}
	}
	// A fresh SYN on a finished flow starts a new connection.
	if f != nil && f.closed && fromOrig && p.SYN && !p.ACK {
		delete(a.flows, f.key)
		f = nil
	}
	if f == nil {
		f = &flow{key: k, first: p.Time}
		a.flows[k] = f
	}
	f.last = p.Time
	if f.closed {
		return out
	}

	if fromOrig {
		f.srcBytes += p.Payload
	} else {
		f.dstBytes += p.Payload
	}
	if p.URG {
		f.urgent++
	}
	if p.Malformed {
		f.wrong++
	}

	if p.Protocol == "tcp" {
		switch {
		case fromOrig && p.SYN && !p.ACK:
			f.origSYN = true
		case !fromOrig && p.SYN && p.ACK:
			f.respSYNACK = true
		}
		if p.FIN {
			if fromOrig {
				f.origFIN = true
			} else {
				f.respFIN = true
			}
		}
		if p.RST {
			if fromOrig {
				f.origRST = true
			} else {
				f.respRST = true
			}
		}
		if f.origRST || f.respRST || (f.origFIN && f.respFIN) {
			f.closed = true
			out = append(out, a.complete(f))
		}
	}

	return out
}

// Flush completes every open flow, oldest first.
func (a *Assembler) Flush() []kdd.Connection {
	var open []*flow
	for k, f := range a.flows {
		if !f.closed {
			open = append(open, f)
		}
		delete(a.flows, k)
	}
	sortFlows(open)

	out := make([]kdd.Connection, 0, len(open))
	for _, f := range open {
		out = append(out, a.complete(f))
	}
	return out
}

// sweep expires idle flows at most once per second of capture time.
func (a *Assembler) sweep(now time.Time) []kdd.Connection {
	if !a.lastSweep.IsZero() && now.Sub(a.lastSweep) < time.Second {
		return nil
	}
	a.lastSweep = now

	var idle []*flow
	for k, f := range a.flows {
		timeout := a.tcpTimeout
		if k.proto == "udp" {
			timeout = a.udpTimeout
		}
		if now.Sub(f.last) <= timeout {
			continue
		}
		delete(a.flows, k)
		if !f.closed {
			idle = append(idle, f)
		}
	}
	sortFlows(idle)

	var out []kdd.Connection
	for _, f := range idle {
		out = append(out, a.complete(f))
	}
	return out
}

// complete derives the feature record of a finished flow and adds it to
// the traffic history.
func (a *Assembler) complete(f *flow) kdd.Connection {
	s := summary{
		start:   f.first,
		srcIP:   f.key.srcIP,
		dstIP:   f.key.dstIP,
		srcPort: f.key.srcPort,
		service: serviceOf(f.key.proto, f.key.dstPort, f.icmpType),
		flag:    f.flag(),
	}

	rec := make(kdd.Record, len(kdd.FeatureNames))
	for _, name := range kdd.FeatureNames {
		rec[name] = 0.0
	}
	rec[kdd.FieldDuration] = f.last.Sub(f.first).Seconds()
	rec[kdd.FieldProtocolType] = f.key.proto
	rec[kdd.FieldService] = s.service
	rec[kdd.FieldFlag] = s.flag
	rec[kdd.FieldSrcBytes] = float64(f.srcBytes)
	rec[kdd.FieldDstBytes] = float64(f.dstBytes)
	if f.key.srcIP == f.key.dstIP && f.key.srcPort == f.key.dstPort {
		rec["land"] = 1.0
	}
	rec["wrong_fragment"] = float64(f.wrong)
	rec["urgent"] = float64(f.urgent)

	for name, v := range a.history.add(s) {
		rec[name] = v
	}

	return kdd.Connection{
		ID:     a.newID(),
		SrcIP:  f.key.srcIP,
		DstIP:  f.key.dstIP,
		Fields: rec,
	}
}

// flag maps the TCP handshake and teardown seen on a flow to a KDD
// connection status.
func (f *flow) flag() string {
	if f.key.proto != "tcp" {
		return "SF"
	}
	switch {
	case !f.origSYN:
		return "OTH"
	case !f.respSYNACK:
		switch {
		case f.respRST:
			return "REJ"
		case f.origRST:
			return "RSTOS0"
		case f.origFIN:
			return "SH"
		default:
			return "S0"
		}
	case f.origRST:
		return "RSTO"
	case f.respRST:
		return "RSTR"
	case f.origFIN && f.respFIN:
		return "SF"
	case f.origFIN:
		return "S2"
	case f.respFIN:
		return "S3"
	default:
		return "S1"
	}
}
