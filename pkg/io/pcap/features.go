package pcap

import (
	"sort"
	"time"
)

const (
	// trafficWindow bounds the time-based traffic features.
	trafficWindow = 2 * time.Second
	// hostWindow is the number of past connections behind the host-based
	// features.
	hostWindow = 100
)

// summary is what the traffic features need to remember of a connection.
type summary struct {
	start   time.Time
	srcIP   string
	dstIP   string
	srcPort uint16
	service string
	flag    string
}

func (s summary) serror() bool {
	switch s.flag {
	case "S0", "S1", "S2", "S3":
		return true
	}
	return false
}

func (s summary) rerror() bool {
	return s.flag == "REJ"
}

// history holds recently completed connections.
type history struct {
	recent []summary // started within trafficWindow of the newest
	last   []summary // the last hostWindow connections
}

func newHistory() *history {
	return &history{last: make([]summary, 0, hostWindow)}
}

// add records cur and returns its time- and host-based traffic features.
// cur itself is counted in both windows.
func (h *history) add(cur summary) map[string]float64 {
	keep := h.recent[:0]
	for _, s := range h.recent {
		if cur.start.Sub(s.start) <= trafficWindow {
			keep = append(keep, s)
		}
	}
	h.recent = append(keep, cur)

	if len(h.last) == hostWindow {
		copy(h.last, h.last[1:])
		h.last = h.last[:hostWindow-1]
	}
	h.last = append(h.last, cur)

	out := make(map[string]float64, 19)
	timeFeatures(cur, h.recent, out)
	hostFeatures(cur, h.last, out)
	return out
}

// timeFeatures fills count, srv_count and their rates over the connections
// of the last two seconds.
func timeFeatures(cur summary, window []summary, out map[string]float64) {
	var host, hostSerr, hostRerr, hostSameSrv int
	var srv, srvSerr, srvRerr, srvDiffHost int
	for _, s := range window {
		if s.dstIP == cur.dstIP {
			host++
			if s.serror() {
				hostSerr++
			}
			if s.rerror() {
				hostRerr++
			}
			if s.service == cur.service {
				hostSameSrv++
			}
		}
		if s.service == cur.service {
			srv++
			if s.serror() {
				srvSerr++
			}
			if s.rerror() {
				srvRerr++
			}
			if s.dstIP != cur.dstIP {
				srvDiffHost++
			}
		}
	}

	out["count"] = float64(host)
	out["srv_count"] = float64(srv)
	out["serror_rate"] = rate(hostSerr, host)
	out["rerror_rate"] = rate(hostRerr, host)
	out["same_srv_rate"] = rate(hostSameSrv, host)
	out["diff_srv_rate"] = rate(host-hostSameSrv, host)
	out["srv_serror_rate"] = rate(srvSerr, srv)
	out["srv_rerror_rate"] = rate(srvRerr, srv)
	out["srv_diff_host_rate"] = rate(srvDiffHost, srv)
}

// hostFeatures fills the dst_host_* features over the last hundred
// connections.
func hostFeatures(cur summary, window []summary, out map[string]float64) {
	var host, hostSameSrv, hostSamePort, hostSerr, hostRerr int
	var srv, srvDiffHost, srvSerr, srvRerr int
	for _, s := range window {
		if s.dstIP == cur.dstIP {
			host++
			if s.service == cur.service {
				hostSameSrv++
			}
			if s.srcPort == cur.srcPort {
				hostSamePort++
			}
			if s.serror() {
				hostSerr++
			}
			if s.rerror() {
				hostRerr++
			}
		}
		if s.service == cur.service {
			srv++
			if s.dstIP != cur.dstIP {
				srvDiffHost++
			}
			if s.serror() {
				srvSerr++
			}
			if s.rerror() {
				srvRerr++
			}
		}
	}

	out["dst_host_count"] = float64(host)
	out["dst_host_srv_count"] = float64(srv)
	out["dst_host_same_srv_rate"] = rate(hostSameSrv, host)
	out["dst_host_diff_srv_rate"] = rate(host-hostSameSrv, host)
	out["dst_host_same_src_port_rate"] = rate(hostSamePort, host)
	out["dst_host_srv_diff_host_rate"] = rate(srvDiffHost, srv)
	out["dst_host_serror_rate"] = rate(hostSerr, host)
	out["dst_host_srv_serror_rate"] = rate(srvSerr, srv)
	out["dst_host_rerror_rate"] = rate(hostRerr, host)
	out["dst_host_srv_rerror_rate"] = rate(srvRerr, srv)
}

func rate(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of)
}

func sortFlows(fs []*flow) {
	sort.Slice(fs, func(i, j int) bool {
		return fs[i].first.Before(fs[j].first)
	})
}

var tcpServices = map[uint16]string{
	7: "echo", 9: "discard", 11: "systat", 13: "daytime", 15: "netstat",
	20: "ftp_data", 21: "ftp", 22: "ssh", 23: "telnet", 25: "smtp",
	37: "time", 43: "whois", 53: "domain", 70: "gopher", 79: "finger",
	80: "http", 109: "pop_2", 110: "pop_3", 111: "sunrpc", 113: "auth",
	119: "nntp", 123: "ntp_u", 137: "netbios_ns", 138: "netbios_dgm",
	139: "netbios_ssn", 143: "imap4", 179: "bgp", 194: "IRC", 389: "ldap",
	443: "http_443", 512: "exec", 513: "login", 514: "shell", 515: "printer",
	540: "uucp", 543: "klogin", 544: "kshell", 2784: "http_2784",
	8001: "http_8001",
}

var udpServices = map[uint16]string{
	53: "domain_u", 69: "tftp_u", 123: "ntp_u",
}

// serviceOf names the destination service the way the KDD data does.
// Unknown ports map to "private" above 1023 and "other" below.
func serviceOf(proto string, port uint16, icmpType uint8) string {
	switch proto {
	case "icmp":
		switch icmpType {
		case 0:
			return "ecr_i"
		case 8:
			return "eco_i"
		case 3:
			return "urp_i"
		case 5:
			return "red_i"
		case 13, 14:
			return "tim_i"
		default:
			return "oth_i"
		}
	case "udp":
		if s, ok := udpServices[port]; ok {
			return s
		}
	default:
		if port >= 6000 && port <= 6063 {
			return "X11"
		}
		if s, ok := tcpServices[port]; ok {
			return s
		}
	}
	if port > 1023 {
		return "private"
	}
	return "other"
}
