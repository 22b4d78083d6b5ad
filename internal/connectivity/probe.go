package connectivity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// HTTPProber treats any HTTP response from URL as reachable. A 5xx still
// proves the device is online; backend health is not its concern.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// NewHTTPProber creates a prober with the given request timeout.
func NewHTTPProber(url string, timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// interface name prefixes seen on Android, iOS and Linux hosts.
var transportPrefixes = []struct {
	prefix    string
	transport Transport
}{
	{"wlan", TransportWiFi},
	{"wlp", TransportWiFi},
	{"wl", TransportWiFi},
	{"rmnet", TransportCellular},
	{"ccmni", TransportCellular},
	{"pdp_ip", TransportCellular},
	{"wwan", TransportCellular},
	{"wwp", TransportCellular},
	{"eth", TransportEthernet},
	{"enp", TransportEthernet},
	{"eno", TransportEthernet},
	{"ens", TransportEthernet},
	{"en", TransportEthernet},
}

// ClassifyName maps a network interface name to a transport.
func ClassifyName(name string) Transport {
	for _, p := range transportPrefixes {
		if strings.HasPrefix(name, p.prefix) {
			return p.transport
		}
	}
	return TransportUnknown
}

// ClassifyInterfaces inspects the host's up, non-loopback interfaces and
// returns the best transport found. Wi-Fi wins over cellular, cellular over
// ethernet.
func ClassifyInterfaces() Transport {
	ifaces, err := net.Interfaces()
	if err != nil {
		return TransportUnknown
	}
	var names []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addrs, err := iface.Addrs(); err != nil || len(addrs) == 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	return bestTransport(names)
}

func bestTransport(names []string) Transport {
	rank := map[Transport]int{TransportWiFi: 3, TransportCellular: 2, TransportEthernet: 1}
	best := TransportUnknown
	if len(names) == 0 {
		return TransportNone
	}
	for _, n := range names {
		t := ClassifyName(n)
		if rank[t] > rank[best] {
			best = t
		}
	}
	return best
}
