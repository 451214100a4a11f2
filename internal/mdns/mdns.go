package mdns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/rjboer/gochnlzr/internal/proto"
)

// DefaultService is the service type brokers advertise.
const DefaultService = "_chnlzr-brkr._tcp"

// Host represents a discovered broker advertisement.
type Host struct {
	Instance  string // Advertised name: "brkr on rooftop"
	Hostname  string // DNS hostname: "rooftop.local."
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Broker returns the dialable broker address, preferring a literal IPv4
// address over the advertised hostname.
func (h Host) Broker() proto.BrokerHost {
	name := strings.TrimSuffix(h.Hostname, ".")
	for _, ip := range h.Addresses {
		if ip.To4() != nil {
			name = ip.String()
			break
		}
	}
	if name == "" && len(h.Addresses) > 0 {
		name = h.Addresses[0].String()
	}
	return proto.BrokerHost{Hostname: name, Port: uint16(h.Port)}
}

// Discover performs a blocking mDNS browse for service in the local. domain
// until timeout elapses or ctx is done. Results are deduplicated and sorted.
func Discover(ctx context.Context, service string, timeout time.Duration) ([]Host, error) {
	if service == "" {
		service = DefaultService
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("resolver error: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	resultMap := make(map[string]Host)

	// Consumer goroutine
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					return
				}
				if e == nil || e.Port <= 0 || e.Port > 0xffff {
					continue
				}
				h := hostFromEntry(e)
				resultMap[fmt.Sprintf("%s|%d", h.Hostname, h.Port)] = h
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		return nil, fmt.Errorf("browse error: %w", err)
	}

	<-done

	out := make([]Host, 0, len(resultMap))
	for _, h := range resultMap {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

// DiscoverBrokers is Discover reduced to dialable broker addresses.
func DiscoverBrokers(ctx context.Context, service string, timeout time.Duration) ([]proto.BrokerHost, error) {
	hosts, err := Discover(ctx, service, timeout)
	if err != nil {
		return nil, err
	}
	out := make([]proto.BrokerHost, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, h.Broker())
	}
	return out, nil
}

func hostFromEntry(e *zeroconf.ServiceEntry) Host {
	// Consolidate IPs (both v4 and v6)
	addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	addrs = append(addrs, e.AddrIPv4...)
	addrs = append(addrs, e.AddrIPv6...)
	return Host{
		Instance:  cleanInstance(e.Instance),
		Hostname:  e.HostName,
		Addresses: addrs,
		Port:      e.Port,
		TXT:       append([]string{}, e.Text...),
	}
}

// cleanInstance removes Zeroconf escape sequences: "\ " => " "
func cleanInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
