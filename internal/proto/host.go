package proto

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
)

// URI schemes accepted for host addresses.
const (
	SchemeChannelizer = "chnlzr"
	SchemeBroker      = "brkr"
)

// BrokerHost is the address of a broker or channelizer.
type BrokerHost struct {
	Hostname string `cbor:"1,keyasint"`
	Port     uint16 `cbor:"2,keyasint"`
}

// Addr returns the host in dialable host:port form.
func (h BrokerHost) Addr() string {
	return net.JoinHostPort(h.Hostname, strconv.Itoa(int(h.Port)))
}

func (h BrokerHost) String() string { return h.Addr() }

// ParseHostURI parses "chnlzr://host:port" or "brkr://host:port".
func ParseHostURI(raw string) (scheme string, host BrokerHost, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", BrokerHost{}, fmt.Errorf("parse host uri %q: %w", raw, err)
	}
	switch u.Scheme {
	case SchemeChannelizer, SchemeBroker:
	default:
		return "", BrokerHost{}, fmt.Errorf("host uri %q: unsupported scheme %q (want %s:// or %s://)",
			raw, u.Scheme, SchemeChannelizer, SchemeBroker)
	}
	host, err = ParseHostPort(u.Host)
	if err != nil {
		return "", BrokerHost{}, fmt.Errorf("host uri %q: %w", raw, err)
	}
	return u.Scheme, host, nil
}

// ParseHostPort parses a plain "host:port" pair.
func ParseHostPort(hostport string) (BrokerHost, error) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return BrokerHost{}, err
	}
	if h == "" {
		return BrokerHost{}, fmt.Errorf("missing hostname in %q", hostport)
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return BrokerHost{}, fmt.Errorf("invalid port %q", p)
	}
	return BrokerHost{Hostname: h, Port: uint16(port)}, nil
}
