// Package mdns publishes and browses remote logger services on the local
// network using multicast DNS.
package mdns

import (
	"fmt"
	"net"
	"slices"
	"strconv"
)

// ServiceRecord is one resolved service instance.
type ServiceRecord struct {
	Instance string
	Service  string
	Domain   string

	HostName string
	Port     int
	AddrIPv4 []net.IP
	AddrIPv6 []net.IP
	Text     []string
}

// InstanceName returns the fully qualified service instance name. It stays
// the same for as long as the peer keeps advertising under that name.
func (r ServiceRecord) InstanceName() string {
	return fmt.Sprintf("%s.%s.%s", r.Instance, r.Service, r.Domain)
}

// Host picks the address to dial. IPv4 is preferred since IPv6 link-local
// addresses need a zone that the record does not carry.
func (r ServiceRecord) Host() string {
	if len(r.AddrIPv4) > 0 {
		return r.AddrIPv4[0].String()
	}
	if len(r.AddrIPv6) > 0 {
		return r.AddrIPv6[0].String()
	}
	return r.HostName
}

// Addr returns host:port.
func (r ServiceRecord) Addr() string {
	return net.JoinHostPort(r.Host(), strconv.Itoa(r.Port))
}

// TXT parses the text records. Malformed entries are ignored.
func (r ServiceRecord) TXT() TXTRecordSet {
	txt := TXTRecordSet{}
	for _, pair := range r.Text {
		_ = txt.FromSlice([]string{pair})
	}
	return txt
}

// Network returns the advertised transport network, or "" if the record
// does not carry one.
func (r ServiceRecord) Network() string {
	v, err := r.TXT().GetOne(TXTKeyNetwork)
	if err != nil {
		return ""
	}
	return v
}

// Equal reports whether two records describe the same endpoint.
func (r ServiceRecord) Equal(o ServiceRecord) bool {
	return r.Instance == o.Instance &&
		r.Service == o.Service &&
		r.Domain == o.Domain &&
		r.HostName == o.HostName &&
		r.Port == o.Port &&
		slices.EqualFunc(r.AddrIPv4, o.AddrIPv4, net.IP.Equal) &&
		slices.EqualFunc(r.AddrIPv6, o.AddrIPv6, net.IP.Equal) &&
		slices.Equal(r.Text, o.Text)
}
