// Package server implements the Server record (spec component B): its
// three ingress constructors (URI string, JSON array, structured bus
// dict), validation, and the ordering used to build and sort routing
// tables.
package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"dnsconfd/internal/addr"
)

// maxInterfaceLen is the OS network-interface-name cap (IFNAMSIZ
// includes the trailing NUL), matching the original daemon's use of
// IFNAMSIZ from <linux/if.h>.
const maxInterfaceLen = unix.IFNAMSIZ - 1

// Server is the daemon's unit of upstream-resolver configuration. Two
// Server values are compared for routing-table/reconciliation purposes
// with Equal, which intentionally ignores RoutingDomains,
// SearchDomains and Networks.
type Server struct {
	Address        addr.Address
	Priority       int32
	Protocol       Protocol
	Interface      string
	DNSSEC         bool
	CA             string
	Name           string
	RoutingDomains []string
	SearchDomains  []string
	Networks       []addr.Network
}

func newServerDefaults() *Server {
	return &Server{DNSSEC: true, Protocol: ProtocolUDP}
}

// applyDefaults fills in the routing_domains default of {"."} and the
// protocol-based effective port, and validates the assembled server.
func (s *Server) applyDefaults() error {
	if len(s.RoutingDomains) == 0 {
		s.RoutingDomains = []string{"."}
	}
	s.Address = s.Address.WithDefaultPort(s.Protocol.DefaultPort())
	return s.validate()
}

func (s *Server) validate() error {
	if len(s.Interface) > maxInterfaceLen {
		return fmt.Errorf("interface name %q exceeds %d characters", s.Interface, maxInterfaceLen)
	}
	if err := validateDomains(s.RoutingDomains); err != nil {
		return err
	}
	if err := validateDomains(s.SearchDomains); err != nil {
		return err
	}
	return nil
}

// TierKey is the (priority, protocol, dnssec) tuple that groups
// servers into selection tiers (§4.4) and drives sort ordering (§4.3).
type TierKey struct {
	Priority int32
	Protocol Protocol
	DNSSEC   bool
}

func (s *Server) Tier() TierKey {
	return TierKey{Priority: s.Priority, Protocol: s.Protocol, DNSSEC: s.DNSSEC}
}

// Less implements the routing-table sort comparator: priority desc,
// protocol desc, dnssec desc.
func Less(a, b *Server) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Protocol != b.Protocol {
		return a.Protocol > b.Protocol
	}
	if a.DNSSEC != b.DNSSEC {
		return a.DNSSEC // true (dnssec) sorts before false
	}
	return false
}

// Equal implements the set-equality comparator used by the
// reconciler (§4.6): same fields except RoutingDomains, SearchDomains
// and Networks, whose changes are handled by table rebuild and the
// stub-file writer instead.
func Equal(a, b *Server) bool {
	return a.Address.Family == b.Address.Family &&
		a.Address.IP == b.Address.IP &&
		a.Address.Port == b.Address.Port &&
		a.Priority == b.Priority &&
		a.Protocol == b.Protocol &&
		a.Interface == b.Interface &&
		a.DNSSEC == b.DNSSEC &&
		a.CA == b.CA &&
		a.Name == b.Name
}

// EqualSet reports whether two ordered server lists are equal under
// Equal, element-wise, with no reordering tolerance: the same servers
// in a different order compare unequal.
func EqualSet(a, b []*Server) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
