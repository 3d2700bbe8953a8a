package server

import (
	"fmt"
	"net/url"
	"strconv"

	"dnsconfd/internal/addr"
)

// FromURI parses a server URI of the form
// scheme://host[:port][?k=v&...], scheme in {dns+udp,dns+tcp,dns+tls}.
// host must be an IP literal (IPv6 in brackets, stripped for
// storage). Unknown query keys are silently ignored.
func FromURI(raw string) (*Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI %q: %w", raw, err)
	}

	proto, err := ParseProtocol(u.Scheme)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI %q: %w", raw, err)
	}

	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("invalid server URI %q: missing host", raw)
	}
	ipAddr, err := addr.ParseAddress(host)
	if err != nil {
		return nil, fmt.Errorf("invalid server URI %q: %w", raw, err)
	}

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("invalid server URI %q: bad port %q", raw, portStr)
		}
		ipAddr.Port = uint16(p)
	}

	s := newServerDefaults()
	s.Address = ipAddr
	s.Protocol = proto

	if err := applyQuery(u.Query(), s); err != nil {
		return nil, fmt.Errorf("invalid server URI %q: %w", raw, err)
	}

	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

func applyQuery(q url.Values, s *Server) error {
	if v, ok := q["priority"]; ok && len(v) > 0 {
		p, err := strconv.Atoi(v[len(v)-1])
		if err != nil {
			return fmt.Errorf("invalid priority %q", v[len(v)-1])
		}
		s.Priority = int32(p)
	}
	s.RoutingDomains = append(s.RoutingDomains, q["domain"]...)
	s.SearchDomains = append(s.SearchDomains, q["search"]...)
	if v, ok := q["interface"]; ok && len(v) > 0 {
		s.Interface = v[len(v)-1]
	}
	if v, ok := q["dnssec"]; ok && len(v) > 0 {
		// Only a literal "0" clears the default; any other value is
		// ignored and dnssec stays true. This asymmetry with the JSON
		// parser is intentional (see spec §9 open questions).
		if v[len(v)-1] == "0" {
			s.DNSSEC = false
		}
	}
	if v, ok := q["ca"]; ok && len(v) > 0 {
		s.CA = v[len(v)-1]
	}
	if v, ok := q["name"]; ok && len(v) > 0 {
		s.Name = v[len(v)-1]
	}
	for _, n := range q["network"] {
		net, err := addr.ParseNetwork(n)
		if err != nil {
			return fmt.Errorf("invalid network %q: %w", n, err)
		}
		s.Networks = append(s.Networks, net)
	}
	return nil
}
