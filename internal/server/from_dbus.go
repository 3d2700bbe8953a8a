package server

import (
	"fmt"
	"net/netip"

	"github.com/godbus/dbus/v5"

	"dnsconfd/internal/addr"
)

// FromBusDict parses one element of the Update method's `aa{sv}`
// argument. address may be a string literal or a 4- or 16-byte blob;
// every other key is typed as documented in the bus interface.
func FromBusDict(dict map[string]dbus.Variant) (*Server, error) {
	s := newServerDefaults()

	a, err := parseBusAddress(dict)
	if err != nil {
		return nil, err
	}
	s.Address = a

	if v, ok := dict["port"]; ok {
		p, ok := v.Value().(int32)
		if !ok || p < 0 || p > 65535 {
			return nil, fmt.Errorf("invalid server dict: port must be an int32 0-65535")
		}
		s.Address.Port = uint16(p)
	}
	if v, ok := dict["priority"]; ok {
		p, ok := v.Value().(int32)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: priority must be an int32")
		}
		s.Priority = p
	}
	if v, ok := dict["protocol"]; ok {
		str, ok := v.Value().(string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: protocol must be a string")
		}
		proto, err := ParseProtocol(str)
		if err != nil {
			return nil, err
		}
		s.Protocol = proto
	}
	if v, ok := dict["interface"]; ok {
		str, ok := v.Value().(string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: interface must be a string")
		}
		s.Interface = str
	}
	if v, ok := dict["dnssec"]; ok {
		b, ok := v.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: dnssec must be a bool")
		}
		s.DNSSEC = b
	}
	if v, ok := dict["ca"]; ok {
		str, ok := v.Value().(string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: ca must be a string")
		}
		s.CA = str
	}
	if v, ok := dict["name"]; ok {
		str, ok := v.Value().(string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: name must be a string")
		}
		s.Name = str
	}
	if v, ok := dict["routing_domains"]; ok {
		list, ok := v.Value().([]string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: routing_domains must be a string array")
		}
		s.RoutingDomains = list
	}
	if v, ok := dict["search_domains"]; ok {
		list, ok := v.Value().([]string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: search_domains must be a string array")
		}
		s.SearchDomains = list
	}
	if v, ok := dict["networks"]; ok {
		list, ok := v.Value().([]string)
		if !ok {
			return nil, fmt.Errorf("invalid server dict: networks must be a string array")
		}
		for _, n := range list {
			net, err := addr.ParseNetwork(n)
			if err != nil {
				return nil, fmt.Errorf("invalid server dict: %w", err)
			}
			s.Networks = append(s.Networks, net)
		}
	}

	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

func parseBusAddress(dict map[string]dbus.Variant) (addr.Address, error) {
	v, ok := dict["address"]
	if !ok {
		return addr.Address{}, fmt.Errorf("invalid server dict: missing address")
	}

	switch val := v.Value().(type) {
	case string:
		return addr.ParseAddress(val)
	case []byte:
		switch len(val) {
		case 4:
			ip := netip.AddrFrom4([4]byte{val[0], val[1], val[2], val[3]})
			return addr.Address{Family: addr.FamilyV4, IP: ip}, nil
		case 16:
			var b16 [16]byte
			copy(b16[:], val)
			ip := netip.AddrFrom16(b16)
			return addr.Address{Family: addr.FamilyV6, IP: ip}, nil
		default:
			return addr.Address{}, fmt.Errorf("invalid server dict: address blob must be 4 or 16 bytes")
		}
	default:
		return addr.Address{}, fmt.Errorf("invalid server dict: address must be a string or byte blob")
	}
}
