package server

import (
	"encoding/json"
	"fmt"

	"dnsconfd/internal/addr"
)

// ErrBadlyFormedJSON is wrapped by every JSON ingress failure: a
// missing required field or a present field of the wrong JSON type.
var ErrBadlyFormedJSON = fmt.Errorf("badly formed json")

type jsonServer struct {
	Address        *string          `json:"address"`
	Port           *json.RawMessage `json:"port"`
	Protocol       *json.RawMessage `json:"protocol"`
	Priority       *json.RawMessage `json:"priority"`
	Interface      *json.RawMessage `json:"interface"`
	DNSSEC         *json.RawMessage `json:"dnssec"`
	CA             *json.RawMessage `json:"ca"`
	Name           *json.RawMessage `json:"name"`
	RoutingDomains *json.RawMessage `json:"routing_domains"`
	SearchDomains  *json.RawMessage `json:"search_domains"`
	Networks       *json.RawMessage `json:"networks"`
}

// FromJSON parses an array of server objects. The only required key
// is "address"; any type mismatch on a present optional key yields
// ErrBadlyFormedJSON and aborts the whole batch.
func FromJSON(data []byte) ([]*Server, error) {
	var raw []jsonServer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadlyFormedJSON, err)
	}

	servers := make([]*Server, 0, len(raw))
	for _, js := range raw {
		s, err := js.toServer()
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, nil
}

func (js jsonServer) toServer() (*Server, error) {
	if js.Address == nil {
		return nil, fmt.Errorf("%w: missing address", ErrBadlyFormedJSON)
	}
	a, err := addr.ParseAddress(*js.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadlyFormedJSON, err)
	}

	s := newServerDefaults()
	s.Address = a

	if js.Port != nil {
		var p int
		if err := json.Unmarshal(*js.Port, &p); err != nil || p < 0 || p > 65535 {
			return nil, fmt.Errorf("%w: invalid port", ErrBadlyFormedJSON)
		}
		s.Address.Port = uint16(p)
	}
	if js.Protocol != nil {
		var str string
		if err := json.Unmarshal(*js.Protocol, &str); err != nil {
			return nil, fmt.Errorf("%w: protocol must be a string", ErrBadlyFormedJSON)
		}
		proto, err := ParseProtocol(str)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadlyFormedJSON, err)
		}
		s.Protocol = proto
	}
	if js.Priority != nil {
		var p int32
		if err := json.Unmarshal(*js.Priority, &p); err != nil {
			return nil, fmt.Errorf("%w: priority must be an integer", ErrBadlyFormedJSON)
		}
		s.Priority = p
	}
	if js.Interface != nil {
		var str string
		if err := json.Unmarshal(*js.Interface, &str); err != nil {
			return nil, fmt.Errorf("%w: interface must be a string", ErrBadlyFormedJSON)
		}
		s.Interface = str
	}
	if js.DNSSEC != nil {
		v, err := parseJSONDnssec(*js.DNSSEC)
		if err != nil {
			return nil, err
		}
		s.DNSSEC = v
	}
	if js.CA != nil {
		var str string
		if err := json.Unmarshal(*js.CA, &str); err != nil {
			return nil, fmt.Errorf("%w: ca must be a string", ErrBadlyFormedJSON)
		}
		s.CA = str
	}
	if js.Name != nil {
		var str string
		if err := json.Unmarshal(*js.Name, &str); err != nil {
			return nil, fmt.Errorf("%w: name must be a string", ErrBadlyFormedJSON)
		}
		s.Name = str
	}
	if js.RoutingDomains != nil {
		list, err := parseJSONStringList(*js.RoutingDomains)
		if err != nil {
			return nil, err
		}
		s.RoutingDomains = list
	}
	if js.SearchDomains != nil {
		list, err := parseJSONStringList(*js.SearchDomains)
		if err != nil {
			return nil, err
		}
		s.SearchDomains = list
	}
	if js.Networks != nil {
		list, err := parseJSONStringList(*js.Networks)
		if err != nil {
			return nil, err
		}
		for _, n := range list {
			net, err := addr.ParseNetwork(n)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrBadlyFormedJSON, err)
			}
			s.Networks = append(s.Networks, net)
		}
	}

	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, nil
}

// parseJSONDnssec accepts a bool, an integer (0 clears it) or a string
// ("0" clears it, any other string leaves it true). This is more
// tolerant than the structured-bus constructor, which accepts only a
// bool.
func parseJSONDnssec(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var i int
	if err := json.Unmarshal(raw, &i); err == nil {
		return i != 0, nil
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str != "0", nil
	}
	return false, fmt.Errorf("%w: dnssec must be bool, int or string", ErrBadlyFormedJSON)
}

func parseJSONStringList(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("%w: expected an array of strings", ErrBadlyFormedJSON)
	}
	return list, nil
}

// ToJSON serializes a Server back to the object shape FromJSON (when
// wrapped in an array) accepts, for round-trip testing.
func (s *Server) ToJSON() ([]byte, error) {
	obj := map[string]interface{}{
		"address":         s.Address.Format(),
		"port":            int(s.Address.Port),
		"protocol":        s.Protocol.String(),
		"priority":        s.Priority,
		"interface":       s.Interface,
		"dnssec":          s.DNSSEC,
		"ca":              s.CA,
		"name":            s.Name,
		"routing_domains": s.RoutingDomains,
		"search_domains":  s.SearchDomains,
	}
	nets := make([]string, len(s.Networks))
	for i, n := range s.Networks {
		nets[i] = fmt.Sprintf("%s/%d", n.Addr.Format(), n.Prefix)
	}
	obj["networks"] = nets
	return json.Marshal(obj)
}
