package server

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

func TestFromURIBasic(t *testing.T) {
	s, err := FromURI("dns+tls://[2001:db8::1]:55?name=example.org")
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1", s.Address.Format())
	require.Equal(t, uint16(55), s.Address.Port)
	require.Equal(t, ProtocolTLS, s.Protocol)
	require.Equal(t, "example.org", s.Name)
	require.Equal(t, []string{"."}, s.RoutingDomains)
}

func TestFromURIDefaultTLSPort(t *testing.T) {
	s, err := FromURI("dns+tls://1.1.1.1")
	require.NoError(t, err)
	require.Equal(t, uint16(853), s.Address.Port)
}

func TestFromURIDnssecAsymmetry(t *testing.T) {
	s, err := FromURI("dns+udp://1.1.1.1?dnssec=0")
	require.NoError(t, err)
	require.False(t, s.DNSSEC)

	s2, err := FromURI("dns+udp://1.1.1.1?dnssec=false")
	require.NoError(t, err)
	require.True(t, s2.DNSSEC)
}

func TestFromURIUnknownQueryIgnored(t *testing.T) {
	s, err := FromURI("dns+udp://1.1.1.1?bogus=1")
	require.NoError(t, err)
	require.Equal(t, uint16(53), s.Address.Port)
}

func TestFromURIRepeatedKeys(t *testing.T) {
	s, err := FromURI("dns+udp://1.1.1.1?domain=a.com&domain=b.com&search=c.com&network=192.168.0.0/24")
	require.NoError(t, err)
	require.Equal(t, []string{"a.com", "b.com"}, s.RoutingDomains)
	require.Equal(t, []string{"c.com"}, s.SearchDomains)
	require.Len(t, s.Networks, 1)
}

func TestFromJSONRoundTrip(t *testing.T) {
	in := `[{"address":"8.8.8.8","protocol":"dns+udp","priority":10,
	        "routing_domains":["."],"search_domains":["corp.example"],
	        "networks":["192.168.1.0/24"],"dnssec":true}]`
	servers, err := FromJSON([]byte(in))
	require.NoError(t, err)
	require.Len(t, servers, 1)

	data, err := servers[0].ToJSON()
	require.NoError(t, err)

	roundTripped, err := FromJSON([]byte("[" + string(data) + "]"))
	require.NoError(t, err)
	require.Len(t, roundTripped, 1)
	require.True(t, Equal(servers[0], roundTripped[0]))
	require.Equal(t, servers[0].RoutingDomains, roundTripped[0].RoutingDomains)
	require.Equal(t, servers[0].Networks, roundTripped[0].Networks)
}

func TestFromJSONBadType(t *testing.T) {
	_, err := FromJSON([]byte(`[{"address":"8.8.8.8","priority":"not-a-number"}]`))
	require.ErrorIs(t, err, ErrBadlyFormedJSON)
}

func TestFromJSONMissingAddress(t *testing.T) {
	_, err := FromJSON([]byte(`[{"priority":1}]`))
	require.ErrorIs(t, err, ErrBadlyFormedJSON)
}

func TestFromJSONDnssecVariants(t *testing.T) {
	cases := []string{
		`[{"address":"1.1.1.1","dnssec":false}]`,
		`[{"address":"1.1.1.1","dnssec":0}]`,
		`[{"address":"1.1.1.1","dnssec":"0"}]`,
	}
	for _, c := range cases {
		servers, err := FromJSON([]byte(c))
		require.NoError(t, err, c)
		require.False(t, servers[0].DNSSEC, c)
	}
}

func TestFromBusDictStringAddress(t *testing.T) {
	dict := map[string]dbus.Variant{
		"address":         dbus.MakeVariant("9.9.9.9"),
		"protocol":        dbus.MakeVariant("dns+tls"),
		"routing_domains": dbus.MakeVariant([]string{"example.com"}),
	}
	s, err := FromBusDict(dict)
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9", s.Address.Format())
	require.Equal(t, ProtocolTLS, s.Protocol)
	require.Equal(t, []string{"example.com"}, s.RoutingDomains)
}

func TestFromBusDictBlobAddress(t *testing.T) {
	dict := map[string]dbus.Variant{
		"address": dbus.MakeVariant([]byte{8, 8, 8, 8}),
	}
	s, err := FromBusDict(dict)
	require.NoError(t, err)
	require.Equal(t, "8.8.8.8", s.Address.Format())
}

func TestFromBusDictInvalidDomain(t *testing.T) {
	dict := map[string]dbus.Variant{
		"address":         dbus.MakeVariant("1.1.1.1"),
		"routing_domains": dbus.MakeVariant([]string{"bad..domain"}),
	}
	_, err := FromBusDict(dict)
	require.ErrorIs(t, err, ErrInvalidDomain)
}

func TestInterfaceNameTooLong(t *testing.T) {
	_, err := FromURI("dns+udp://1.1.1.1?interface=thisinterfacenameistoolong")
	require.Error(t, err)
}

func TestSortOrdering(t *testing.T) {
	a := &Server{Priority: 10, Protocol: ProtocolUDP, DNSSEC: true}
	b := &Server{Priority: 20, Protocol: ProtocolTLS, DNSSEC: true}
	c := &Server{Priority: 20, Protocol: ProtocolUDP, DNSSEC: true}
	require.True(t, Less(b, a))
	require.True(t, Less(b, c))
	require.True(t, Less(c, a))
}
