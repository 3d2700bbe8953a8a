package routing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"dnsconfd/internal/server"
)

func mustURI(t *testing.T, raw string) *server.Server {
	t.Helper()
	s, err := server.FromURI(raw)
	require.NoError(t, err)
	return s
}

func TestBuildGroupsByDomainAndNetwork(t *testing.T) {
	a := mustURI(t, "dns+udp://1.1.1.1?domain=example.com&network=192.168.1.0/24")
	b := mustURI(t, "dns+udp://8.8.8.8")

	table, err := Build([]*server.Server{a, b})
	require.NoError(t, err)
	require.Len(t, table["example.com"], 1)
	require.Len(t, table["."], 1)
	require.Contains(t, table, "1.168.192.in-addr.arpa")
}

func TestBuildSortsByPriorityProtocolDnssec(t *testing.T) {
	low := mustURI(t, "dns+udp://1.1.1.1?priority=5")
	high := mustURI(t, "dns+tls://2.2.2.2?priority=10")
	mid := mustURI(t, "dns+udp://3.3.3.3?priority=10")

	table, err := Build([]*server.Server{low, high, mid})
	require.NoError(t, err)
	list := table["."]
	require.Len(t, list, 3)
	require.Equal(t, high, list[0])
	require.Equal(t, mid, list[1])
	require.Equal(t, low, list[2])
}

func TestActiveSetBackupModeIncludesInterfaceScopedGlobally(t *testing.T) {
	s1 := mustURI(t, "dns+udp://1.1.1.1?priority=10")
	s2 := mustURI(t, "dns+udp://2.2.2.2?priority=10&interface=eth0")
	table, err := Build([]*server.Server{s1, s2})
	require.NoError(t, err)

	active := ActiveSet(".", table["."], ModeBackup)
	require.Len(t, active, 2)
}

func TestActiveSetPreferModeExcludesInterfaceScopedOnRoot(t *testing.T) {
	s1 := mustURI(t, "dns+udp://1.1.1.1?priority=10")
	s2 := mustURI(t, "dns+udp://2.2.2.2?priority=10&interface=eth0")
	table, err := Build([]*server.Server{s1, s2})
	require.NoError(t, err)

	active := ActiveSet(".", table["."], ModePrefer)
	require.Len(t, active, 1)
	require.Equal(t, s1, active[0])
}

func TestActiveSetPreferModeIncludesInterfaceScopedOnNonRoot(t *testing.T) {
	s1 := mustURI(t, "dns+udp://2.2.2.2?priority=10&interface=eth0&domain=example.com")
	table, err := Build([]*server.Server{s1})
	require.NoError(t, err)

	active := ActiveSet("example.com", table["example.com"], ModePrefer)
	require.Len(t, active, 1)
}

func TestActiveSetExclusiveModeExcludesInterfaceScopedEverywhere(t *testing.T) {
	s1 := mustURI(t, "dns+udp://2.2.2.2?priority=10&interface=eth0&domain=example.com")
	table, err := Build([]*server.Server{s1})
	require.NoError(t, err)

	active := ActiveSet("example.com", table["example.com"], ModeExclusive)
	require.Empty(t, active)
}

func TestActiveSetStopsAtLowerTier(t *testing.T) {
	high := mustURI(t, "dns+udp://1.1.1.1?priority=10")
	low := mustURI(t, "dns+udp://2.2.2.2?priority=5")
	table, err := Build([]*server.Server{high, low})
	require.NoError(t, err)

	active := ActiveSet(".", table["."], ModeBackup)
	require.Len(t, active, 1)
	require.Equal(t, high, active[0])
}

func TestActiveSetEmptyDomain(t *testing.T) {
	require.Nil(t, ActiveSet(".", nil, ModeBackup))
}

func TestParseModeRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeBackup, ModePrefer, ModeExclusive} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
	_, err := ParseMode("bogus")
	require.Error(t, err)
}
