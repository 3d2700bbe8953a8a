// Package routing builds the per-domain routing table from a flat
// server list and selects, for a given domain and resolution mode,
// the subset of servers that should actually be forwarded to (spec
// components C and D).
package routing

import (
	"fmt"
	"sort"

	"dnsconfd/internal/addr"
	"dnsconfd/internal/server"
)

// Table maps a routing domain (or a reverse-DNS zone synthesized from
// a network) to its servers, sorted by server.Less.
type Table map[string][]*server.Server

// Build groups servers under every one of their routing domains and
// under the reverse-DNS zone of every one of their networks, then
// sorts each bucket.
func Build(servers []*server.Server) (Table, error) {
	table := make(Table)

	for _, s := range servers {
		for _, domain := range s.RoutingDomains {
			table[domain] = append(table[domain], s)
		}
		for _, n := range s.Networks {
			zone := addr.ToReverseDNS(n)
			table[zone] = append(table[zone], s)
		}
	}

	for domain, list := range table {
		sorted := make([]*server.Server, len(list))
		copy(sorted, list)
		sort.SliceStable(sorted, func(i, j int) bool {
			return server.Less(sorted[i], sorted[j])
		})
		table[domain] = sorted
	}

	return table, nil
}

// Mode is the resolution mode that governs whether interface-scoped
// servers may be forwarded to (see ActiveSet).
type Mode int

const (
	ModeBackup Mode = iota
	ModePrefer
	ModeExclusive
)

func (m Mode) String() string {
	switch m {
	case ModeBackup:
		return "backup"
	case ModePrefer:
		return "prefer"
	case ModeExclusive:
		return "exclusive"
	default:
		return "unknown"
	}
}

// ParseMode parses the textual resolution mode accepted on the CLI
// and in config files.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "backup":
		return ModeBackup, nil
	case "prefer":
		return ModePrefer, nil
	case "exclusive":
		return ModeExclusive, nil
	default:
		return 0, fmt.Errorf("routing: unknown resolution mode %q", s)
	}
}

// ActiveSet walks a domain's sorted server list and returns the
// highest tier of servers that share (priority, protocol, dnssec)
// with the first entry, stopping as soon as a lower tier is reached.
// A server scoped to a specific interface is dropped for every domain
// under EXCLUSIVE, and for the root domain under PREFER; BACKUP keeps
// it everywhere.
func ActiveSet(domain string, sorted []*server.Server, mode Mode) []*server.Server {
	if len(sorted) == 0 {
		return nil
	}

	top := sorted[0].Tier()
	var used []*server.Server

	for _, s := range sorted {
		if s.Tier() != top {
			break
		}
		if s.Interface != "" {
			if mode == ModeExclusive || (mode != ModeBackup && domain == ".") {
				continue
			}
		}
		used = append(used, s)
	}

	return used
}
