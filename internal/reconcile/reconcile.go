// Package reconcile implements the incremental reconciliation engine
// (spec component F): diffing the previously applied per-domain active
// sets against newly computed ones and issuing the minimal set of
// unbound-control commands needed to converge, or signalling that a
// full reload is required instead.
package reconcile

import (
	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
	"dnsconfd/internal/unboundconf"
)

// Snapshot is the state the reconciler diffs against: the active set
// actually applied to the running resolver, per domain, plus the
// effective CA that was in effect when it was applied.
type Snapshot struct {
	Domains     map[string][]*server.Server
	EffectiveCA string
}

// Plan is the outcome of a reconciliation pass.
type Plan struct {
	ReloadRequired bool
	ToAdd          map[string][]*server.Server
	ToRemove       []string
	Next           Snapshot
}

// Reconcile computes the new active set for every domain in table and
// compares it against prev. A change in the effective CA forces a
// full reload (the caller should regenerate the whole unbound.conf
// instead of issuing incremental commands); otherwise it returns the
// minimal per-domain add/remove diff.
func Reconcile(table routing.Table, mode routing.Mode, caFallback string, prev Snapshot) Plan {
	next := make(map[string][]*server.Server)
	for domain, servers := range table {
		used := routing.ActiveSet(domain, servers, mode)
		if len(used) == 0 {
			continue
		}
		next[domain] = used
	}

	newCA := effectiveCAFromActiveSets(next, caFallback)
	if newCA != prev.EffectiveCA {
		return Plan{
			ReloadRequired: true,
			Next:           Snapshot{Domains: next, EffectiveCA: newCA},
		}
	}

	toAdd := make(map[string][]*server.Server)
	for domain, used := range next {
		old, existed := prev.Domains[domain]
		if existed && server.EqualSet(used, old) {
			continue
		}
		toAdd[domain] = used
	}

	var toRemove []string
	for domain := range prev.Domains {
		if _, stillPresent := next[domain]; !stillPresent {
			toRemove = append(toRemove, domain)
		}
	}

	return Plan{
		ToAdd:    toAdd,
		ToRemove: toRemove,
		Next:     Snapshot{Domains: next, EffectiveCA: newCA},
	}
}

// effectiveCAFromActiveSets mirrors unboundconf's effective-CA
// selection but over an already-active-set-filtered domain map, the
// form the reconciler works with (every server here already passed
// the interface-scoping rule when its active set was computed).
func effectiveCAFromActiveSets(domains map[string][]*server.Server, fallback string) string {
	var ca string
	var bestPriority int32
	found := false

	for _, servers := range domains {
		for _, s := range servers {
			if s.CA == "" || s.Protocol != server.ProtocolTLS {
				continue
			}
			if !found || s.Priority > bestPriority {
				bestPriority = s.Priority
				ca = s.CA
				found = true
			}
		}
	}
	if found {
		return ca
	}
	return unboundconf.FallbackCA(fallback)
}
