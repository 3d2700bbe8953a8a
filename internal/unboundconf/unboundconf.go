// Package unboundconf writes the resolver configuration (unbound.conf
// forward zones and the system resolv.conf stub file) for the active
// set chosen per domain (spec component E).
package unboundconf

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"dnsconfd/internal/routing"
	"dnsconfd/internal/server"
)

const configPath = "/run/dnsconfd/unbound.conf"

// Options carries the knobs write_configuration consults beyond the
// routing table itself.
type Options struct {
	DNSSECEnabled          bool
	ListenAddress          string
	CertificationAuthority string // space-separated fallback CA list
}

// Writer binds Options so it can be passed wherever the FSM expects a
// table-and-mode-only config writer.
type Writer struct {
	Opts Options
}

func (w *Writer) Write(table routing.Table, mode routing.Mode) (string, error) {
	return WriteConfig(table, mode, w.Opts)
}

// WriteConfig renders the full unbound.conf: the server: block, the
// listen/do-not-query-address pair, the effective tls-cert-bundle,
// and one forward-zone block per domain that has an active set. It
// returns the effective CA it selected so the caller can detect a
// change across reconfigurations.
func WriteConfig(table routing.Table, mode routing.Mode, opts Options) (string, error) {
	var buf bytes.Buffer

	moduleConfig := "ipsecmod iterator"
	if opts.DNSSECEnabled {
		moduleConfig = "ipsecmod validator iterator"
	}
	fmt.Fprintf(&buf, "server:\n\tmodule-config: %q\n", moduleConfig)
	fmt.Fprintf(&buf, "\tinterface: %s\n\tdo-not-query-address: 127.0.0.1/8\n", opts.ListenAddress)

	effectiveCA := effectiveCA(table, mode, opts.CertificationAuthority)
	if effectiveCA == "" {
		return "", fmt.Errorf("unboundconf: failed to determine effective CA")
	}
	fmt.Fprintf(&buf, "\ttls-cert-bundle: %s\n", effectiveCA)

	if err := writeForwardZones(&buf, table, mode); err != nil {
		return "", err
	}

	if err := os.MkdirAll("/run/dnsconfd", 0o755); err != nil {
		return "", fmt.Errorf("unboundconf: %w", err)
	}
	if err := os.WriteFile(configPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("unboundconf: failed to write %s: %w", configPath, err)
	}

	return effectiveCA, nil
}

func writeForwardZones(buf *bytes.Buffer, table routing.Table, mode routing.Mode) error {
	rootPresent := false

	for domain, servers := range table {
		used := routing.ActiveSet(domain, servers, mode)
		if len(used) == 0 {
			continue
		}

		fmt.Fprintf(buf, "forward-zone:\n\tname: %q\n", domain)
		if domain == "." {
			rootPresent = true
		}

		tls := false
		for _, s := range used {
			if s.Protocol == server.ProtocolTLS {
				tls = true
			}
			fmt.Fprintf(buf, "\tforward-addr: %s\n", ForwardAddrString(s))
		}
		fmt.Fprintf(buf, "\tforward-tls-upstream: %s\n", yesNo(tls))
	}

	if !rootPresent {
		buf.WriteString("forward-zone:\n\tname: \".\"\n\tforward-addr: \"127.0.0.1\"\n")
	}
	return nil
}

// ForwardAddrString renders the address@port#name form unbound-control
// and the forward-zone directives both expect: a TLS server always
// carries an explicit port (853 by default) and an optional SNI name;
// any other server carries a port only when it is not 53.
func ForwardAddrString(s *server.Server) string {
	var b strings.Builder
	b.WriteString(s.Address.Format())

	port := s.Address.Port
	if s.Protocol == server.ProtocolTLS {
		if port == 0 {
			port = 853
		}
		fmt.Fprintf(&b, "@%d", port)
		if s.Name != "" {
			fmt.Fprintf(&b, "#%s", s.Name)
		}
	} else if port != 0 && port != 53 {
		fmt.Fprintf(&b, "@%d", port)
	}
	return b.String()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// effectiveCA picks the CA bundle to present to unbound: the highest
// priority TLS server's CA across every domain (interface-scoped
// servers excluded under the same rule ActiveSet applies, but every
// priority tier is considered, not just the winning one), falling
// back to the first readable entry in the configured CA list.
func effectiveCA(table routing.Table, mode routing.Mode, fallbackList string) string {
	var ca string
	var bestPriority int32
	found := false

	for domain, servers := range table {
		for _, s := range servers {
			if s.CA == "" || s.Protocol != server.ProtocolTLS {
				continue
			}
			if s.Interface != "" {
				if mode == routing.ModeExclusive || (mode != routing.ModeBackup && domain == ".") {
					continue
				}
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
	return FallbackCA(fallbackList)
}

// FallbackCA returns the first readable path in a space-separated list
// of candidate CA bundles, matching the original daemon's
// configured-list fallback when no server supplies its own CA.
func FallbackCA(fallbackList string) string {
	for _, candidate := range strings.Fields(fallbackList) {
		if f, err := os.Open(candidate); err == nil {
			f.Close()
			return candidate
		}
	}
	return ""
}
